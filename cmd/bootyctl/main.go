// Command bootyctl is the booty bootloader programming CLI. It opens a
// serial port to a PIC24/dsPIC running the booty bootloader, identifies it,
// and runs whichever of erase / load / verify the caller requested, in that
// order, persisting a session record and an audit trail as it goes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/slightlynybbled/bootygo/internal/audit"
	"github.com/slightlynybbled/bootygo/internal/bli"
	"github.com/slightlynybbled/bootygo/internal/config"
	"github.com/slightlynybbled/bootygo/internal/hexfile"
	"github.com/slightlynybbled/bootygo/internal/history"
	"github.com/slightlynybbled/bootygo/internal/metrics"
	"github.com/slightlynybbled/bootygo/internal/orchestrator"
	"github.com/slightlynybbled/bootygo/internal/serialtransport"
)

// version is stamped at release time via -ldflags; "dev" is the fallback
// for a locally built binary.
var version = "dev"

func main() {
	hexPath := flag.String("hexfile", "", "path to the Intel HEX firmware image")
	port := flag.String("port", "", "serial device path, e.g. /dev/ttyUSB0 or COM3")
	baudRate := flag.Int("baudrate", 115200, "serial baud rate")
	erase := flag.Bool("erase", false, "erase the device's program flash before loading")
	load := flag.Bool("load", false, "write --hexfile to the device")
	verify := flag.Bool("verify", false, "read back flash and compare against --hexfile")
	settleConfigPath := flag.String("settle-config", "", "path to a YAML settle-time override file")
	historyDBPath := flag.String("history-db", "", "path to the session history SQLite database (disabled if empty)")
	historyLimit := flag.Int("history", 0, "print the N most recent sessions from --history-db and exit")
	auditLogPath := flag.String("audit-log", "", "path to the hash-chained JSONL audit log (disabled if empty)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	openTimeout := flag.Duration("open-timeout", 10*time.Second, "how long to retry opening the serial port")
	identifyTimeout := flag.Duration("identify-timeout", 5*time.Second, "how long to wait for device identification")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bootyctl " + version)
		return
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *historyLimit > 0 {
		if err := printHistory(*historyDBPath, *historyLimit); err != nil {
			logger.Error("failed to list session history", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if *port == "" {
		logger.Error("--port is required")
		os.Exit(1)
	}

	settleConfig := config.Default()
	if *settleConfigPath != "" {
		loaded, err := config.Load(*settleConfigPath)
		if err != nil {
			logger.Error("failed to load settle config", slog.String("path", *settleConfigPath), slog.Any("error", err))
			os.Exit(1)
		}
		settleConfig = loaded
	}

	counters := metrics.New()
	if *metricsAddr != "" {
		serveMetrics(logger, *metricsAddr, counters)
	}

	var auditLogger *audit.Logger
	if *auditLogPath != "" {
		l, err := audit.Open(*auditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", *auditLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		defer l.Close()
		auditLogger = l
	}

	var historyStore *history.Store
	if *historyDBPath != "" {
		s, err := history.Open(*historyDBPath)
		if err != nil {
			logger.Error("failed to open history database", slog.String("path", *historyDBPath), slog.Any("error", err))
			os.Exit(1)
		}
		defer s.Close()
		historyStore = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	sessionID := uuid.NewString()
	startedAt := time.Now().UTC()

	outcome, errMsg := run(ctx, logger, counters, auditLogger, settleConfig,
		*port, *baudRate, *openTimeout, *identifyTimeout, *hexPath, *erase, *load, *verify)

	if historyStore != nil {
		rec := history.SessionRecord{
			ID:         sessionID,
			HexFile:    *hexPath,
			Port:       *port,
			BaudRate:   *baudRate,
			Erase:      *erase,
			Load:       *load,
			Verify:     *verify,
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
			Outcome:    outcome,
			ErrorMsg:   errMsg,
		}
		if err := historyStore.Record(context.Background(), rec); err != nil {
			logger.Warn("failed to record session history", slog.Any("error", err))
		}
	}

	if outcome != history.OutcomeOK {
		os.Exit(1)
	}
}

// run opens the transport, identifies the device, and runs the requested
// phases in order: erase, then load, then verify. It returns the terminal
// history.Outcome and, on failure, a short error message for the history
// record.
func run(
	ctx context.Context,
	logger *slog.Logger,
	counters *metrics.Counters,
	auditLogger *audit.Logger,
	settleConfig config.SettleConfig,
	port string,
	baudRate int,
	openTimeout time.Duration,
	identifyTimeout time.Duration,
	hexPath string,
	doErase, doLoad, doVerify bool,
) (history.Outcome, string) {
	openCtx, openCancel := context.WithTimeout(ctx, openTimeout)
	defer openCancel()

	transport, err := serialtransport.Open(openCtx, port, baudRate)
	if err != nil {
		logger.Error("failed to open serial port", slog.String("port", port), slog.Any("error", err))
		return history.OutcomeError, err.Error()
	}
	defer transport.Close()

	device := bli.New(transport,
		bli.WithLogger(logger),
		bli.WithCounters(counters),
		bli.WithAuditLogger(auditLogger),
		bli.WithDurations(settleConfig.AsDurations()),
	)
	defer func() { _ = device.Shutdown(context.Background(), false) }()

	orch := orchestrator.New(orchestrator.Orchestrator{
		Logger:   logger,
		Counters: counters,
		Audit:    auditLogger,
	})

	if err := orch.Identify(ctx, device, identifyTimeout); err != nil {
		logger.Error("identification failed", slog.Any("error", err))
		return history.OutcomeError, err.Error()
	}
	profile := device.Profile()
	logger.Info("device identified",
		slog.String("platform", profile.Platform),
		slog.String("version", profile.Version))

	var hex *hexfile.Image
	if doLoad || doVerify {
		if hexPath == "" {
			return history.OutcomeError, "--hexfile is required for --load / --verify"
		}
		img, err := hexfile.ParseFile(hexPath)
		if err != nil {
			logger.Error("failed to parse hex file", slog.String("path", hexPath), slog.Any("error", err))
			return history.OutcomeError, err.Error()
		}
		hex = img
	}

	if doErase {
		logger.Info("erasing program flash")
		if err := orch.Erase(ctx, device, profile); err != nil {
			logger.Error("erase failed", slog.Any("error", err))
			return history.OutcomeError, err.Error()
		}
	}

	if doLoad {
		logger.Info("loading firmware image", slog.String("path", hexPath))
		if err := orch.Load(ctx, device, profile, hex); err != nil {
			logger.Error("load failed", slog.Any("error", err))
			return history.OutcomeError, err.Error()
		}
	}

	if doVerify {
		logger.Info("verifying firmware image", slog.String("path", hexPath))
		ok, mismatches, err := orch.Verify(ctx, device, profile, hex, orchestrator.DefaultVerifyRetries, orchestrator.DefaultWhitelist())
		if err != nil {
			logger.Error("verify failed", slog.Any("error", err))
			return history.OutcomeError, err.Error()
		}
		if !ok {
			logger.Error("verify found mismatches", slog.Int("count", len(mismatches)))
			return history.OutcomeMismatch, fmt.Sprintf("%d word mismatches", len(mismatches))
		}
		logger.Info("verify passed")
	}

	return history.OutcomeOK, ""
}

// printHistory lists the n most recent session records from the history
// database on stdout, most recent first.
func printHistory(dbPath string, n int) error {
	if dbPath == "" {
		return fmt.Errorf("--history requires --history-db")
	}
	store, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), n)
	if err != nil {
		return err
	}
	for _, r := range records {
		phases := ""
		if r.Erase {
			phases += "E"
		}
		if r.Load {
			phases += "L"
		}
		if r.Verify {
			phases += "V"
		}
		line := fmt.Sprintf("%s  %-8s  %-3s  %s @ %d  %s",
			r.StartedAt.Local().Format(time.RFC3339), r.Outcome, phases, r.Port, r.BaudRate, r.HexFile)
		if r.ErrorMsg != "" {
			line += "  (" + r.ErrorMsg + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// serveMetrics starts the Prometheus text-exposition HTTP server in the
// background. Failures after startup are logged, not fatal: a metrics
// scrape outage should never abort a programming session in progress.
func serveMetrics(logger *slog.Logger, addr string, counters *metrics.Counters) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", counters.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
