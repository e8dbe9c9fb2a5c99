// Package orchestrator implements the flash-programming procedures built on
// top of the bootloader command interface: identify, erase, load, and
// verify. Each procedure is synchronous from the caller's perspective,
// implemented by enqueueing commands into a Device and polling its busy
// observable at a fixed cadence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slightlynybbled/bootygo/internal/audit"
	"github.com/slightlynybbled/bootygo/internal/bli"
	"github.com/slightlynybbled/bootygo/internal/hexfile"
	"github.com/slightlynybbled/bootygo/internal/metrics"
)

// Device is the subset of *bli.BLI's public contract the orchestrator
// depends on. Declaring it as an interface (rather than importing *bli.BLI
// directly everywhere) lets tests exercise identify/erase/load/verify
// against a scripted fake instead of a real pump and transport.
type Device interface {
	QueryDevice()
	ErasePage(wordAddr uint32) error
	Read(wordAddr uint32) error
	ReadPage(wordAddr uint32) error
	WriteRow(wordAddr uint32, data []uint32) error
	WriteMax(wordAddr uint32, data []uint32) error
	Shutdown(ctx context.Context, startApp bool) error
	GetOpcode(wordAddr uint32) (uint32, bool)
	Busy() bool
	TransactionsRemaining() int
	DeviceIdentified() bool
	Profile() bli.DeviceProfile
}

// HexImage is the subset of *hexfile.Image the orchestrator depends on.
type HexImage interface {
	Segments() []hexfile.Segment
	Opcode(wordAddr uint32) (uint32, error)
}

// ErrIdentificationTimeout is returned by Identify when device_identified
// never becomes true within the requested timeout.
var ErrIdentificationTimeout = errors.New("orchestrator: identification timed out")

// DefaultPollInterval is the cadence at which Identify, Erase, Load, and
// Verify poll a Device's busy/identified observables.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultVerifyRetries is the number of times Verify re-reads a mirror cell
// that still holds the sentinel before accepting it as a genuine mismatch.
const DefaultVerifyRetries = 3

// DefaultWhitelist is the set of word addresses Verify always skips: the
// vector/config page the bootloader itself may legitimately have altered.
func DefaultWhitelist() map[uint32]bool {
	return map[uint32]bool{0x000000: true}
}

// Orchestrator bundles the optional observability collaborators used by
// every top-level procedure: a logger, metrics counters, and an audit log.
// Construct it with New, which supplies slog.Default() for a nil Logger and
// DefaultPollInterval for a zero PollInterval; a nil Counters or Audit
// disables that collaborator.
type Orchestrator struct {
	Logger       *slog.Logger
	Counters     *metrics.Counters
	Audit        *audit.Logger
	PollInterval time.Duration
}

// New constructs an Orchestrator. opts may be nil fields in o; every
// collaborator is optional.
func New(o Orchestrator) *Orchestrator {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	return &o
}

// Identify repeatedly invokes dev.QueryDevice on the orchestrator's poll
// cadence until dev.DeviceIdentified() or timeout elapses. On timeout it
// shuts down dev (without starting the application) and returns
// ErrIdentificationTimeout.
func (o *Orchestrator) Identify(ctx context.Context, dev Device, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if dev.DeviceIdentified() {
			return nil
		}
		if time.Now().After(deadline) {
			o.Logger.Warn("orchestrator: identification timed out")
			if o.Counters != nil {
				o.Counters.IncIdentifyTimeout()
			}
			_ = dev.Shutdown(ctx, false)
			return ErrIdentificationTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.PollInterval):
		}

		dev.QueryDevice()
		o.Logger.Info("orchestrator: awaiting identification",
			slog.Int("transactions_remaining", dev.TransactionsRemaining()))
	}
}

// Erase enqueues an ERASE_PAGE for the vector/interrupt page (word address
// 0) followed by one ERASE_PAGE per application page up to, but excluding,
// the device's last program page, and awaits drain.
func (o *Orchestrator) Erase(ctx context.Context, dev Device, profile bli.DeviceProfile) error {
	lastProgPage := lastProgramPage(profile)

	if err := dev.ErasePage(0); err != nil {
		return err
	}
	for a := uint32(profile.AppStartAddr); a < lastProgPage; a += uint32(profile.PageLength) {
		if err := dev.ErasePage(a); err != nil {
			return err
		}
	}

	return o.awaitDrain(ctx, dev)
}

// Load writes the first page (word address 0) in prog_ops_per_erase rows of
// max_prog_size opcodes each, base addresses spaced by max_prog_size, then
// covers the application range [app_start_addr, last_prog_page) the same
// way but with base addresses spaced by max_prog_size<<1, matching the
// device bootloader's expectations for the two regions. In
// both cases the max_prog_size opcodes within one row come from consecutive
// even word addresses (real opcodes occupy only even slots; odd slots are
// the unused phantom half of each 4-byte-aligned instruction). A word
// address the hex image never recorded (a gap in a sparse image) is written
// as the erased sentinel, leaving that cell exactly as Erase already left
// it.
func (o *Orchestrator) Load(ctx context.Context, dev Device, profile bli.DeviceProfile, hex HexImage) error {
	maxProg := int(profile.MaxProgSize)
	if maxProg == 0 {
		return errors.New("orchestrator: load: max_prog_size is zero; device not identified")
	}
	progOpsPerErase := int(profile.PageLength) / maxProg

	for i := 0; i < progOpsPerErase; i++ {
		base := uint32(i * maxProg)
		if err := o.writeMaxRow(dev, hex, base, maxProg); err != nil {
			return err
		}
	}

	lastProgPage := lastProgramPage(profile)
	stride := uint32(maxProg) << 1
	for addr := uint32(profile.AppStartAddr); addr < lastProgPage; addr += stride {
		if err := o.writeMaxRow(dev, hex, addr, maxProg); err != nil {
			return err
		}
	}

	return o.awaitDrain(ctx, dev)
}

// writeMaxRow reads maxProg opcodes from hex, starting at base and stepping
// by 2 word addresses each (the even-only addressing real opcodes use), and
// issues one WriteMax for them.
func (o *Orchestrator) writeMaxRow(dev Device, hex HexImage, base uint32, maxProg int) error {
	data := make([]uint32, maxProg)
	for j := 0; j < maxProg; j++ {
		op, err := hex.Opcode(base + 2*uint32(j))
		if err != nil {
			var addrErr *hexfile.AddressError
			if errors.As(err, &addrErr) {
				op = 0xFFFFFF // not present in the image; leave erased
			} else {
				return err
			}
		}
		data[j] = op
	}
	return dev.WriteMax(base, data)
}

// Verify reads back every max_prog_size-wide page up to highest_prog_address
// and compares the mirror against hex's recorded opcodes, word by word, for
// every segment hex reports. Addresses in whitelist are skipped. A mirror
// cell still holding the sentinel is retried up to retries times (200ms
// apart) before being treated as a genuine, unrecoverable mismatch. It
// returns ok=true iff no mismatches were found, plus the ordered list of
// mismatching word addresses.
func (o *Orchestrator) Verify(
	ctx context.Context,
	dev Device,
	profile bli.DeviceProfile,
	hex HexImage,
	retries int,
	whitelist map[uint32]bool,
) (bool, []uint32, error) {
	if whitelist == nil {
		whitelist = DefaultWhitelist()
	}

	// Signed arithmetic so a degenerate profile (prog_length smaller than
	// page_length) yields an empty read schedule rather than a wrapped one.
	highestProgAddress := int(profile.ProgLength) - int(profile.PageLength)
	maxProg := int(profile.MaxProgSize)
	if maxProg == 0 {
		return false, nil, errors.New("orchestrator: verify: max_prog_size is zero; device not identified")
	}

	for a := 0; a < highestProgAddress; a += maxProg {
		if err := dev.ReadPage(uint32(a)); err != nil {
			return false, nil, err
		}
	}
	if err := o.awaitDrain(ctx, dev); err != nil {
		return false, nil, err
	}

	var mismatches []uint32
	for _, seg := range hex.Segments() {
		for addr := seg.Start; addr < seg.End; addr += 2 {
			if whitelist[addr] {
				continue
			}

			mirrorVal, err := o.readMirrorWithRetry(ctx, dev, addr, retries)
			if err != nil {
				return false, nil, err
			}

			hexOp, err := hex.Opcode(addr)
			if err != nil {
				return false, nil, err
			}

			if (mirrorVal & 0xFFFFFF) != (hexOp & 0xFFFFFF) {
				mismatches = append(mismatches, addr)
				o.Logger.Warn("orchestrator: verify mismatch",
					slog.String("word_addr", addrHex(addr)),
					slog.String("mirror", addrHex(mirrorVal)),
					slog.String("hex", addrHex(hexOp)))
			}
		}
	}

	ok := len(mismatches) == 0
	if o.Counters != nil {
		o.Counters.VerifyMismatches.Add(int64(len(mismatches)))
	}
	o.appendVerifyAudit(ok, mismatches)

	return ok, mismatches, nil
}

// readMirrorWithRetry re-reads dev's mirror at addr while it still holds the
// sentinel (the mirror is populated asynchronously from pump responses, and
// the caller may race the last response), sleeping 200ms between attempts.
func (o *Orchestrator) readMirrorWithRetry(ctx context.Context, dev Device, addr uint32, retries int) (uint32, error) {
	for attempt := 0; ; attempt++ {
		v, read := dev.GetOpcode(addr)
		if read || attempt >= retries {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) appendVerifyAudit(ok bool, mismatches []uint32) {
	if o.Audit == nil {
		return
	}
	var payload []byte
	if ok {
		payload = audit.NewVerifyOKPayload()
	} else {
		payload = audit.NewVerifyMismatchPayload(mismatches)
	}
	if _, err := o.Audit.Append(payload); err != nil {
		o.Logger.Warn("orchestrator: audit append failed", slog.Any("error", err))
	}
}

// awaitDrain blocks until dev reports no pending transactions, polling at
// the orchestrator's cadence, or returns ctx.Err() if ctx is cancelled
// first.
func (o *Orchestrator) awaitDrain(ctx context.Context, dev Device) error {
	for dev.Busy() {
		o.Logger.Info("orchestrator: awaiting drain",
			slog.Int("transactions_remaining", dev.TransactionsRemaining()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.PollInterval):
		}
	}
	return nil
}

// lastProgramPage computes the page-aligned boundary of the last program
// page, which Erase and Load both exclude.
func lastProgramPage(profile bli.DeviceProfile) uint32 {
	highestProgAddress := uint32(profile.ProgLength) - uint32(profile.PageLength)
	return highestProgAddress &^ (uint32(profile.PageLength) - 1)
}

func addrHex(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
