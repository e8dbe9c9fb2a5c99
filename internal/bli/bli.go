// Package bli implements the bootloader command interface: a single-client
// gateway between the orchestrator and the framing layer. It owns a FIFO of
// pending transmissions, a background pump goroutine that drains the queue
// and ingests asynchronous responses, the device identification state, and a
// local mirror of device flash built from read responses.
package bli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slightlynybbled/bootygo/internal/audit"
	"github.com/slightlynybbled/bootygo/internal/config"
	"github.com/slightlynybbled/bootygo/internal/framer"
	"github.com/slightlynybbled/bootygo/internal/metrics"
)

// Command opcodes, first byte of every payload.
const (
	opReadPlatform     byte = 0x00
	opReadVersion      byte = 0x01
	opReadRowLen       byte = 0x02
	opReadPageLen      byte = 0x03
	opReadProgLen      byte = 0x04
	opReadMaxProgSize  byte = 0x05
	opReadAppStartAddr byte = 0x07
	opErasePage        byte = 0x10
	opEraseAll         byte = 0x11
	opReadAddr         byte = 0x20
	opReadPage         byte = 0x21
	opWriteRow         byte = 0x30
	opWriteMax         byte = 0x31
	opStartApp         byte = 0x40
)

// mirrorSentinel is the erased-flash value every LocalMemoryMap cell starts
// at; it also marks a cell as not yet populated by a read response.
const mirrorSentinel uint32 = 0xFFFFFF

// Profile field bits, tracked so identification completeness can be
// observed without treating an all-zero field as "unset": the device counts
// as identified only once all seven fields have arrived.
const (
	fieldPlatform uint8 = 1 << iota
	fieldVersion
	fieldRowLength
	fieldPageLength
	fieldProgLength
	fieldMaxProgSize
	fieldAppStartAddr

	fieldsComplete = fieldPlatform | fieldVersion | fieldRowLength | fieldPageLength |
		fieldProgLength | fieldMaxProgSize | fieldAppStartAddr
)

// DeviceProfile is the device's self-reported geometry, immutable once
// identification completes.
type DeviceProfile struct {
	Platform     string
	Version      string
	RowLength    uint16
	PageLength   uint16
	ProgLength   uint16
	MaxProgSize  uint16
	AppStartAddr uint16
}

// ArgumentError reports a caller error that does not touch the queue:
// write_row with the wrong width, or an otherwise malformed request.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "bli: " + e.Msg }

// ErrProfileIncomplete is returned by WriteRow / WriteMax when called before
// identification has completed.
var ErrProfileIncomplete = errors.New("bli: device not yet identified")

type txItem struct {
	payload []byte
	settle  time.Duration
}

// BLI is the bootloader command interface. Construct with New; it starts its
// pump goroutine and enqueues the seven identification queries immediately.
type BLI struct {
	logger    *slog.Logger
	counters  *metrics.Counters
	audit     *audit.Logger
	durations config.Durations
	framer    *framer.Framer

	txMu sync.Mutex
	tx   []txItem

	profMu     sync.RWMutex
	profile    DeviceProfile
	seen       uint8
	identified atomic.Bool

	mirrorMu sync.Mutex
	mirror   []uint32

	stopping atomic.Bool
	stopped  chan struct{}
	errored  atomic.Bool
	fatalErr atomic.Value
}

// Option configures a BLI at construction time.
type Option func(*BLI)

// WithLogger sets the *slog.Logger used for framing and protocol
// diagnostics. A nil logger (the default) is replaced by slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *BLI) { b.logger = logger }
}

// WithCounters attaches a metrics.Counters; a nil value (the default)
// disables counting.
func WithCounters(c *metrics.Counters) Option {
	return func(b *BLI) { b.counters = c }
}

// WithAuditLogger attaches an audit.Logger; a nil value (the default)
// disables audit entries.
func WithAuditLogger(l *audit.Logger) Option {
	return func(b *BLI) { b.audit = l }
}

// WithDurations overrides the default settle/tick/poll durations, typically
// from a loaded config.SettleConfig. New uses config.Default().AsDurations()
// when this option is not supplied; when it is, d replaces every duration
// as given, including any zero-valued field.
func WithDurations(d config.Durations) Option {
	return func(b *BLI) { b.durations = d }
}

// New constructs a BLI over transport, starts its pump goroutine, and
// enqueues the seven identification queries.
func New(transport framer.Transport, opts ...Option) *BLI {
	b := &BLI{
		durations: config.Default().AsDurations(),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	var counters framer.Counters
	if b.counters != nil {
		counters = b.counters
	}
	b.framer = framer.New(transport, b.logger, counters)

	go b.pump()
	b.QueryDevice()
	return b
}

// QueryDevice enqueues the seven identification commands. Opcode 0x06 is
// intentionally absent from this list: the wire protocol never assigns it a
// meaning.
func (b *BLI) QueryDevice() {
	ops := []byte{
		opReadPlatform, opReadVersion, opReadRowLen, opReadPageLen,
		opReadProgLen, opReadMaxProgSize, opReadAppStartAddr,
	}
	for _, op := range ops {
		b.enqueue([]byte{op}, b.durations.IdentifyCmd)
		b.incCommand(metrics.ClassIdentify)
	}
}

// ErasePage enqueues an ERASE_PAGE command. The address argument is
// transmitted as only the low 16 bits, unlike every other addressed command;
// this asymmetry is what the device firmware expects.
func (b *BLI) ErasePage(wordAddr uint32) error {
	payload := append([]byte{opErasePage}, le16(wordAddr)...)
	b.enqueue(payload, b.durations.Erase)
	b.incCommand(metrics.ClassErase)
	b.appendAudit(audit.NewErasePagePayload(wordAddr))
	return nil
}

// Read enqueues a READ_ADDR command, masking the address to even first.
func (b *BLI) Read(wordAddr uint32) error {
	wordAddr &^= 1
	payload := append([]byte{opReadAddr}, le32(wordAddr)...)
	b.enqueue(payload, b.durations.ReadWord)
	b.incCommand(metrics.ClassRead)
	return nil
}

// ReadPage enqueues a READ_PAGE command, masking the address to even first.
// Its settle time scales with the identified max_prog_size.
func (b *BLI) ReadPage(wordAddr uint32) error {
	wordAddr &^= 1
	payload := append([]byte{opReadPage}, le32(wordAddr)...)

	maxProgSize := b.Profile().MaxProgSize
	settle := time.Duration(float64(b.durations.ReadPagePer128) * float64(maxProgSize) / 128)

	b.enqueue(payload, settle)
	b.incCommand(metrics.ClassRead)
	return nil
}

// WriteRow enqueues a WRITE_ROW command. It returns ErrProfileIncomplete if
// identification has not completed, and an *ArgumentError if len(data) does
// not equal the identified row_length; in both cases nothing is enqueued.
func (b *BLI) WriteRow(wordAddr uint32, data []uint32) error {
	profile := b.Profile()
	if !b.DeviceIdentified() {
		b.logger.Warn("bli: write_row before identification complete, ignored")
		return ErrProfileIncomplete
	}
	if len(data) != int(profile.RowLength) {
		return &ArgumentError{Msg: fmt.Sprintf("write_row: got %d words, want row_length %d", len(data), profile.RowLength)}
	}

	payload := append([]byte{opWriteRow}, le32(wordAddr)...)
	payload = append(payload, wordsLE32(data)...)

	b.enqueue(payload, b.durations.WriteRow)
	b.incCommand(metrics.ClassWrite)
	b.addBytesWritten(len(data))
	b.appendAudit(audit.NewWriteRowPayload(wordAddr, len(data)))
	return nil
}

// WriteMax enqueues a WRITE_MAX command, right-padding data with the erased
// sentinel up to max_prog_size. It returns ErrProfileIncomplete if
// identification has not completed, and an *ArgumentError if len(data)
// exceeds max_prog_size.
func (b *BLI) WriteMax(wordAddr uint32, data []uint32) error {
	profile := b.Profile()
	if !b.DeviceIdentified() {
		b.logger.Warn("bli: write_max before identification complete, ignored")
		return ErrProfileIncomplete
	}
	if len(data) > int(profile.MaxProgSize) {
		return &ArgumentError{Msg: fmt.Sprintf("write_max: got %d words, want at most max_prog_size %d", len(data), profile.MaxProgSize)}
	}

	padded := make([]uint32, profile.MaxProgSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = mirrorSentinel
	}

	payload := append([]byte{opWriteMax}, le32(wordAddr)...)
	payload = append(payload, wordsLE32(padded)...)

	settle := time.Duration(float64(len(data)) * float64(b.durations.WriteMaxPerWord))
	b.enqueue(payload, settle)
	b.incCommand(metrics.ClassWrite)
	b.addBytesWritten(len(data))
	b.appendAudit(audit.NewWriteMaxPayload(wordAddr, len(data)))
	return nil
}

// Shutdown optionally enqueues START_APP, waits for the queue to drain, and
// stops the pump goroutine. It returns ctx.Err() if ctx is cancelled before
// the drain completes, or the pump's fatal transport error, if any.
func (b *BLI) Shutdown(ctx context.Context, startApp bool) error {
	if startApp {
		b.enqueue([]byte{opStartApp}, b.durations.IdentifyCmd)
		b.incCommand(metrics.ClassControl)
	}

	for b.Busy() && !b.errored.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.durations.Tick):
		}
	}

	b.stopping.Store(true)
	select {
	case <-b.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	return b.FatalErr()
}

// GetOpcode reads the local memory mirror at wordAddr. The second return
// value reports whether the cell has been populated by a response (false
// means it still holds the erased-flash sentinel or wordAddr is out of
// range).
func (b *BLI) GetOpcode(wordAddr uint32) (uint32, bool) {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	if wordAddr >= uint32(len(b.mirror)) {
		return 0, false
	}
	v := b.mirror[wordAddr]
	return v & 0xFFFFFF, v != mirrorSentinel
}

// Busy reports whether any transmission is still queued.
func (b *BLI) Busy() bool { return b.TransactionsRemaining() > 0 }

// TransactionsRemaining reports the current queue depth.
func (b *BLI) TransactionsRemaining() int {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return len(b.tx)
}

// DeviceIdentified reports whether all seven profile fields have been
// populated. Once true, it never becomes false again for this BLI's
// lifetime.
func (b *BLI) DeviceIdentified() bool { return b.identified.Load() }

// Profile returns a snapshot of the current device profile. Fields not yet
// populated read as their zero value.
func (b *BLI) Profile() DeviceProfile {
	b.profMu.RLock()
	defer b.profMu.RUnlock()
	return b.profile
}

// FatalErr returns the transport error that stopped the pump, if any.
func (b *BLI) FatalErr() error {
	v := b.fatalErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// pump is the single background worker: pop one queued command, send it,
// sleep its settle time, then poll the framer and ingest any decoded
// responses, then sleep one tick.
func (b *BLI) pump() {
	defer close(b.stopped)

	for !b.stopping.Load() {
		if item, ok := b.popTx(); ok {
			if err := b.framer.EncodeAndSend(item.payload); err != nil {
				b.fail(err)
				return
			}
			time.Sleep(item.settle)
		}

		if err := b.framer.Poll(); err != nil {
			b.fail(err)
			return
		}
		for {
			payload, ok := b.framer.TryReceive()
			if !ok {
				break
			}
			b.handleResponse(payload)
		}

		time.Sleep(b.durations.Tick)
	}
}

// fail records a fatal transport error and stops the pump. A transport write
// or read failure is fatal to the session; there is no reconnect.
func (b *BLI) fail(err error) {
	b.logger.Error("bli: fatal transport error, pump exiting", slog.Any("error", err))
	b.fatalErr.Store(err)
	b.errored.Store(true)
}

// handleResponse dispatches one decoded payload by its opcode.
func (b *BLI) handleResponse(payload []byte) {
	if len(payload) == 0 {
		b.logger.Warn("bli: empty response payload, discarding")
		return
	}
	op := payload[0]
	tail := payload[1:]

	switch op {
	case opReadPlatform:
		b.setProfileField(fieldPlatform, func(p *DeviceProfile) { p.Platform = string(tail) })
	case opReadVersion:
		b.setProfileField(fieldVersion, func(p *DeviceProfile) { p.Version = string(tail) })
	case opReadRowLen:
		if v, ok := parseLE16(tail); ok {
			b.setProfileField(fieldRowLength, func(p *DeviceProfile) { p.RowLength = v })
		}
	case opReadPageLen:
		if v, ok := parseLE16(tail); ok {
			b.setProfileField(fieldPageLength, func(p *DeviceProfile) { p.PageLength = v })
		}
	case opReadProgLen:
		if v, ok := parseLE16(tail); ok {
			b.setProfileField(fieldProgLength, func(p *DeviceProfile) { p.ProgLength = v })
			b.allocateMirror(v)
		}
	case opReadMaxProgSize:
		if v, ok := parseLE16(tail); ok {
			b.setProfileField(fieldMaxProgSize, func(p *DeviceProfile) { p.MaxProgSize = v })
		}
	case opReadAppStartAddr:
		if v, ok := parseLE16(tail); ok {
			b.setProfileField(fieldAppStartAddr, func(p *DeviceProfile) { p.AppStartAddr = v })
		}
	case opReadAddr, opReadPage:
		b.storeReadResponse(tail)
	default:
		b.logger.Warn("bli: unexpected opcode in response, discarding", slog.Int("opcode", int(op)))
	}

	b.checkIdentified()
}

// setProfileField applies mutate under the profile lock and records the
// field as seen.
func (b *BLI) setProfileField(bit uint8, mutate func(*DeviceProfile)) {
	b.profMu.Lock()
	mutate(&b.profile)
	b.seen |= bit
	b.profMu.Unlock()
}

// allocateMirror sizes the local memory map once prog_length is known
// (0x200 words per page, halved for word addressing), initialised to the
// erased sentinel.
func (b *BLI) allocateMirror(progLength uint16) {
	size := 0x200 * int(progLength) / 2
	mirror := make([]uint32, size)
	for i := range mirror {
		mirror[i] = mirrorSentinel
	}

	b.mirrorMu.Lock()
	b.mirror = mirror
	b.mirrorMu.Unlock()
}

// storeReadResponse parses a READ_ADDR / READ_PAGE response: a 4-byte LE
// base byte-address followed by one or more 4-byte LE words, each stored at
// (base_byte_addr >> 1) + i. Both opcodes share this shape; READ_ADDR simply
// carries a single word.
func (b *BLI) storeReadResponse(tail []byte) {
	if len(tail) < 4 || (len(tail)-4)%4 != 0 {
		b.logger.Warn("bli: malformed read response, discarding", slog.Int("len", len(tail)))
		return
	}
	base := parseLE32(tail[0:4])
	n := (len(tail) - 4) / 4

	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	for i := 0; i < n; i++ {
		word := parseLE32(tail[4+4*i : 8+4*i])
		idx := (base >> 1) + uint32(i)
		if idx < uint32(len(b.mirror)) {
			b.mirror[idx] = word & 0xFFFFFF
		}
	}
}

// checkIdentified promotes identified to true exactly once, the moment all
// seven profile fields have been observed.
func (b *BLI) checkIdentified() {
	b.profMu.RLock()
	complete := b.seen == fieldsComplete
	snap := b.profile
	b.profMu.RUnlock()

	if !complete {
		return
	}
	if !b.identified.CompareAndSwap(false, true) {
		return
	}

	b.logger.Info("bli: device identified",
		slog.String("platform", snap.Platform),
		slog.String("version", snap.Version),
	)
	b.appendAudit(audit.NewIdentifyPayload(
		snap.Platform, snap.Version, snap.RowLength, snap.PageLength,
		snap.ProgLength, snap.MaxProgSize, snap.AppStartAddr,
	))
}

func (b *BLI) enqueue(payload []byte, settle time.Duration) {
	b.txMu.Lock()
	b.tx = append(b.tx, txItem{payload: payload, settle: settle})
	b.txMu.Unlock()
}

func (b *BLI) popTx() (txItem, bool) {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if len(b.tx) == 0 {
		return txItem{}, false
	}
	item := b.tx[0]
	b.tx = b.tx[1:]
	return item, true
}

func (b *BLI) incCommand(class metrics.OpcodeClass) {
	if b.counters != nil {
		b.counters.IncCommandSent(class)
	}
}

func (b *BLI) addBytesWritten(words int) {
	if b.counters != nil {
		b.counters.AddBytesWritten(int64(words) * 3)
	}
}

func (b *BLI) appendAudit(payload []byte) {
	if b.audit == nil {
		return
	}
	if _, err := b.audit.Append(payload); err != nil {
		b.logger.Warn("bli: audit append failed", slog.Any("error", err))
	}
}

// le16 returns the low 16 bits of v as two little-endian bytes (used for
// ERASE_PAGE's 2-byte address).
func le16(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// le32 returns v as four little-endian bytes.
func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// wordsLE32 packs each word as four little-endian bytes, concatenated.
func wordsLE32(words []uint32) []byte {
	out := make([]byte, 0, 4*len(words))
	for _, w := range words {
		out = append(out, le32(w)...)
	}
	return out
}

// parseLE16 parses two little-endian bytes into a uint16, reporting false if
// b is not exactly 2 bytes.
func parseLE16(b []byte) (uint16, bool) {
	if len(b) != 2 {
		return 0, false
	}
	return uint16(b[0]) | uint16(b[1])<<8, true
}

func parseLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
