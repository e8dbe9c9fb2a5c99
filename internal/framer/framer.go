package framer

import (
	"bytes"
	"log/slog"
	"sync"
)

// Wire constants. These three byte values are reserved and must never appear
// unescaped inside a frame body.
const (
	startOfFrame byte = 0xF7
	endOfFrame   byte = 0x7F
	escapeByte   byte = 0xF6
	escapeXOR    byte = 0x20
)

// compactThreshold bounds how much discarded prefix we tolerate in the raw
// buffer before reclaiming it with a copy. This keeps prefix discard O(1)
// amortized instead of O(n) per byte, per the design note on typed buffers.
const compactThreshold = 4096

// Counters receives frame-level event notifications for observability. A nil
// Counters is valid and simply disables counting; see internal/metrics for
// the concrete implementation wired in by the CLI.
type Counters interface {
	IncFramesEncoded()
	IncFramesDecoded()
	IncFramesDropped()
}

// noopCounters discards everything; used when the caller passes a nil
// Counters so call sites never need a nil check.
type noopCounters struct{}

func (noopCounters) IncFramesEncoded() {}
func (noopCounters) IncFramesDecoded() {}
func (noopCounters) IncFramesDropped() {}

// Framer encodes outbound payloads as stuffed, checksummed frames and decodes
// an inbound byte stream back into validated payloads. It owns the Transport
// handle and the raw inbound buffer; framing state itself (partial frames,
// escape state) is transient within Poll and never observed by callers.
//
// Framer is not safe for concurrent use by multiple goroutines; the
// bootloader interface's pump is the sole caller in this codebase's intended
// usage.
type Framer struct {
	transport Transport
	logger    *slog.Logger
	counters  Counters

	mu      sync.Mutex // guards decoded; Poll and TryReceive may run from different goroutines in tests
	raw     []byte
	cursor  int
	decoded [][]byte
}

// New creates a Framer over the given Transport. logger and counters may be
// nil; a nil logger is replaced by slog.Default() and a nil counters disables
// metric collection.
func New(t Transport, logger *slog.Logger, counters Counters) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = noopCounters{}
	}
	return &Framer{transport: t, logger: logger, counters: counters}
}

// EncodeAndSend accepts a non-empty payload (a single byte is accepted as a
// length-1 payload), frames it, and writes it to the Transport. It returns ErrEmptyPayload for a zero-length payload and a
// *TransportError if the underlying write fails.
func (f *Framer) EncodeAndSend(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	length := len(payload)
	body := make([]byte, 0, 2+len(payload)+2)
	body = append(body, byte(length&0xFF), byte((length>>8)&0xFF))
	body = append(body, payload...)

	sum1, sum2 := fletcher16(body)
	body = append(body, sum1, sum2)

	frame := make([]byte, 0, 2+2*len(body))
	frame = append(frame, startOfFrame)
	frame = append(frame, stuff(body)...)
	frame = append(frame, endOfFrame)

	if err := f.transport.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	f.counters.IncFramesEncoded()
	return nil
}

// Poll drains any bytes currently available on the Transport into the
// internal raw buffer, then repeatedly extracts complete frames from it.
// Corrupt frames (bad checksum, truncated body) are logged and dropped; Poll
// itself never returns an error for them. It returns a *TransportError only
// if reading from the Transport fails.
func (f *Framer) Poll() error {
	chunk, err := f.transport.ReadAvailable()
	if err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	if len(chunk) > 0 {
		f.raw = append(f.raw, chunk...)
	}

	for f.extractOne() {
	}
	return nil
}

// extractOne attempts to pull one frame out of the raw buffer. It returns
// true if it made progress (consumed bytes, whether the frame was valid or
// not) so Poll can keep looping, and false once no further frame can be
// extracted from the bytes currently buffered.
func (f *Framer) extractOne() bool {
	window := f.raw[f.cursor:]

	sofIdx := bytes.IndexByte(window, startOfFrame)
	if sofIdx == -1 {
		// No SOF anywhere in the buffered tail: discard it all.
		f.cursor = len(f.raw)
		f.compact()
		return false
	}
	sofPos := f.cursor + sofIdx

	eofIdx := bytes.IndexByte(f.raw[sofPos+1:], endOfFrame)
	if eofIdx == -1 {
		// Have a SOF but no EOF yet; wait for more data next Poll.
		f.cursor = sofPos
		f.compact()
		return false
	}
	eofPos := sofPos + 1 + eofIdx

	stuffed := f.raw[sofPos+1 : eofPos]
	f.cursor = eofPos + 1
	f.compact()

	body := unstuff(stuffed)
	if len(body) < 4 {
		f.logger.Warn("framer: dropping short frame", slog.Int("len", len(body)))
		f.counters.IncFramesDropped()
		return true
	}

	n := len(body)
	recvSum1, recvSum2 := body[n-2], body[n-1]
	remainder := body[:n-2]

	calcSum1, calcSum2 := fletcher16(remainder)
	received := uint16(recvSum2)<<8 | uint16(recvSum1)
	calculated := uint16(calcSum2)<<8 | uint16(calcSum1)
	if received != calculated {
		f.logger.Warn("framer: checksum mismatch, dropping frame",
			slog.Int("received", int(received)),
			slog.Int("calculated", int(calculated)),
		)
		f.counters.IncFramesDropped()
		return true
	}

	if len(remainder) < 2 {
		f.logger.Warn("framer: dropping frame with no length prefix")
		f.counters.IncFramesDropped()
		return true
	}

	payload := remainder[2:]
	f.mu.Lock()
	f.decoded = append(f.decoded, payload)
	f.mu.Unlock()
	f.counters.IncFramesDecoded()
	return true
}

// compact reclaims discarded prefix bytes once the cursor has drifted far
// enough to make a copy worthwhile, giving amortized O(1) prefix discard.
func (f *Framer) compact() {
	if f.cursor < compactThreshold {
		return
	}
	f.raw = append(f.raw[:0], f.raw[f.cursor:]...)
	f.cursor = 0
}

// TryReceive pops the oldest decoded payload, if any.
func (f *Framer) TryReceive() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.decoded) == 0 {
		return nil, false
	}
	p := f.decoded[0]
	f.decoded = f.decoded[1:]
	return p, true
}

// IsEmpty reports whether the decoded-payload queue is empty.
func (f *Framer) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decoded) == 0
}

// fletcher16 computes the Fletcher-16 checksum of data using modulus 256
// (not the textbook 255), matching the device's own implementation.
func fletcher16(data []byte) (sum1, sum2 byte) {
	var s1, s2 uint16
	for _, b := range data {
		s1 = (s1 + uint16(b)) & 0xFF
		s2 = (s2 + s1) & 0xFF
	}
	return byte(s1), byte(s2)
}

// stuff escapes every occurrence of the three reserved bytes in b.
func stuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == startOfFrame || c == endOfFrame || c == escapeByte {
			out = append(out, escapeByte, c^escapeXOR)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// unstuff reverses stuff: an ESC byte causes the following byte to be
// XORed with escapeXOR instead of interpreted literally.
func unstuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	escaped := false
	for _, c := range b {
		if escaped {
			out = append(out, c^escapeXOR)
			escaped = false
			continue
		}
		if c == escapeByte {
			escaped = true
			continue
		}
		out = append(out, c)
	}
	return out
}
