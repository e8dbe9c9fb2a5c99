// Package metrics exposes in-process programming-session counters in the
// Prometheus text exposition format. The catalogue here is small and fixed,
// so plain atomic counters serialised by hand beat pulling in a generic
// client-library registry.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// OpcodeClass enumerates the command categories counted by
// booty_commands_sent_total's opcode_class label.
type OpcodeClass int

const (
	ClassIdentify OpcodeClass = iota
	ClassErase
	ClassRead
	ClassWrite
	ClassControl

	numOpcodeClasses
)

func (c OpcodeClass) String() string {
	switch c {
	case ClassIdentify:
		return "identify"
	case ClassErase:
		return "erase"
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	case ClassControl:
		return "control"
	default:
		return "unknown"
	}
}

// Counters holds every counter in the bootloader metric catalogue. The zero
// value is ready to use. All fields are updated atomically so Handler can
// serve a consistent snapshot without locking.
type Counters struct {
	FramesEncoded atomic.Int64
	FramesDecoded atomic.Int64
	FramesDropped atomic.Int64

	commandsSent [numOpcodeClasses]atomic.Int64

	BytesWritten     atomic.Int64
	VerifyMismatches atomic.Int64
	IdentifyTimeouts atomic.Int64
}

// New allocates a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// IncFramesEncoded satisfies framer.Counters.
func (c *Counters) IncFramesEncoded() { c.FramesEncoded.Add(1) }

// IncFramesDecoded satisfies framer.Counters.
func (c *Counters) IncFramesDecoded() { c.FramesDecoded.Add(1) }

// IncFramesDropped satisfies framer.Counters.
func (c *Counters) IncFramesDropped() { c.FramesDropped.Add(1) }

// IncCommandSent records one outbound command in the given opcode class.
func (c *Counters) IncCommandSent(class OpcodeClass) {
	if class < 0 || class >= numOpcodeClasses {
		return
	}
	c.commandsSent[class].Add(1)
}

// IncIdentifySent is a convenience wrapper for the identify opcode class.
func (c *Counters) IncIdentifySent() { c.IncCommandSent(ClassIdentify) }

// IncEraseSent is a convenience wrapper for the erase opcode class.
func (c *Counters) IncEraseSent() { c.IncCommandSent(ClassErase) }

// IncReadSent is a convenience wrapper for the read opcode class.
func (c *Counters) IncReadSent() { c.IncCommandSent(ClassRead) }

// IncWriteSent is a convenience wrapper for the write opcode class.
func (c *Counters) IncWriteSent() { c.IncCommandSent(ClassWrite) }

// IncControlSent is a convenience wrapper for the control opcode class
// (shutdown / run-application commands).
func (c *Counters) IncControlSent() { c.IncCommandSent(ClassControl) }

// AddBytesWritten accumulates n bytes into booty_bytes_written_total.
func (c *Counters) AddBytesWritten(n int64) { c.BytesWritten.Add(n) }

// IncVerifyMismatch records one word that failed a post-load verify compare.
func (c *Counters) IncVerifyMismatch() { c.VerifyMismatches.Add(1) }

// IncIdentifyTimeout records one identification attempt that did not
// complete before the orchestrator gave up waiting.
func (c *Counters) IncIdentifyTimeout() { c.IdentifyTimeouts.Add(1) }

// metricLine is a single Prometheus metric family descriptor plus its current
// value and optional label suffix (e.g. `{opcode_class="erase"}`).
type metricLine struct {
	name   string
	help   string
	kind   string
	labels string
	value  int64
}

// snapshot captures the current values of all metrics in a stable order.
func (c *Counters) snapshot() []metricLine {
	lines := []metricLine{
		{
			name:  "booty_frames_encoded_total",
			help:  "Total number of frames encoded and written to the transport.",
			kind:  "counter",
			value: c.FramesEncoded.Load(),
		},
		{
			name:  "booty_frames_decoded_total",
			help:  "Total number of frames successfully decoded from the transport.",
			kind:  "counter",
			value: c.FramesDecoded.Load(),
		},
		{
			name:  "booty_frames_dropped_total",
			help:  "Total number of frames dropped due to a checksum or stuffing failure.",
			kind:  "counter",
			value: c.FramesDropped.Load(),
		},
	}

	for class := OpcodeClass(0); class < numOpcodeClasses; class++ {
		lines = append(lines, metricLine{
			name:   "booty_commands_sent_total",
			help:   "Total number of commands sent to the device, by opcode class.",
			kind:   "counter",
			labels: fmt.Sprintf(`{opcode_class=%q}`, class.String()),
			value:  c.commandsSent[class].Load(),
		})
	}

	lines = append(lines,
		metricLine{
			name:  "booty_bytes_written_total",
			help:  "Total number of flash bytes written via write_row/write_max commands.",
			kind:  "counter",
			value: c.BytesWritten.Load(),
		},
		metricLine{
			name:  "booty_verify_mismatches_total",
			help:  "Total number of words that failed a post-load verify comparison.",
			kind:  "counter",
			value: c.VerifyMismatches.Load(),
		},
		metricLine{
			name:  "booty_identify_timeouts_total",
			help:  "Total number of identification attempts that timed out waiting for the device.",
			kind:  "counter",
			value: c.IdentifyTimeouts.Load(),
		},
	)

	return lines
}

// Handler returns an [http.Handler] that writes every counter in the
// Prometheus text exposition format on each GET request.
func (c *Counters) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, c.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format,
// emitting HELP/TYPE only once per metric family.
func writeMetrics(w io.Writer, lines []metricLine) {
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if !seen[l.name] {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
			seen[l.name] = true
		}
		fmt.Fprintf(w, "%s%s %d\n", l.name, l.labels, l.value)
	}
}
