// Package framer implements the self-synchronising, byte-stuffed,
// Fletcher-16-checksummed frame protocol used to carry bootloader command and
// response payloads over a byte-duplex serial link.
package framer

import "errors"

// Transport is the byte-duplex link a Framer writes frames to and reads raw
// bytes from. Serial port construction (baud rate, OS device naming) is a
// concern of the caller; Framer only ever sees this interface.
//
// Implementations must make Write atomic with respect to concurrent callers
// only if the Framer itself is shared across goroutines; in the bootloader
// interface's pump design, a single goroutine owns the Framer and this
// requirement is moot.
type Transport interface {
	// Write sends all of p to the link or returns a non-nil error. A partial
	// write followed by an error is treated as a failure of the whole call.
	Write(p []byte) error

	// ReadAvailable returns whatever bytes are currently available without
	// blocking. A nil or empty slice means nothing is available right now;
	// it is not an error.
	ReadAvailable() ([]byte, error)

	// BytesWaiting reports how many bytes are queued for reading. Callers
	// may treat this as advisory; ReadAvailable is always safe to call
	// directly instead.
	BytesWaiting() (int, error)
}

// TransportError wraps a failure reported by the underlying Transport. It is
// fatal to the session: the caller (BLI pump) has no retry strategy for a
// broken link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "framer: transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrEmptyPayload is returned by EncodeAndSend when given a zero-length
// payload. A single-byte payload is valid and is treated as a length-1
// payload.
var ErrEmptyPayload = errors.New("framer: payload must not be empty")
