// Package serialtransport implements framer.Transport over a real serial
// port using go.bug.st/serial.
package serialtransport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
)

// Transport is a framer.Transport backed by an open serial.Port.
type Transport struct {
	port serial.Port
}

// Open opens name at baudRate, retrying with exponential backoff until ctx
// is cancelled or the device is found. Microcontroller bootloaders often
// enumerate their USB-serial adapter a moment after power-up or reset, so a
// single failed open is retryable rather than fatal.
func Open(ctx context.Context, name string, baudRate int) (*Transport, error) {
	mode := &serial.Mode{BaudRate: baudRate}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx instead

	var port serial.Port
	operation := func() error {
		p, err := serial.Open(name, mode)
		if err != nil {
			return err
		}
		port = p
		return nil
	}

	notify := func(err error, next time.Duration) {}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("serialtransport: open %s: %w", name, err)
	}

	// A short read timeout makes Read (and so ReadAvailable) return
	// promptly with n=0 when nothing is waiting, matching the
	// non-blocking contract framer.Transport requires.
	if err := port.SetReadTimeout(20 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialtransport: set read timeout: %w", err)
	}

	return &Transport{port: port}, nil
}

// Write implements framer.Transport.
func (t *Transport) Write(p []byte) error {
	_, err := t.port.Write(p)
	return err
}

// ReadAvailable implements framer.Transport. It performs one non-blocking
// drain of whatever bytes the driver currently has buffered; the framer
// calls it repeatedly on its own poll cadence, so a short read here is
// fine.
func (t *Transport) ReadAvailable() ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := t.port.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// BytesWaiting implements framer.Transport. go.bug.st/serial has no portable
// "bytes queued" query, so this reports a ReadAvailable call away: the
// framer treats BytesWaiting as advisory and re-polls on its own cadence
// regardless of what it returns here.
func (t *Transport) BytesWaiting() (int, error) {
	return 0, nil
}

// Close closes the underlying serial port.
func (t *Transport) Close() error {
	return t.port.Close()
}
