// Package transport implements the byte-level link between the host and
// a MOTION board: USB bulk endpoints or a serial port, both framed the
// same way by internal/protocol.
package transport

import (
	"errors"
	"time"
)

// ErrNotConnected is returned by Send/Read when called on a transport
// that has not been opened, or that has dropped out from under the
// caller (unplugged, port closed).
var ErrNotConnected = errors.New("transport: not connected")

// ErrTimeout is returned by Read when no complete frame arrives within
// the requested deadline.
var ErrTimeout = errors.New("transport: read timeout")

// Transport is the link a command dispatcher sends frames over. Both
// the USB and serial variants implement it identically so the
// dispatcher and device proxies never know which one they are talking
// to (spec.md §4.C).
type Transport interface {
	// Connect opens the underlying link. Calling Connect on an already
	// connected Transport is a no-op.
	Connect() error

	// Disconnect closes the underlying link. Safe to call more than
	// once.
	Disconnect() error

	// IsConnected reports whether the link is currently open.
	IsConnected() bool

	// Send writes a complete, already-framed packet.
	Send(frame []byte) error

	// ReadFrame blocks until one complete frame has been read or
	// timeout elapses, and returns the raw bytes (start byte through
	// end byte inclusive) for internal/protocol.Decode to parse.
	ReadFrame(timeout time.Duration) ([]byte, error)
}

// HotPlugEvent describes a device arriving or departing during
// MonitorHotPlug's polling loop.
type HotPlugEvent struct {
	Present bool
	Port    string
}
