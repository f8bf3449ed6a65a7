// Package dispatch correlates outgoing command frames to their
// responses by request id, the way guiperry-HASHER's controller
// correlates ASIC work submissions to nonce replies but generalized to
// MOTION's id-in-frame protocol instead of a fixed single-slot job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"motionhost/internal/motionlog"
	"motionhost/internal/protocol"
	"motionhost/internal/transport"
)

// ErrTimeout is returned by Call when no response arrives before the
// supplied timeout expires.
var ErrTimeout = errors.New("dispatch: timeout waiting for response")

// ErrClosed is returned by Call when the dispatcher has been stopped.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// CommandError wraps a response frame whose type signals a device-side
// failure (ERROR, BAD_CRC, BAD_PARSE, UNKNOWN).
type CommandError struct {
	Response protocol.Frame
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("dispatch: command failed, device returned %s (id=%d)", e.Response.Type, e.Response.ID)
}

// Mode selects how inbound frames are read off the transport.
type Mode int

const (
	// ModeSynchronous has Call itself read from the transport until a
	// full frame decodes; correct only when a single caller owns the
	// transport for the duration of the call.
	ModeSynchronous Mode = iota
	// ModeCooperative relies on a background reader goroutine
	// (started by Run) to decode inbound frames and route them to
	// pending callers by id.
	ModeCooperative
)

type pendingEntry struct {
	ch chan result
}

type result struct {
	frame protocol.Frame
	err   error
}

// Dispatcher owns the monotonic request id counter and the
// single-slot pending-response map for one transport (spec.md §3
// "Command state", §4.D).
type Dispatcher struct {
	transport transport.Transport
	mode      Mode
	log       *motionlog.Logger

	mu      sync.Mutex
	nextID  uint16
	pending map[uint16]*pendingEntry
	closed  bool

	readTimeout time.Duration
}

// New builds a Dispatcher bound to t. readTimeout governs how long a
// single ReadFrame call is allowed to block while hunting for the next
// frame (used by both modes).
func New(t transport.Transport, mode Mode, readTimeout time.Duration, log *motionlog.Logger) *Dispatcher {
	if log == nil {
		log = motionlog.Default()
	}
	return &Dispatcher{
		transport:   t,
		mode:        mode,
		log:         log,
		nextID:      1,
		pending:     make(map[uint16]*pendingEntry),
		readTimeout: readTimeout,
	}
}

// allocateID returns the next id, wrapping 1..65534 and always
// skipping 0 (spec.md §4.D "skipping 0 on wrap").
func (d *Dispatcher) allocateID() uint16 {
	id := d.nextID
	d.nextID++
	if d.nextID == 0 || d.nextID == 65535 {
		d.nextID = 1
	}
	return id
}

// Call sends a request and waits for its correlated response.
func (d *Dispatcher) Call(ctx context.Context, typ protocol.PacketType, command, addr, reserved byte, data []byte, timeout time.Duration) (protocol.Frame, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return protocol.Frame{}, ErrClosed
	}
	id := d.allocateID()
	entry := &pendingEntry{ch: make(chan result, 1)}
	d.pending[id] = entry
	d.mu.Unlock()

	wire := protocol.Encode(id, typ, command, addr, reserved, data)
	if err := d.transport.Send(wire); err != nil {
		d.removePending(id)
		return protocol.Frame{}, fmt.Errorf("dispatch: send: %w", err)
	}

	if d.mode == ModeSynchronous {
		go d.pumpSynchronous(id)
	}

	select {
	case r := <-entry.ch:
		if r.err != nil {
			return protocol.Frame{}, r.err
		}
		if r.frame.Type.IsErrorType() {
			return r.frame, &CommandError{Response: r.frame}
		}
		return r.frame, nil
	case <-time.After(timeout):
		d.removePending(id)
		return protocol.Frame{}, ErrTimeout
	case <-ctx.Done():
		d.removePending(id)
		return protocol.Frame{}, ctx.Err()
	}
}

// pumpSynchronous is the synchronous-mode reader: it reads frames off
// the transport itself until it sees the one this caller is waiting
// on, routing any others it happens to see along the way (harmless
// when only one caller uses the transport, as the mode contract
// requires).
func (d *Dispatcher) pumpSynchronous(wantID uint16) {
	for {
		wire, err := d.transport.ReadFrame(d.readTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				d.mu.Lock()
				_, waiting := d.pending[wantID]
				d.mu.Unlock()
				if waiting {
					continue
				}
				return
			}
			d.failPending(wantID, fmt.Errorf("dispatch: read: %w", err))
			return
		}
		frame, err := protocol.Decode(wire)
		if err != nil {
			d.log.Printf("dispatch: dropping malformed frame: %v", err)
			continue
		}
		if d.routeFrame(frame) && frame.ID == wantID {
			return
		}
	}
}

// Run starts the cooperative-mode background reader. It blocks until
// stop is closed or the transport returns a fatal read error.
func (d *Dispatcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		wire, err := d.transport.ReadFrame(d.readTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			d.log.Printf("dispatch: transport read failed, disconnecting pending calls: %v", err)
			d.failAllPending(fmt.Errorf("dispatch: transport disconnected: %w", err))
			return
		}

		frame, err := protocol.Decode(wire)
		if err != nil {
			d.log.Printf("dispatch: dropping malformed frame: %v", err)
			continue
		}
		d.routeFrame(frame)
	}
}

// routeFrame delivers frame to its pending entry if one exists.
// Unsolicited frames (id not in the map) are logged and dropped, per
// spec.md §4.D.
func (d *Dispatcher) routeFrame(frame protocol.Frame) bool {
	d.mu.Lock()
	entry, ok := d.pending[frame.ID]
	if ok {
		delete(d.pending, frame.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Printf("dispatch: unsolicited frame id=%d type=%s dropped", frame.ID, frame.Type)
		return false
	}
	entry.ch <- result{frame: frame}
	return true
}

func (d *Dispatcher) removePending(id uint16) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) failPending(id uint16, err error) {
	d.mu.Lock()
	entry, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if ok {
		entry.ch <- result{err: err}
	}
}

func (d *Dispatcher) failAllPending(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint16]*pendingEntry)
	d.mu.Unlock()

	for _, entry := range pending {
		entry.ch <- result{err: err}
	}
}

// Close marks the dispatcher closed and fails every pending call.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.failAllPending(ErrClosed)
}
