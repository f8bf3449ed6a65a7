package transport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Console boards enumerate under these USB-to-serial bridge vendor IDs
// (omotion/MotionUart.py auto-detection list, generalized the way
// KeesTucker-huskki/drivers/arduino.go keeps a preferredVIDs set).
var preferredVIDs = map[string]bool{
	"2341": true, // Arduino-compatible
	"1A86": true, // CH340
	"10C4": true, // CP210x
	"0403": true, // FTDI
}

// SerialTransport talks to a MOTION board over a USB-serial bridge.
type SerialTransport struct {
	portName string
	baudRate int
	port     serial.Port
	acc      frameAccumulator
}

// NewSerialTransport wraps a named serial port. Pass portName "auto" to
// probe for the first port whose USB VID matches a known bridge chip.
func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{portName: portName, baudRate: baudRate}
}

func (t *SerialTransport) Connect() error {
	if t.port != nil {
		return nil
	}

	name := t.portName
	if name == "auto" {
		found, err := autoSelectPort()
		if err != nil {
			return fmt.Errorf("transport: serial auto-select: %w", err)
		}
		name = found
	}

	port, err := serial.Open(name, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		return fmt.Errorf("transport: open serial %s: %w", name, err)
	}
	t.port = port
	t.portName = name
	return nil
}

func (t *SerialTransport) Disconnect() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransport) IsConnected() bool {
	return t.port != nil
}

func (t *SerialTransport) Send(frame []byte) error {
	if t.port == nil {
		return ErrNotConnected
	}
	_, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("transport: serial write: %w", err)
	}
	return nil
}

// ReadFrame accumulates bytes until a complete frame has been seen,
// scanning for protocol.StartByte and sizing the remainder off the
// data_len header field, same shape as the fixed-length frame read in
// KeesTucker-huskki's processBinary but driven by a length field
// instead of a fixed struct size.
func (t *SerialTransport) ReadFrame(timeout time.Duration) ([]byte, error) {
	if t.port == nil {
		return nil, ErrNotConnected
	}
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}

	if frame, ok := t.acc.extract(); ok {
		return frame, nil
	}

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("transport: serial read: %w", err)
		}
		if n == 0 {
			return nil, ErrTimeout
		}
		if frame, ok := t.acc.feed(chunk[:n]); ok {
			return frame, nil
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func autoSelectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if p.IsUSB && preferredVIDs[strings.ToUpper(p.VID)] {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no matching serial port found")
}

// MonitorHotPlug polls the serial port list at the given interval and
// reports arrivals/departures of ports matching a preferred VID. It
// returns at once; the polling runs in a goroutine, and the returned
// channel is closed once stop is closed.
func MonitorHotPlug(interval time.Duration, stop <-chan struct{}) <-chan HotPlugEvent {
	events := make(chan HotPlugEvent)
	go func() {
		defer close(events)
		seen := map[string]bool{}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ports, err := enumerator.GetDetailedPortsList()
				if err != nil {
					continue
				}
				present := map[string]bool{}
				for _, p := range ports {
					if !p.IsUSB || !preferredVIDs[strings.ToUpper(p.VID)] {
						continue
					}
					present[p.Name] = true
					if !seen[p.Name] {
						events <- HotPlugEvent{Present: true, Port: p.Name}
					}
				}
				for name := range seen {
					if !present[name] {
						events <- HotPlugEvent{Present: false, Port: name}
					}
				}
				seen = present
			}
		}
	}()
	return events
}
