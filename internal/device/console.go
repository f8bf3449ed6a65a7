package device

import (
	"time"

	"motionhost/internal/dispatch"
	"motionhost/internal/motionlog"
)

// ConsoleProxy is the typed operation surface for the console board
// (omotion/Console.py). It is the full Base surface with no additions;
// the console is a single-interface device with no per-camera ops.
type ConsoleProxy struct {
	Base
}

// NewConsoleProxy wraps a dispatcher bound to the console's command
// transport.
func NewConsoleProxy(d *dispatch.Dispatcher, timeout time.Duration, log *motionlog.Logger) *ConsoleProxy {
	return &ConsoleProxy{Base: NewBase(d, timeout, log)}
}
