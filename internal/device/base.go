// Package device exposes typed operations over a dispatcher: the
// console and sensor proxies that replace MOTIONConsole/Sensor's
// send_packet-per-method style (omotion/Console.py, omotion/Sensor.py)
// with Go methods returning (value, error).
package device

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"motionhost/internal/dispatch"
	"motionhost/internal/motionlog"
	"motionhost/internal/protocol"
)

// Version is the console/sensor firmware version reply
// (omotion/Console.py get_version: 3-byte major.minor.patch).
type Version struct {
	Major, Minor, Patch byte
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Base is the common operation surface shared by ConsoleProxy and
// SensorProxy. Both embed it rather than duplicating the same
// ping/echo/trigger/I2C/TEC plumbing (spec.md §4.E lists the sensor
// surface as "all of the above [console] plus" the per-camera ops).
type Base struct {
	Dispatcher *dispatch.Dispatcher
	Timeout    time.Duration
	DemoMode   bool
	log        *motionlog.Logger
}

// NewBase wraps a dispatcher. timeout is the default per-call timeout
// used by every operation below.
func NewBase(d *dispatch.Dispatcher, timeout time.Duration, log *motionlog.Logger) Base {
	if log == nil {
		log = motionlog.Default()
	}
	return Base{Dispatcher: d, Timeout: timeout, log: log}
}

func (b *Base) call(ctx context.Context, typ protocol.PacketType, command, addr, reserved byte, data []byte) (protocol.Frame, error) {
	return b.Dispatcher.Call(ctx, typ, command, addr, reserved, data, b.Timeout)
}

// Ping matches Console.py's ping: true unless the device answers with
// an error type.
func (b *Base) Ping(ctx context.Context) (bool, error) {
	if b.DemoMode {
		return true, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdPing, 0, 0, nil)
	if err != nil {
		var cmdErr *dispatch.CommandError
		if asCommandError(err, &cmdErr) {
			return false, nil
		}
		return false, err
	}
	return !resp.Type.IsErrorType(), nil
}

// GetVersion matches Console.py's get_version: a 3-byte reply decodes
// to major.minor.patch, anything else defaults to v0.0.0.
func (b *Base) GetVersion(ctx context.Context) (Version, error) {
	if b.DemoMode {
		return Version{0, 1, 1}, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdVersion, 0, 0, nil)
	if err != nil {
		return Version{}, err
	}
	if len(resp.Data) != 3 {
		return Version{}, nil
	}
	return Version{resp.Data[0], resp.Data[1], resp.Data[2]}, nil
}

// Echo sends data and returns whatever the device echoed back.
func (b *Base) Echo(ctx context.Context, data []byte) ([]byte, error) {
	if b.DemoMode {
		return []byte("Hello MOTION!"), nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdEcho, 0, 0, data)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ToggleLED toggles the board's status LED.
func (b *Base) ToggleLED(ctx context.Context) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdToggleLED, 0, 0, nil)
	return err
}

// GetHardwareID returns the 16-byte device unique id.
func (b *Base) GetHardwareID(ctx context.Context) ([16]byte, error) {
	var id [16]byte
	if b.DemoMode {
		copy(id[:], []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88})
		return id, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdHWID, 0, 0, nil)
	if err != nil {
		return id, err
	}
	if len(resp.Data) != 16 {
		return id, fmt.Errorf("device: hardware id reply was %d bytes, want 16", len(resp.Data))
	}
	copy(id[:], resp.Data)
	return id, nil
}

// SoftReset asks the board to restart its firmware.
func (b *Base) SoftReset(ctx context.Context) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdReset, 0, 0, nil)
	return err
}

// EnterDFU asks the board to jump to its bootloader. Callers pair this
// with internal/dfu.Supervisor, which owns the wait-for-re-enumeration
// and flashing steps.
func (b *Base) EnterDFU(ctx context.Context) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdEnterDFU, 0, 0, nil)
	return err
}

// SetFanControl and GetFanControlStatus are the boolean pin-state fan
// operations (omotion/Sensor.py set_fan_control/get_fan_control_status,
// status returned in the response's reserved byte). SetFanSpeed and
// GetFanSpeed are the separate scalar duty-cycle operations; REDESIGN
// FLAGS calls for these as two distinct operation pairs rather than
// one overloaded "set fan" call.
func (b *Base) SetFanControl(ctx context.Context, on bool) error {
	if b.DemoMode {
		return nil
	}
	var reserved byte
	if on {
		reserved = 1
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdSetFanCtl, 0, reserved, nil)
	return err
}

func (b *Base) GetFanControlStatus(ctx context.Context) (bool, error) {
	if b.DemoMode {
		return false, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdGetFanCtl, 0, 0, nil)
	if err != nil {
		return false, err
	}
	return resp.Reserved != 0, nil
}

func (b *Base) SetFanSpeed(ctx context.Context, speed byte) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdSetFanSpeed, 0, speed, nil)
	return err
}

func (b *Base) GetFanSpeed(ctx context.Context) (byte, error) {
	if b.DemoMode {
		return 0, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdGetFanSpeed, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 1 {
		return 0, nil
	}
	return resp.Data[0], nil
}

// StartTrigger and StopTrigger control the synchronized capture
// trigger (spec.md §4.E).
func (b *Base) StartTrigger(ctx context.Context) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdStartTrigger, 0, 0, nil)
	return err
}

func (b *Base) StopTrigger(ctx context.Context) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdStopTrigger, 0, 0, nil)
	return err
}

// SetTriggerConfig and GetTriggerConfig carry a TriggerConfig as JSON,
// the way Console.py's set/get trigger pass a JSON blob over the wire.
func (b *Base) SetTriggerConfig(ctx context.Context, cfg TriggerConfig) error {
	if b.DemoMode {
		return nil
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("device: marshal trigger config: %w", err)
	}
	_, err = b.call(ctx, protocol.TypeCMD, protocol.CmdSetTrigger, 0, 0, payload)
	return err
}

func (b *Base) GetTriggerConfig(ctx context.Context) (TriggerConfig, error) {
	var cfg TriggerConfig
	if b.DemoMode {
		return cfg, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdGetTrigger, 0, 0, nil)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(resp.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("device: unmarshal trigger config: %w", err)
	}
	return cfg, nil
}

// GetMotionConfig and SetMotionConfig exchange the raw wire-codec blob
// (internal/motionconfig handles the header/JSON framing itself).
func (b *Base) GetMotionConfig(ctx context.Context) ([]byte, error) {
	if b.DemoMode {
		return nil, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdGetMotionConfig, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (b *Base) SetMotionConfig(ctx context.Context, blob []byte) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdSetMotionConfig, 0, 0, blob)
	return err
}

// SetTECSetpoint and GetTECSetpoint drive the thermoelectric cooler
// setpoint in millidegrees.
func (b *Base) SetTECSetpoint(ctx context.Context, channel byte, millidegrees int16) error {
	if b.DemoMode {
		return nil
	}
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(millidegrees))
	_, err := b.call(ctx, protocol.TypeCMD, protocol.CmdSetTECSetpoint, channel, 0, data)
	return err
}

func (b *Base) GetTECSetpoint(ctx context.Context, channel byte) (int16, error) {
	if b.DemoMode {
		return 0, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdGetTECSetpoint, channel, 0, nil)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 2 {
		return 0, nil
	}
	return int16(binary.BigEndian.Uint16(resp.Data)), nil
}

// ReadTECADC reads a single TEC ADC channel (0..3) or the aggregate
// reading when channel is protocol.TECChannelAll.
func (b *Base) ReadTECADC(ctx context.Context, channel byte) (uint16, error) {
	if channel > protocol.TECChannelAll {
		return 0, fmt.Errorf("device: invalid tec adc channel %d", channel)
	}
	if b.DemoMode {
		return 0, nil
	}
	resp, err := b.call(ctx, protocol.TypeCMD, protocol.CmdReadTECADC, channel, 0, nil)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 2 {
		return 0, nil
	}
	return binary.BigEndian.Uint16(resp.Data), nil
}

// WriteI2C and ReadI2C pass an I2CPacket through the command channel
// as an I2C_PASSTHRU frame (omotion/i2c_packet.py).
func (b *Base) WriteI2C(ctx context.Context, pkt I2CPacket) error {
	if b.DemoMode {
		return nil
	}
	_, err := b.call(ctx, protocol.TypeI2CPassthru, protocol.CmdWriteI2C, 0, 0, pkt.Encode())
	return err
}

func (b *Base) ReadI2C(ctx context.Context, devAddr byte, regAddr uint16) (I2CPacket, error) {
	if b.DemoMode {
		return I2CPacket{DeviceAddress: devAddr, RegisterAddress: regAddr}, nil
	}
	req := I2CPacket{DeviceAddress: devAddr, RegisterAddress: regAddr}
	resp, err := b.call(ctx, protocol.TypeI2CPassthru, protocol.CmdReadI2C, 0, 0, req.Encode())
	if err != nil {
		return I2CPacket{}, err
	}
	return DecodeI2CPacket(resp.Data)
}

func asCommandError(err error, target **dispatch.CommandError) bool {
	ce, ok := err.(*dispatch.CommandError)
	if ok {
		*target = ce
	}
	return ok
}
