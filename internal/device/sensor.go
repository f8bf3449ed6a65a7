package device

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"time"

	"motionhost/internal/dispatch"
	"motionhost/internal/motionlog"
	"motionhost/internal/protocol"
)

// fpgaFlashPageSize is the Lattice MachXO2 flash page size in bytes,
// matching internal/fpga's XO2FlashPageSize (duplicated here only for
// demo-mode stub sizing, since device must not import fpga).
const fpgaFlashPageSize = 16

// ErrInvalidCameraMask is returned when a camera-position bitmask is
// out of the valid 0x00..0xFF byte range, which in Go is unreachable
// through the byte type itself but kept as a named sentinel so callers
// building a mask from a wider integer type get a clear error
// (spec.md §4.E "reject otherwise").
var ErrInvalidCameraMask = fmt.Errorf("device: camera position mask must be 0x00..0xFF")

// ValidateCameraMask checks a camera-position mask built from an int
// (e.g. parsed from a CLI flag) before narrowing it to a byte.
func ValidateCameraMask(m int) (byte, error) {
	if m < 0x00 || m > 0xFF {
		return 0, ErrInvalidCameraMask
	}
	return byte(m), nil
}

// CameraStatus decodes the per-camera status byte returned by
// GetCameraStatus (spec.md §4.E bit assignment).
type CameraStatus struct {
	Ready      bool
	Programmed bool
	Configured bool
	Streaming  bool
}

func decodeCameraStatus(b byte) CameraStatus {
	return CameraStatus{
		Ready:      b&protocol.CameraStatusReady != 0,
		Programmed: b&protocol.CameraStatusProgrammed != 0,
		Configured: b&protocol.CameraStatusConfigured != 0,
		Streaming:  b&protocol.CameraStatusStreaming != 0,
	}
}

// SensorProxy is the typed operation surface for a sensor-side board
// (omotion/Sensor.py): everything ConsoleProxy exposes, plus FPGA and
// camera operations addressed by an 8-bit camera-position bitmask.
type SensorProxy struct {
	Base
}

// NewSensorProxy wraps a dispatcher bound to a sensor board's command
// transport.
func NewSensorProxy(d *dispatch.Dispatcher, timeout time.Duration, log *motionlog.Logger) *SensorProxy {
	return &SensorProxy{Base: NewBase(d, timeout, log)}
}

func (s *SensorProxy) fpgaCall(ctx context.Context, command, cameraMask byte) (protocol.Frame, error) {
	return s.Dispatcher.Call(ctx, protocol.TypeFPGA, command, cameraMask, 0, nil, s.Timeout)
}

func (s *SensorProxy) cameraCall(ctx context.Context, command, cameraMask byte, data []byte) (protocol.Frame, error) {
	return s.Dispatcher.Call(ctx, protocol.TypeCamera, command, cameraMask, 0, data, s.Timeout)
}

// FPGAReset, FPGAActivate, FPGAOn, FPGAOff issue runtime per-camera
// FPGA control ops addressed by cameraMask.
func (s *SensorProxy) FPGAReset(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaReset, cameraMask)
	return err
}

func (s *SensorProxy) FPGAActivate(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaActivate, cameraMask)
	return err
}

func (s *SensorProxy) FPGAOn(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaOn, cameraMask)
	return err
}

func (s *SensorProxy) FPGAOff(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaOff, cameraMask)
	return err
}

// FPGAID returns the 4-byte JEDEC device id reported by the FPGA.
func (s *SensorProxy) FPGAID(ctx context.Context, cameraMask byte) (uint32, error) {
	if s.DemoMode {
		return 0, nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaID, cameraMask)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 4 {
		return 0, nil
	}
	return binary.BigEndian.Uint32(resp.Data), nil
}

func (s *SensorProxy) FPGAEnterSRAMProg(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaEnterSRAMProg, cameraMask)
	return err
}

func (s *SensorProxy) FPGAExitSRAMProg(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaExitSRAMProg, cameraMask)
	return err
}

func (s *SensorProxy) FPGAEraseSRAM(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaEraseSRAM, cameraMask)
	return err
}

// FPGAStatus returns the raw status-register byte (ISC_EN/FAIL/BUSY
// bits, consumed directly by internal/fpga for diagnostics).
func (s *SensorProxy) FPGAStatus(ctx context.Context, cameraMask byte) (byte, error) {
	if s.DemoMode {
		return 0, nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaStatus, cameraMask)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 1 {
		return 0, nil
	}
	return resp.Data[0], nil
}

func (s *SensorProxy) FPGAUsercode(ctx context.Context, cameraMask byte) (uint32, error) {
	if s.DemoMode {
		return 0, nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaUsercode, cameraMask)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 4 {
		return 0, nil
	}
	return binary.BigEndian.Uint32(resp.Data), nil
}

// FPGAProgramPage sends one raw TypeFPGA programming command with a
// data payload to the cameras in cameraMask and returns the response
// frame. In demo mode it returns an ACK frame without sending.
func (s *SensorProxy) FPGAProgramPage(ctx context.Context, command, cameraMask byte, data []byte) (protocol.Frame, error) {
	if s.DemoMode {
		return protocol.Frame{Type: protocol.TypeACK}, nil
	}
	return s.fpgaCallWithData(ctx, command, cameraMask, data)
}

func (s *SensorProxy) fpgaCallWithData(ctx context.Context, command, cameraMask byte, data []byte) (protocol.Frame, error) {
	return s.Dispatcher.Call(ctx, protocol.TypeFPGA, command, cameraMask, 0, data, s.Timeout)
}

// FPGAProgOpen, FPGAProgClose, FPGAProgErase, FPGAProgReadStatus and the
// CFG/UFM/feature-row step methods below drive the page-by-page FPGA
// programming sequence one command at a time; internal/fpga sequences
// them into the full ten-step flow.
func (s *SensorProxy) FPGAProgOpen(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgOpen, cameraMask)
	return err
}

func (s *SensorProxy) FPGAProgClose(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgClose, cameraMask)
	return err
}

// FPGAProgErase issues the erase command with the given erase-mode
// bitmap (spec.md §4.H "erase accepts a mode selecting which sectors").
func (s *SensorProxy) FPGAProgErase(ctx context.Context, cameraMask, mode byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCallWithData(ctx, protocol.FpgaProgErase, cameraMask, []byte{mode})
	return err
}

// FPGAProgReadStatus returns the raw 32-bit status register, from which
// ISC_EN (bit 14), FAIL (bit 13) and BUSY (bit 12) are extracted by
// internal/fpga.
func (s *SensorProxy) FPGAProgReadStatus(ctx context.Context, cameraMask byte) (uint32, error) {
	if s.DemoMode {
		return 0, nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaProgReadStatus, cameraMask)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 4 {
		return 0, nil
	}
	return binary.BigEndian.Uint32(resp.Data), nil
}

func (s *SensorProxy) FPGAProgCfgReset(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgCfgReset, cameraMask)
	return err
}

// FPGAProgCfgWritePages writes a batch of 16-byte CFG pages in one
// command (spec.md §4.H "batched page writes").
func (s *SensorProxy) FPGAProgCfgWritePages(ctx context.Context, cameraMask byte, pages []byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCallWithData(ctx, protocol.FpgaProgCfgWritePages, cameraMask, pages)
	return err
}

// FPGAProgCfgReadPage reads back one 16-byte CFG page at the current
// address and advances it, mirroring the device's auto-increment
// behavior during verify.
func (s *SensorProxy) FPGAProgCfgReadPage(ctx context.Context, cameraMask byte) ([]byte, error) {
	if s.DemoMode {
		return make([]byte, fpgaFlashPageSize), nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaProgCfgReadPage, cameraMask)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (s *SensorProxy) FPGAProgUFMReset(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgUFMReset, cameraMask)
	return err
}

func (s *SensorProxy) FPGAProgUFMWritePages(ctx context.Context, cameraMask byte, pages []byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCallWithData(ctx, protocol.FpgaProgUFMWritePages, cameraMask, pages)
	return err
}

func (s *SensorProxy) FPGAProgUFMReadPage(ctx context.Context, cameraMask byte) ([]byte, error) {
	if s.DemoMode {
		return make([]byte, fpgaFlashPageSize), nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaProgUFMReadPage, cameraMask)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FPGAProgFeatrowWrite writes the 8-byte feature row plus 2-byte
// FEABITS in one payload (spec.md §4.H).
func (s *SensorProxy) FPGAProgFeatrowWrite(ctx context.Context, cameraMask byte, featureRow, feabits []byte) error {
	if s.DemoMode {
		return nil
	}
	payload := append(append([]byte{}, featureRow...), feabits...)
	_, err := s.fpgaCallWithData(ctx, protocol.FpgaProgFeatrowWrite, cameraMask, payload)
	return err
}

// FPGAProgFeatrowRead returns (featureRow, feabits) read back from the
// device, 8 and 2 bytes respectively.
func (s *SensorProxy) FPGAProgFeatrowRead(ctx context.Context, cameraMask byte) ([]byte, []byte, error) {
	if s.DemoMode {
		return make([]byte, 8), make([]byte, 2), nil
	}
	resp, err := s.fpgaCall(ctx, protocol.FpgaProgFeatrowRead, cameraMask)
	if err != nil {
		return nil, nil, err
	}
	if len(resp.Data) < 10 {
		return nil, nil, fmt.Errorf("device: feature row read-back too short: %d bytes", len(resp.Data))
	}
	return resp.Data[:8], resp.Data[8:10], nil
}

func (s *SensorProxy) FPGAProgSetDone(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgSetDone, cameraMask)
	return err
}

func (s *SensorProxy) FPGAProgRefresh(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgRefresh, cameraMask)
	return err
}

// fpgaProgNVCMTimeout overrides the default call timeout for
// FPGAProgramNVCM: NVCM programming runs on the order of minutes
// (GLOSSARY), far longer than the page-by-page sequence's per-call
// timeout.
const fpgaProgNVCMTimeout = 300 * time.Second

// FPGAProgramAuto drives the device's own auto-program sequence
// (OW_FPGA_PROG_SRAM), the firmware-side counterpart to stepping
// through internal/fpga.Programmer by hand (omotion/Sensor.py
// program_fpga with manual_process=False, spec.md §4.E
// "FPGA-program (auto or manual)").
func (s *SensorProxy) FPGAProgramAuto(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.fpgaCall(ctx, protocol.FpgaProgSRAM, cameraMask)
	return err
}

// FPGAProgramNVCM drives the device's non-volatile configuration
// memory program sequence (OW_FPGA_PROG_NVCM), used in place of the
// SRAM program path when the bitstream should survive a power cycle
// (omotion/Sensor.py program_fpga_nvcm, spec.md §4.E "NVCM-program").
// NVCM programming is slow, so this uses an extended timeout rather
// than the board's default.
func (s *SensorProxy) FPGAProgramNVCM(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.Dispatcher.Call(ctx, protocol.TypeFPGA, protocol.FpgaProgNVCM, cameraMask, 0, nil, fpgaProgNVCMTimeout)
	return err
}

// CameraScan, CameraOn, CameraOff drive camera power/streaming state.
func (s *SensorProxy) CameraScan(ctx context.Context) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.cameraCall(ctx, protocol.CameraScan, 0xFF, nil)
	return err
}

func (s *SensorProxy) CameraOn(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.cameraCall(ctx, protocol.CameraOn, cameraMask, nil)
	return err
}

func (s *SensorProxy) CameraOff(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.cameraCall(ctx, protocol.CameraOff, cameraMask, nil)
	return err
}

// CameraConfigureRegisters pushes a raw register-programming blob
// (e.g. decoded from a CSV register map) to the cameras in mask.
func (s *SensorProxy) CameraConfigureRegisters(ctx context.Context, cameraMask byte, registers []byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.cameraCall(ctx, protocol.CameraSetConfig, cameraMask, registers)
	return err
}

// CameraSetTestPattern selects one of the five built-in test patterns
// (0..4, spec.md §4.E).
func (s *SensorProxy) CameraSetTestPattern(ctx context.Context, cameraMask byte, pattern byte) error {
	if pattern > 4 {
		return fmt.Errorf("device: invalid test pattern %d, want 0..4", pattern)
	}
	if s.DemoMode {
		return nil
	}
	_, err := s.cameraCall(ctx, protocol.CameraSetTestPattern, cameraMask, []byte{pattern})
	return err
}

// cameraGetHistogramTimeout overrides the default call timeout for
// GetHistogram (omotion/Sensor.py camera_get_histogram uses a 15s
// timeout, longer than the board's ordinary command timeout).
const cameraGetHistogramTimeout = 15 * time.Second

// CaptureHistogram triggers a single histogram capture on the cameras
// in mask; the resulting data is retrieved separately via GetHistogram
// or streamed over the histogram bulk endpoint (spec.md §4.E lists
// capture-histogram and get-histogram as distinct operations).
func (s *SensorProxy) CaptureHistogram(ctx context.Context, cameraMask byte) error {
	if s.DemoMode {
		return nil
	}
	_, err := s.cameraCall(ctx, protocol.CameraSingleHistogram, cameraMask, nil)
	return err
}

// GetHistogram retrieves the raw histogram bytes for mask over the
// command channel (omotion/Sensor.py camera_get_histogram, sends
// OW_CAMERA_GET_HISTOGRAM with a 15s timeout), as opposed to the bulk
// streaming path in internal/stream.
func (s *SensorProxy) GetHistogram(ctx context.Context, cameraMask byte) ([]byte, error) {
	if s.DemoMode {
		return nil, nil
	}
	resp, err := s.Dispatcher.Call(ctx, protocol.TypeCamera, protocol.CameraGetHistogram, cameraMask, 0, nil, cameraGetHistogramTimeout)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (s *SensorProxy) EnableFSINExternal(ctx context.Context, cameraMask byte, enable bool) error {
	if s.DemoMode {
		return nil
	}
	command := protocol.CameraFSINExternalOff
	if enable {
		command = protocol.CameraFSINExternalOn
	}
	_, err := s.cameraCall(ctx, command, cameraMask, nil)
	return err
}

func (s *SensorProxy) EnableCameraPower(ctx context.Context, cameraMask byte, enable bool) error {
	if s.DemoMode {
		return nil
	}
	command := protocol.CameraPowerOff
	if enable {
		command = protocol.CameraPowerOn
	}
	_, err := s.cameraCall(ctx, command, cameraMask, nil)
	return err
}

// GetCameraStatus queries all cameras (mask 0xFF) and returns one
// decoded status per byte of the reply, up to 8, keyed by byte
// position. It takes no camera mask and does not filter the result by
// one.
func (s *SensorProxy) GetCameraStatus(ctx context.Context) (map[int]CameraStatus, error) {
	result := make(map[int]CameraStatus)
	if s.DemoMode {
		return result, nil
	}
	resp, err := s.cameraCall(ctx, protocol.CameraStatus, 0xFF, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(resp.Data) && i < 8; i++ {
		result[i] = decodeCameraStatus(resp.Data[i])
	}
	return result, nil
}

// SendBitstream streams a compiled FPGA bitstream file in 1024-byte
// chunks, each chunk awaiting its own response, the final chunk
// carrying the "last" flag and the big-endian CRC-16 of the whole
// file (spec.md §4.E "Streaming transfer").
func (s *SensorProxy) SendBitstream(ctx context.Context, cameraMask byte, data []byte) error {
	const chunkSize = 1024
	crc := protocol.CRC16(data)

	blockCount := byte(0)
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		last := end >= len(data)
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		reserved := byte(0)
		payload := chunk
		if last {
			reserved = 1
			trailer := make([]byte, 2)
			binary.BigEndian.PutUint16(trailer, crc)
			payload = append(append([]byte{}, chunk...), trailer...)
		}

		if s.DemoMode {
			blockCount++
			continue
		}

		_, err := s.Dispatcher.Call(ctx, protocol.TypeFPGA, protocol.FpgaBitstream, blockCount, reserved, payload, s.Timeout)
		if err != nil {
			return fmt.Errorf("device: send bitstream block %d: %w", blockCount, err)
		}
		blockCount++
	}
	return nil
}

// bitstreamChecksum is a convenience used by tests and tooling to
// confirm a bitstream file's identity independent of the CRC trailer.
func bitstreamChecksum(data []byte) [16]byte {
	return md5.Sum(data)
}
