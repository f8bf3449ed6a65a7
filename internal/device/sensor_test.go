package device

import (
	"context"
	"testing"
	"time"

	"motionhost/internal/dispatch"
	"motionhost/internal/motionlog"
	"motionhost/internal/protocol"
)

func newTestSensor(responses ...protocol.Frame) *SensorProxy {
	tr := &scriptedTransport{responses: responses}
	d := dispatch.New(tr, dispatch.ModeSynchronous, time.Second, motionlog.Discard())
	return NewSensorProxy(d, time.Second, motionlog.Discard())
}

func TestGetCameraStatusDecodesEightCameras(t *testing.T) {
	data := make([]byte, 8)
	data[0] = protocol.CameraStatusReady
	data[3] = protocol.CameraStatusReady | protocol.CameraStatusProgrammed | protocol.CameraStatusConfigured
	data[7] = protocol.CameraStatusStreaming

	s := newTestSensor(protocol.Frame{Type: protocol.TypeRESP, Data: data})
	status, err := s.GetCameraStatus(context.Background())
	if err != nil {
		t.Fatalf("GetCameraStatus returned error: %v", err)
	}
	if !status[0].Ready {
		t.Errorf("camera 0 Ready = false, want true")
	}
	if !status[3].Configured || !status[3].Programmed {
		t.Errorf("camera 3 = %+v, want Programmed+Configured", status[3])
	}
	if !status[7].Streaming {
		t.Errorf("camera 7 Streaming = false, want true")
	}
}

func TestCameraSetTestPatternRejectsOutOfRange(t *testing.T) {
	s := newTestSensor()
	if err := s.CameraSetTestPattern(context.Background(), 0x01, 5); err == nil {
		t.Fatal("expected error for test pattern 5")
	}
}

func TestSendBitstreamChunksAndAcksEachBlock(t *testing.T) {
	data := make([]byte, 2500) // two full 1024 chunks + a partial tail
	for i := range data {
		data[i] = byte(i)
	}

	responses := make([]protocol.Frame, 3)
	for i := range responses {
		responses[i] = protocol.Frame{Type: protocol.TypeACK}
	}
	s := newTestSensor(responses...)

	if err := s.SendBitstream(context.Background(), 0xFF, data); err != nil {
		t.Fatalf("SendBitstream returned error: %v", err)
	}
}

func TestSendBitstreamDemoModeSkipsTransport(t *testing.T) {
	s := newTestSensor() // no scripted responses
	s.DemoMode = true
	data := make([]byte, 2048)

	if err := s.SendBitstream(context.Background(), 0xFF, data); err != nil {
		t.Fatalf("demo mode SendBitstream returned error: %v", err)
	}
}

func TestFPGAProgramPageDemoModeReturnsACK(t *testing.T) {
	s := newTestSensor()
	s.DemoMode = true

	resp, err := s.FPGAProgramPage(context.Background(), protocol.FpgaProgCfgWritePages, 0x01, []byte{0, 1})
	if err != nil {
		t.Fatalf("FPGAProgramPage returned error: %v", err)
	}
	if resp.Type != protocol.TypeACK {
		t.Fatalf("resp.Type = %v, want ACK", resp.Type)
	}
}

func TestFPGAProgramAutoSendsFpgaProgSRAM(t *testing.T) {
	s := newTestSensor(protocol.Frame{Type: protocol.TypeACK})
	if err := s.FPGAProgramAuto(context.Background(), 0x01); err != nil {
		t.Fatalf("FPGAProgramAuto returned error: %v", err)
	}
}

func TestFPGAProgramNVCMSendsFpgaProgNVCM(t *testing.T) {
	s := newTestSensor(protocol.Frame{Type: protocol.TypeACK})
	if err := s.FPGAProgramNVCM(context.Background(), 0x01); err != nil {
		t.Fatalf("FPGAProgramNVCM returned error: %v", err)
	}
}

func TestFPGAProgramAutoDemoModeSkipsTransport(t *testing.T) {
	s := newTestSensor()
	s.DemoMode = true
	if err := s.FPGAProgramAuto(context.Background(), 0x01); err != nil {
		t.Fatalf("demo mode FPGAProgramAuto returned error: %v", err)
	}
}

func TestGetHistogramReturnsRawBytes(t *testing.T) {
	want := []byte{1, 2, 3, 4}
	s := newTestSensor(protocol.Frame{Type: protocol.TypeRESP, Data: want})

	got, err := s.GetHistogram(context.Background(), 0x01)
	if err != nil {
		t.Fatalf("GetHistogram returned error: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("GetHistogram data = %v, want %v", got, want)
	}
}

func TestGetHistogramDemoModeSkipsTransport(t *testing.T) {
	s := newTestSensor()
	s.DemoMode = true

	got, err := s.GetHistogram(context.Background(), 0x01)
	if err != nil {
		t.Fatalf("demo mode GetHistogram returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("demo mode GetHistogram data = %v, want nil", got)
	}
}
