package motionconfig

import (
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := New()
	cfg.Set("exposure_us", float64(1500))
	cfg.Set("gain", float64(2))
	cfg.Header.Seq = 7

	wire, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(wire) < HeaderLen {
		t.Fatalf("wire length %d shorter than header", len(wire))
	}

	decoded, err := Decode(wire, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Header.Seq != 7 {
		t.Fatalf("Seq = %d, want 7", decoded.Header.Seq)
	}
	if decoded.Get("exposure_us", nil) != float64(1500) {
		t.Fatalf("exposure_us = %v, want 1500", decoded.Get("exposure_us", nil))
	}
	if decoded.Header.CRC == 0 {
		t.Fatalf("CRC was not computed")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	cfg := New()
	wire, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	binary.LittleEndian.PutUint32(wire[0:4], 0xDEADBEEF)

	_, err = Decode(wire, nil)
	if err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	cfg := New()
	wire, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	binary.LittleEndian.PutUint32(wire[4:8], 0x00020000)

	_, err = Decode(wire, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestDecodeStripsTrailingNULPadding(t *testing.T) {
	cfg := New()
	cfg.Set("mode", "scan")
	wire, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	padded := append(append([]byte{}, wire...), 0x00, 0x00, 0x00, 0x00)
	// json_len only covers the real JSON bytes, so the padding is
	// outside the declared length and must be ignored, not just stripped.
	decoded, err := Decode(padded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Get("mode", nil) != "scan" {
		t.Fatalf("mode = %v, want scan", decoded.Get("mode", nil))
	}
}

func TestDecodeHandlesTruncatedJSONByReadingWhatsThere(t *testing.T) {
	cfg := New()
	cfg.Set("a", float64(1))
	wire, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := wire[:len(wire)-2]

	decoded, err := Decode(truncated, nil)
	if err != nil {
		t.Fatalf("Decode of truncated json should not error: %v", err)
	}
	// the truncated bytes are no longer valid JSON, so it should fall
	// back to an empty config rather than propagating a parse error.
	if len(decoded.Data) != 0 {
		t.Fatalf("Data = %v, want empty config for truncated/invalid json", decoded.Data)
	}
}

func TestDecodeEmptyJSONBodyYieldsEmptyConfig(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, JSONLen: 0}
	wire := h.encode()

	decoded, err := Decode(wire, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Data) != 0 {
		t.Fatalf("Data = %v, want empty", decoded.Data)
	}
}

func TestSetGetUpdate(t *testing.T) {
	cfg := New()
	cfg.Set("a", float64(1))
	cfg.Update(map[string]any{"b": float64(2), "a": float64(9)})

	if cfg.Get("a", nil) != float64(9) {
		t.Fatalf("a = %v, want 9 (updated)", cfg.Get("a", nil))
	}
	if cfg.Get("b", nil) != float64(2) {
		t.Fatalf("b = %v, want 2", cfg.Get("b", nil))
	}
	if cfg.Get("missing", "fallback") != "fallback" {
		t.Fatalf("missing key did not return default")
	}
}
