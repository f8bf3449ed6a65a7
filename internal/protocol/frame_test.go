package protocol

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		id       uint16
		typ      PacketType
		command  byte
		addr     byte
		reserved byte
		data     []byte
	}{
		{"ping no data", 1, TypeCMD, CmdPing, 0, 0, nil},
		{"echo with payload", 42, TypeCMD, CmdEcho, 0, 0, []byte("hello motion")},
		{"camera addressed", 7, TypeCamera, CameraStatus, 0x05, 0, nil},
		{"max id", 0xFFFF, TypeRESP, 0, 0, 0, []byte{0x01, 0x02, 0x03}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := Encode(tc.id, tc.typ, tc.command, tc.addr, tc.reserved, tc.data)

			if len(wire) != FrameLen(len(tc.data)) {
				t.Fatalf("wire length = %d, want %d", len(wire), FrameLen(len(tc.data)))
			}
			if wire[0] != StartByte {
				t.Fatalf("first byte = 0x%02X, want start byte 0x%02X", wire[0], StartByte)
			}
			if wire[len(wire)-1] != EndByte {
				t.Fatalf("last byte = 0x%02X, want end byte 0x%02X", wire[len(wire)-1], EndByte)
			}

			got, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode returned error: %v", err)
			}
			if got.ID != tc.id {
				t.Errorf("ID = %d, want %d", got.ID, tc.id)
			}
			if got.Type != tc.typ {
				t.Errorf("Type = %v, want %v", got.Type, tc.typ)
			}
			if got.Command != tc.command {
				t.Errorf("Command = %d, want %d", got.Command, tc.command)
			}
			if got.Addr != tc.addr {
				t.Errorf("Addr = %d, want %d", got.Addr, tc.addr)
			}
			if got.Reserved != tc.reserved {
				t.Errorf("Reserved = %d, want %d", got.Reserved, tc.reserved)
			}
			if len(tc.data) == 0 && len(got.Data) != 0 {
				t.Errorf("Data = %v, want empty", got.Data)
			} else if len(tc.data) > 0 && string(got.Data) != string(tc.data) {
				t.Errorf("Data = %v, want %v", got.Data, tc.data)
			}
		})
	}
}

func TestDecodePingScenario(t *testing.T) {
	wire := Encode(1, TypeCMD, CmdPing, 0, 0, nil)
	f, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if f.ID != 1 || f.Type != TypeCMD || f.Command != CmdPing {
		t.Fatalf("unexpected decoded frame: %+v", f)
	}

	resp := Encode(1, TypeACK, CmdPing, 0, 0, nil)
	g, err := Decode(resp)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if g.ID != f.ID {
		t.Errorf("response ID = %d, want echo of request ID %d", g.ID, f.ID)
	}
	if g.Type.IsErrorType() {
		t.Errorf("ACK response classified as error type")
	}
}

func TestDecodeMissingStart(t *testing.T) {
	wire := Encode(1, TypeCMD, CmdPing, 0, 0, nil)
	wire[0] = 0x00
	_, err := Decode(wire)
	if !errors.Is(err, ErrMissingStart) {
		t.Fatalf("err = %v, want ErrMissingStart", err)
	}
}

func TestDecodeMissingEnd(t *testing.T) {
	wire := Encode(1, TypeCMD, CmdPing, 0, 0, nil)
	wire[len(wire)-1] = 0x00
	_, err := Decode(wire)
	if !errors.Is(err, ErrMissingEnd) {
		t.Fatalf("err = %v, want ErrMissingEnd", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	wire := Encode(1, TypeCMD, CmdEcho, 0, 0, []byte("abc"))
	// Truncate the payload without fixing data_len or recomputing CRC/end.
	truncated := append([]byte{}, wire[:len(wire)-2]...)
	truncated = append(truncated, EndByte)
	_, err := Decode(truncated)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	wire := Encode(5, TypeCMD, CmdEcho, 0, 0, []byte("payload"))
	// Flip a bit inside the data region; CRC trailer now stale.
	wire[9] ^= 0xFF
	_, err := Decode(wire)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("err = %v, want ErrCRCMismatch", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{StartByte, 0x00})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// CCITT-FALSE("123456789") == 0x29B1, the standard check value for
	// this polynomial/init/no-reflect combination.
	got := CRC16([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("CRC16(\"123456789\") = 0x%04X, want 0x29B1", got)
	}
}
