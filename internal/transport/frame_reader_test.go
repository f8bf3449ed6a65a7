package transport

import (
	"bytes"
	"testing"

	"motionhost/internal/protocol"
)

func TestFrameAccumulatorSingleFeed(t *testing.T) {
	wire := protocol.Encode(1, protocol.TypeCMD, protocol.CmdPing, 0, 0, nil)

	var acc frameAccumulator
	frame, ok := acc.feed(wire)
	if !ok {
		t.Fatalf("expected a complete frame")
	}
	if !bytes.Equal(frame, wire) {
		t.Fatalf("frame = %v, want %v", frame, wire)
	}
}

func TestFrameAccumulatorSplitAcrossReads(t *testing.T) {
	wire := protocol.Encode(2, protocol.TypeCMD, protocol.CmdEcho, 0, 0, []byte("split me"))

	var acc frameAccumulator
	mid := len(wire) / 2

	if _, ok := acc.feed(wire[:mid]); ok {
		t.Fatalf("unexpected complete frame from partial data")
	}
	frame, ok := acc.feed(wire[mid:])
	if !ok {
		t.Fatalf("expected complete frame once remainder arrives")
	}
	if !bytes.Equal(frame, wire) {
		t.Fatalf("frame = %v, want %v", frame, wire)
	}
}

func TestFrameAccumulatorDiscardsGarbagePrefix(t *testing.T) {
	wire := protocol.Encode(3, protocol.TypeCMD, protocol.CmdPing, 0, 0, nil)
	garbage := []byte{0x00, 0x11, 0x22, 0x33}

	var acc frameAccumulator
	frame, ok := acc.feed(append(garbage, wire...))
	if !ok {
		t.Fatalf("expected complete frame after skipping garbage")
	}
	if !bytes.Equal(frame, wire) {
		t.Fatalf("frame = %v, want %v", frame, wire)
	}
}

func TestFrameAccumulatorBackToBackFrames(t *testing.T) {
	first := protocol.Encode(4, protocol.TypeCMD, protocol.CmdPing, 0, 0, nil)
	second := protocol.Encode(5, protocol.TypeCMD, protocol.CmdVersion, 0, 0, nil)

	var acc frameAccumulator
	frame, ok := acc.feed(append(append([]byte{}, first...), second...))
	if !ok {
		t.Fatalf("expected first frame")
	}
	if !bytes.Equal(frame, first) {
		t.Fatalf("first frame = %v, want %v", frame, first)
	}

	frame, ok = acc.extract()
	if !ok {
		t.Fatalf("expected second frame already buffered")
	}
	if !bytes.Equal(frame, second) {
		t.Fatalf("second frame = %v, want %v", frame, second)
	}
}
