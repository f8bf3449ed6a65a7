// Package histogram decodes the aggregated histogram packet format:
// one or more per-camera 1024-bin histograms bundled into a single
// length-prefixed, CRC-protected container (spec.md §3, §4.G).
package histogram

import (
	"encoding/binary"
	"fmt"
	"math"

	"motionhost/internal/protocol"
)

const (
	sof = 0xAA
	eof = 0xDD
	soh = 0xFF
	eoh = 0xEE

	outerType = 0x00

	headerLen  = 6 // sof(1) type(1) length(4)
	footerLen  = 3 // crc(2) eof(1)
	binCount   = 1024
	blockFixed = 1 + 1 + binCount*4 + 4 + 1 // soh + camera_id + bins + temp + eoh
)

// MinPacketSize is the smallest possible valid packet: header + footer
// + exactly one camera block (spec.md §3).
const MinPacketSize = headerLen + footerLen + blockFixed

// Record is one decoded per-camera histogram.
type Record struct {
	CameraID    byte
	FrameID     byte
	Bins        [binCount]uint32
	Temperature float32
	RowSum      uint64
}

// Stats accumulates parser outcomes across a whole stream, per
// spec.md §4.G "the parser reports counters".
type Stats struct {
	OK            int
	CRCFailures   int
	ParseFailures int
	OtherFailures int
	SkippedRanges []OffsetRange
}

// OffsetRange marks a byte span skipped while resynchronizing.
type OffsetRange struct {
	Start, End int
}

// ParseErrorKind enumerates the per-packet failure modes the parser
// recognizes before resyncing (spec.md §4.G).
type ParseErrorKind int

const (
	ErrKindMissingSOH ParseErrorKind = iota
	ErrKindBadHeader
	ErrKindCRCMismatch
	ErrKindTruncatedPayload
)

func (k ParseErrorKind) String() string {
	switch k {
	case ErrKindMissingSOH:
		return "MissingSOH"
	case ErrKindBadHeader:
		return "BadHeader"
	case ErrKindCRCMismatch:
		return "CrcMismatch"
	case ErrKindTruncatedPayload:
		return "TruncatedPayload"
	default:
		return "Unknown"
	}
}

type parseError struct {
	kind ParseErrorKind
	msg  string
}

func (e *parseError) Error() string { return fmt.Sprintf("histogram: %s: %s", e.kind, e.msg) }

// Parse decodes every aggregated packet found in data, resynchronizing
// past corruption instead of aborting the whole stream.
func Parse(data []byte) ([]Record, Stats) {
	var records []Record
	var stats Stats

	offset := 0
	for offset < len(data) {
		recs, consumed, err := parseOnePacket(data[offset:])
		if err == nil {
			records = append(records, recs...)
			stats.OK++
			offset += consumed
			continue
		}

		pe, _ := err.(*parseError)
		kind := ErrKindBadHeader
		if pe != nil {
			kind = pe.kind
		}
		switch kind {
		case ErrKindCRCMismatch:
			stats.CRCFailures++
		case ErrKindTruncatedPayload:
			stats.ParseFailures++
		default:
			stats.OtherFailures++
		}

		resyncStart := offset
		next := findResync(data[offset+1:])
		if next < 0 {
			stats.SkippedRanges = append(stats.SkippedRanges, OffsetRange{Start: resyncStart, End: len(data)})
			return records, stats
		}
		offset = offset + 1 + next
		stats.SkippedRanges = append(stats.SkippedRanges, OffsetRange{Start: resyncStart, End: offset})
	}
	return records, stats
}

// findResync scans forward for the next SOF byte to resume parsing
// from. The nominal corruption case is an EOF immediately followed by
// the next packet's SOF, but arbitrary padding between packets (as in
// the worked resync example) means a strict {0xDD, 0xAA} pair match
// would miss a perfectly good next packet separated by junk bytes, so
// this scans for a bare SOF instead.
func findResync(data []byte) int {
	for i := 0; i < len(data); i++ {
		if data[i] == sof {
			return i
		}
	}
	return -1
}

// parseOnePacket decodes a single aggregated packet starting at
// data[0], returning the records, the number of bytes consumed, or a
// *parseError.
func parseOnePacket(data []byte) ([]Record, int, error) {
	if len(data) < headerLen {
		return nil, 0, &parseError{ErrKindTruncatedPayload, "short header"}
	}
	if data[0] != sof {
		return nil, 0, &parseError{ErrKindBadHeader, "missing SOF"}
	}
	if data[1] != outerType {
		return nil, 0, &parseError{ErrKindBadHeader, "unexpected packet type"}
	}
	length := binary.LittleEndian.Uint32(data[2:6])
	total := int(length)
	if total < headerLen+footerLen || total > len(data) {
		return nil, 0, &parseError{ErrKindTruncatedPayload, "length field out of range"}
	}

	payloadEnd := total - footerLen
	offset := headerLen
	var records []Record

	for offset < payloadEnd {
		if offset >= len(data) || data[offset] != soh {
			return nil, 0, &parseError{ErrKindMissingSOH, "expected SOH"}
		}
		if offset+blockFixed > len(data) {
			return nil, 0, &parseError{ErrKindTruncatedPayload, "block runs past buffer"}
		}

		cameraID := data[offset+1]
		binsStart := offset + 2
		var bins [binCount]uint32
		for i := 0; i < binCount; i++ {
			bins[i] = binary.LittleEndian.Uint32(data[binsStart+i*4 : binsStart+i*4+4])
		}

		tempOffset := binsStart + binCount*4
		temperature := math.Float32frombits(binary.LittleEndian.Uint32(data[tempOffset : tempOffset+4]))

		ehoOffset := tempOffset + 4
		if data[ehoOffset] != eoh {
			return nil, 0, &parseError{ErrKindMissingSOH, "expected EOH"}
		}

		lastWord := bins[binCount-1]
		frameID := byte(lastWord >> 24)
		bins[binCount-1] = lastWord & 0x00FFFFFF

		var rowSum uint64
		for _, b := range bins {
			rowSum += uint64(b)
		}

		records = append(records, Record{
			CameraID:    cameraID,
			FrameID:     frameID,
			Bins:        bins,
			Temperature: temperature,
			RowSum:      rowSum,
		})

		offset = ehoOffset + 1
	}

	if offset != payloadEnd {
		return nil, 0, &parseError{ErrKindTruncatedPayload, "payload did not end exactly at footer"}
	}
	if total < offset+footerLen {
		return nil, 0, &parseError{ErrKindTruncatedPayload, "missing footer"}
	}

	gotCRC := binary.LittleEndian.Uint16(data[offset : offset+2])
	if data[offset+2] != eof {
		return nil, 0, &parseError{ErrKindBadHeader, "missing EOF"}
	}

	wantCRC := crc16LittleEndian(data[1:offset])
	if gotCRC != wantCRC {
		return nil, 0, &parseError{ErrKindCRCMismatch, fmt.Sprintf("got 0x%04X want 0x%04X", gotCRC, wantCRC)}
	}

	return records, total, nil
}

// crc16LittleEndian computes the CRC the way the aggregated packet
// feeds it: the same CCITT-FALSE core, just byte order in the trailer
// differs from the command frame (little-endian here vs big-endian
// there). The input bytes themselves are unaffected by endianness;
// only the encoded trailer's byte order changes, which callers handle
// via binary.LittleEndian at the call sites above.
func crc16LittleEndian(data []byte) uint16 {
	return protocol.CRC16(data)
}
