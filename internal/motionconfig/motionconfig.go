// Package motionconfig encodes and decodes the configuration blob
// stored in device flash (spec.md §4.K, grounded on MotionConfig.py).
// The wire format is a fixed 16-byte header followed by a compact
// JSON document: magic, version, sequence number, CRC, and JSON
// length, all little-endian.
package motionconfig

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"motionhost/internal/motionlog"
	"motionhost/internal/protocol"
)

// Magic and Version identify the wire format, matching the device
// firmware's own constants ('MOTI', v1.0.0).
const (
	Magic   uint32 = 0x4D4F5449
	Version uint32 = 0x00010000

	HeaderLen = 16
)

// Header is the fixed-size prefix of a motion config blob.
type Header struct {
	Magic   uint32
	Version uint32
	Seq     uint32
	CRC     uint16
	JSONLen uint16
}

// IsValid reports whether Magic and Version match this package's
// constants.
func (h Header) IsValid() bool {
	return h.Magic == Magic && h.Version == Version
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("motionconfig: header too short: %d bytes, need %d", len(data), HeaderLen)
	}
	return Header{
		Magic:   binary.LittleEndian.Uint32(data[0:4]),
		Version: binary.LittleEndian.Uint32(data[4:8]),
		Seq:     binary.LittleEndian.Uint32(data[8:12]),
		CRC:     binary.LittleEndian.Uint16(data[12:14]),
		JSONLen: binary.LittleEndian.Uint16(data[14:16]),
	}, nil
}

func (h Header) encode() []byte {
	out := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(out[0:4], h.Magic)
	binary.LittleEndian.PutUint32(out[4:8], h.Version)
	binary.LittleEndian.PutUint32(out[8:12], h.Seq)
	binary.LittleEndian.PutUint16(out[12:14], h.CRC)
	binary.LittleEndian.PutUint16(out[14:16], h.JSONLen)
	return out
}

// Config is a motion configuration document: a header plus a JSON
// key/value blob.
type Config struct {
	Header Header
	Data   map[string]any
}

// New builds an empty Config with a valid header and sequence 0.
func New() *Config {
	return &Config{
		Header: Header{Magic: Magic, Version: Version},
		Data:   map[string]any{},
	}
}

// Encode serializes the config's Data as compact JSON, computes the
// CRC over those JSON bytes, fills in JSONLen, and returns
// header||json.
func Encode(c *Config) ([]byte, error) {
	jsonBytes, err := json.Marshal(c.Data)
	if err != nil {
		return nil, fmt.Errorf("motionconfig: marshal json: %w", err)
	}

	h := c.Header
	h.Magic = Magic
	h.Version = Version
	h.CRC = protocol.CRC16(jsonBytes)
	h.JSONLen = uint16(len(jsonBytes))

	out := make([]byte, 0, HeaderLen+len(jsonBytes))
	out = append(out, h.encode()...)
	out = append(out, jsonBytes...)
	return out, nil
}

// Decode parses a wire-format blob. A truncated JSON section is
// logged and read as far as it goes rather than failing outright;
// trailing NUL padding is stripped; and a missing or malformed JSON
// body decodes to an empty configuration instead of an error, mirroring
// from_wire_bytes's tolerant parsing.
func Decode(data []byte, log *motionlog.Logger) (*Config, error) {
	if log == nil {
		log = motionlog.Default()
	}

	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if !h.IsValid() {
		return nil, fmt.Errorf("motionconfig: invalid magic (0x%08X) or version (0x%08X)", h.Magic, h.Version)
	}

	end := HeaderLen + int(h.JSONLen)
	var jsonBytes []byte
	if len(data) < end {
		log.Printf("motionconfig: json truncated: expected %d bytes, got %d", h.JSONLen, len(data)-HeaderLen)
		jsonBytes = data[HeaderLen:]
	} else {
		jsonBytes = data[HeaderLen:end]
	}

	jsonStr := strings.TrimRight(string(jsonBytes), "\x00")

	cfg := &Config{Header: h, Data: map[string]any{}}
	if jsonStr == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(jsonStr), &cfg.Data); err != nil {
		log.Printf("motionconfig: failed to parse json: %v, using empty config", err)
		cfg.Data = map[string]any{}
	}
	return cfg, nil
}

// Get returns a configuration value, or def if the key is absent.
func (c *Config) Get(key string, def any) any {
	if v, ok := c.Data[key]; ok {
		return v
	}
	return def
}

// Set assigns a configuration value.
func (c *Config) Set(key string, value any) {
	c.Data[key] = value
}

// Update merges updates into the configuration.
func (c *Config) Update(updates map[string]any) {
	for k, v := range updates {
		c.Data[k] = v
	}
}
