package device

import (
	"encoding/binary"
	"fmt"

	"motionhost/internal/protocol"
)

// I2CPacket mirrors omotion/i2c_packet.py's I2C_Packet: a little-endian
// packed, CRC-16/CCITT-FALSE protected struct distinct from the outer
// command frame, carried as the frame's data payload behind a
// TypeI2CPassthru frame.
//
// Wire layout: id(2 LE) device_address(1) register_address(2 LE)
// data(1) crc(2 LE), CRC computed over everything before it.
type I2CPacket struct {
	ID              uint16
	DeviceAddress   byte
	RegisterAddress uint16
	Data            byte
}

const i2cPacketWireLen = 8 // 2+1+2+1+2

// Encode serializes the packet including its trailing CRC.
func (p I2CPacket) Encode() []byte {
	buf := make([]byte, i2cPacketWireLen)
	binary.LittleEndian.PutUint16(buf[0:2], p.ID)
	buf[2] = p.DeviceAddress
	binary.LittleEndian.PutUint16(buf[3:5], p.RegisterAddress)
	buf[5] = p.Data
	crc := protocol.CRC16(buf[0:6])
	binary.LittleEndian.PutUint16(buf[6:8], crc)
	return buf
}

// DecodeI2CPacket parses and CRC-validates a buffer produced by Encode.
func DecodeI2CPacket(buf []byte) (I2CPacket, error) {
	if len(buf) != i2cPacketWireLen {
		return I2CPacket{}, fmt.Errorf("device: i2c packet is %d bytes, want %d", len(buf), i2cPacketWireLen)
	}
	gotCRC := binary.LittleEndian.Uint16(buf[6:8])
	wantCRC := protocol.CRC16(buf[0:6])
	if gotCRC != wantCRC {
		return I2CPacket{}, fmt.Errorf("device: i2c packet crc mismatch: got 0x%04X, want 0x%04X", gotCRC, wantCRC)
	}
	return I2CPacket{
		ID:              binary.LittleEndian.Uint16(buf[0:2]),
		DeviceAddress:   buf[2],
		RegisterAddress: binary.LittleEndian.Uint16(buf[3:5]),
		Data:            buf[5],
	}, nil
}
