// Package protocol implements the MOTION wire framing: the CRC-16
// primitive, the command/response frame codec, and the shared packet
// constants used by the transport, dispatcher, and device proxies.
package protocol

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF, no
// reflection, no final XOR) over data. This is the single CRC primitive
// for the whole module; command frames store the result big-endian in
// their trailer and the histogram aggregated packet stores it
// little-endian, but both compute it through here.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
