package transport

import "motionhost/internal/protocol"

// frameAccumulator buffers raw bytes from a transport's underlying
// reader and extracts complete command frames as they become
// available. It is shared by SerialTransport and UsbTransport so the
// resync/sizing logic is tested once, independent of either hardware
// binding.
type frameAccumulator struct {
	buf []byte
}

const frameHeaderLen = 9 // start + id(2) + type + command + addr + reserved + datalen(2)

// feed appends newly read bytes and returns the next complete frame,
// if one is now available. It discards leading bytes that are not
// protocol.StartByte, so corrupted or partial data ahead of a valid
// frame never wedges the accumulator.
func (a *frameAccumulator) feed(data []byte) ([]byte, bool) {
	a.buf = append(a.buf, data...)
	return a.extract()
}

func (a *frameAccumulator) extract() ([]byte, bool) {
	if idx := indexByte(a.buf, protocol.StartByte); idx > 0 {
		a.buf = a.buf[idx:]
	} else if len(a.buf) > 0 && a.buf[0] != protocol.StartByte {
		a.buf = nil
	}

	if len(a.buf) < frameHeaderLen {
		return nil, false
	}

	dataLen := int(a.buf[7])<<8 | int(a.buf[8])
	want := protocol.FrameLen(dataLen)
	if len(a.buf) < want {
		return nil, false
	}

	frame := a.buf[:want]
	a.buf = a.buf[want:]
	return frame, true
}
