package modbus

import (
	"fmt"

	"github.com/glueforge/commlink/pkg/checksum"
	"github.com/glueforge/commlink/pkg/frame"
)

// rtuOverhead is slave id + function code + CRC
const rtuOverhead = 4

// RTUCodec frames Modbus RTU ADUs: slave id, function code, data and a
// little-endian CRC-16. Frames map function codes onto frame.Command and
// PDU data onto the payload.
type RTUCodec struct {
	slaveID uint8
	buf     []byte
}

// NewRTUCodec creates an RTU codec bound to one slave id
func NewRTUCodec(slaveID uint8) *RTUCodec {
	return &RTUCodec{slaveID: slaveID}
}

// Encode builds the ADU for one request frame
func (c *RTUCodec) Encode(f *frame.Frame) ([]byte, error) {
	adu := make([]byte, 0, 2+len(f.Payload)+2)
	adu = append(adu, c.slaveID, uint8(f.Command))
	adu = append(adu, f.Payload...)
	crc := checksum.CRC16Modbus(adu)
	adu = append(adu, uint8(crc), uint8(crc>>8))
	return adu, nil
}

// Feed appends received bytes to the decode buffer
func (c *RTUCodec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// Next extracts the next complete ADU. RTU has no sync marker, so a frame
// that fails validation costs one dropped byte and a rescan.
func (c *RTUCodec) Next() (*frame.Frame, error) {
	if len(c.buf) < 2 {
		return nil, frame.ErrNeedMore
	}
	if c.buf[0] != c.slaveID {
		c.buf = c.buf[1:]
		return nil, frame.ErrResync
	}

	fc := c.buf[1]
	total, err := c.responseLength(fc)
	if err != nil {
		c.buf = c.buf[1:]
		return nil, frame.ErrResync
	}
	if total < 0 {
		return nil, frame.ErrNeedMore // length byte not arrived yet
	}
	if len(c.buf) < total {
		return nil, frame.ErrNeedMore
	}

	adu := c.buf[:total]
	wire := uint16(adu[total-2]) | uint16(adu[total-1])<<8
	if checksum.CRC16Modbus(adu[:total-2]) != wire {
		c.buf = c.buf[1:]
		return nil, frame.ErrChecksum
	}

	f := &frame.Frame{
		Command: frame.Command(fc),
		Payload: append([]byte(nil), adu[2:total-2]...),
	}
	c.buf = c.buf[total:]
	return f, nil
}

// responseLength returns the full ADU length for a response with function
// code fc, -1 when more bytes are needed to tell, or an error for an
// unknown code
func (c *RTUCodec) responseLength(fc uint8) (int, error) {
	if fc&exceptionFlag != 0 {
		return 5, nil // slave, fc, exception code, crc
	}
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(c.buf) < 3 {
			return -1, nil
		}
		return 3 + int(c.buf[2]) + 2, nil
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown function code 0x%02X", fc)
	}
}

// Reset discards buffered bytes
func (c *RTUCodec) Reset() {
	c.buf = nil
}
