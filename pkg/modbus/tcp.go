package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/glueforge/commlink/pkg/frame"
)

// mbapSize is the MBAP header: transaction id, protocol id, length, unit id
const mbapSize = 7

// maxPDUSize bounds the MBAP length field; larger values mean a corrupt
// stream
const maxPDUSize = 254

// TCPCodec frames Modbus TCP ADUs. The engine sequence number travels on
// the wire as the MBAP transaction id, so responses match by sequence.
type TCPCodec struct {
	unitID uint8
	buf    []byte
}

// NewTCPCodec creates a Modbus TCP codec bound to one unit id
func NewTCPCodec(unitID uint8) *TCPCodec {
	return &TCPCodec{unitID: unitID}
}

// Encode builds the ADU; f.Seq becomes the MBAP transaction id
func (c *TCPCodec) Encode(f *frame.Frame) ([]byte, error) {
	adu := make([]byte, mbapSize, mbapSize+1+len(f.Payload))
	binary.BigEndian.PutUint16(adu[0:2], f.Seq)
	// protocol id stays zero
	binary.BigEndian.PutUint16(adu[4:6], uint16(2+len(f.Payload)))
	adu[6] = c.unitID
	adu = append(adu, uint8(f.Command))
	adu = append(adu, f.Payload...)
	return adu, nil
}

// Feed appends received bytes to the decode buffer
func (c *TCPCodec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// Next extracts the next complete ADU
func (c *TCPCodec) Next() (*frame.Frame, error) {
	if len(c.buf) < mbapSize {
		return nil, frame.ErrNeedMore
	}

	proto := binary.BigEndian.Uint16(c.buf[2:4])
	length := binary.BigEndian.Uint16(c.buf[4:6])
	if proto != 0 || length < 2 || length > maxPDUSize {
		c.buf = c.buf[1:]
		return nil, frame.ErrResync
	}

	total := mbapSize - 1 + int(length)
	if len(c.buf) < total {
		return nil, frame.ErrNeedMore
	}

	txid := binary.BigEndian.Uint16(c.buf[0:2])
	unit := c.buf[6]
	if unit != c.unitID {
		c.buf = c.buf[total:]
		return nil, fmt.Errorf("modbus: response for unit %d, expected %d: %w", unit, c.unitID, frame.ErrResync)
	}

	f := &frame.Frame{
		Command: frame.Command(c.buf[7]),
		Seq:     txid,
		Payload: append([]byte(nil), c.buf[8:total]...),
	}
	c.buf = c.buf[total:]
	return f, nil
}

// Reset discards buffered bytes
func (c *TCPCodec) Reset() {
	c.buf = nil
}
