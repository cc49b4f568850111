package canbus

import (
	"encoding/binary"

	"github.com/glueforge/commlink/pkg/frame"
)

// Kernel can_frame layout: 4 bytes id, 1 byte dlc, 3 bytes padding, 8
// bytes data
const (
	wireFrameSize = 16
	wireDataOff   = 8

	effFlag = 0x80000000
	rtrFlag = 0x40000000
	sffMask = 0x7FF
	effMask = 0x1FFFFFFF
)

// Codec translates frames to and from the 16-byte socketcan wire format.
// Inbound frames failing the app-level filter set are dropped silently.
type Codec struct {
	filters *FilterSet
	buf     []byte
	dropped uint64
}

// NewCodec creates a CAN codec sharing the given filter set; a nil set
// accepts everything
func NewCodec(filters *FilterSet) *Codec {
	if filters == nil {
		filters = NewFilterSet()
	}
	return &Codec{filters: filters}
}

// Filters returns the codec's filter set
func (c *Codec) Filters() *FilterSet {
	return c.filters
}

// Dropped returns the count of frames rejected by the filter set
func (c *Codec) Dropped() uint64 {
	return c.dropped
}

// Encode marshals one frame into the kernel wire format
func (c *Codec) Encode(f *frame.Frame) ([]byte, error) {
	if len(f.Payload) > MaxData {
		return nil, ErrDataTooLong
	}

	id := f.CANID
	if f.Extended {
		if id > effMask {
			return nil, ErrBadID
		}
		id |= effFlag
	} else if id > sffMask {
		return nil, ErrBadID
	}

	wire := make([]byte, wireFrameSize)
	binary.LittleEndian.PutUint32(wire[0:4], id)
	wire[4] = uint8(len(f.Payload))
	copy(wire[wireDataOff:], f.Payload)
	return wire, nil
}

// Feed appends received wire bytes
func (c *Codec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// Next extracts the next accepted frame
func (c *Codec) Next() (*frame.Frame, error) {
	for {
		if len(c.buf) < wireFrameSize {
			return nil, frame.ErrNeedMore
		}

		wire := c.buf[:wireFrameSize]
		c.buf = c.buf[wireFrameSize:]

		rawID := binary.LittleEndian.Uint32(wire[0:4])
		if rawID&rtrFlag != 0 {
			continue // remote frames carry no data
		}

		extended := rawID&effFlag != 0
		id := rawID & sffMask
		if extended {
			id = rawID & effMask
		}
		if !c.filters.Accepts(id) {
			c.dropped++
			continue
		}

		dlc := int(wire[4])
		if dlc > MaxData {
			dlc = MaxData
		}

		f := &frame.Frame{
			CANID:    id,
			Extended: extended,
			Payload:  append([]byte(nil), wire[wireDataOff:wireDataOff+dlc]...),
		}
		return f, nil
	}
}

// Reset discards buffered bytes
func (c *Codec) Reset() {
	c.buf = nil
}
