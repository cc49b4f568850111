// Package frame implements the device wire protocol: a framed byte format
// with a two-byte magic, one-byte command and length, up to 255 payload
// bytes, a selectable integrity code and a fixed tail byte. The streaming
// decoder resynchronizes on garbage and can optionally correct single-bit
// errors in CRC-protected frames.
package frame

import (
	"errors"
	"fmt"
	"time"

	"github.com/glueforge/commlink/pkg/checksum"
)

// Wire format constants
const (
	Magic1 uint8 = 0xAA // First magic byte
	Magic2 uint8 = 0x55 // Second magic byte
	Tail   uint8 = 0x0D // Fixed tail byte

	MaxPayload   = 255 // Maximum payload bytes per frame
	MinFrameSize = 6   // Smallest possible frame (empty payload, 1-byte sum)

	headerSize = 4 // magic(2) + command(1) + length(1)
)

// DefaultKind is the integrity code used for device links unless configured
const DefaultKind = checksum.KindCRC16Modbus

// Errors
var (
	ErrPayloadTooLong = errors.New("frame payload exceeds 255 bytes")
	ErrNeedMore       = errors.New("need more bytes")
	ErrResync         = errors.New("stream resynchronized")
	ErrChecksum       = errors.New("frame checksum mismatch")
)

// Frame is a structurally complete, integrity-verified unit of application
// data. Seq is the engine's correlation counter; the base wire format does
// not carry it (the Modbus TCP carrier embeds it in the MBAP header).
// CANID and Extended are populated only on CAN links.
type Frame struct {
	Command   Command
	Seq       uint16
	Payload   []byte
	Checksum  []byte
	Timestamp time.Time
	Corrected bool // set when single-bit correction restored the frame

	CANID    uint32
	Extended bool
}

// New creates a frame for the given command and payload
func New(cmd Command, payload []byte) *Frame {
	return &Frame{Command: cmd, Payload: payload, Timestamp: time.Now()}
}

// Clone creates a deep copy of the frame
func (f *Frame) Clone() *Frame {
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	sum := make([]byte, len(f.Checksum))
	copy(sum, f.Checksum)

	clone := *f
	clone.Payload = payload
	clone.Checksum = sum
	return &clone
}

// String returns a string representation of the frame
func (f *Frame) String() string {
	if f.CANID != 0 || f.Extended {
		return fmt.Sprintf("Frame{CANID=0x%X, DataLen=%d}", f.CANID, len(f.Payload))
	}
	s := fmt.Sprintf("Frame{Cmd=0x%02X, Seq=%d, DataLen=%d", uint8(f.Command), f.Seq, len(f.Payload))
	if f.Corrected {
		s += ", Corrected"
	}
	return s + "}"
}

// Encode produces a fully-formed wire frame for the command and payload
// using the given integrity code
func Encode(cmd Command, payload []byte, kind checksum.Kind) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLong
	}

	out := make([]byte, 0, headerSize+len(payload)+kind.Size()+1)
	out = append(out, Magic1, Magic2, uint8(cmd), uint8(len(payload)))
	out = append(out, payload...)

	// Integrity code covers command, length and payload
	sum, err := checksum.Calculate(out[2:], kind)
	if err != nil {
		return nil, err
	}
	out = append(out, sum...)
	out = append(out, Tail)
	return out, nil
}

// EncodeMultiLevel produces a wire frame protected by layered integrity
// codes, used for critical frames
func EncodeMultiLevel(cmd Command, payload []byte, ml checksum.MultiLevel) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLong
	}

	out := make([]byte, 0, headerSize+len(payload)+ml.Size()+1)
	out = append(out, Magic1, Magic2, uint8(cmd), uint8(len(payload)))
	out = append(out, payload...)

	sums, err := ml.Calculate(out[2:])
	if err != nil {
		return nil, err
	}
	out = append(out, sums...)
	out = append(out, Tail)
	return out, nil
}
