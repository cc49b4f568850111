package frame

import (
	"time"

	"github.com/glueforge/commlink/pkg/checksum"
)

// integrity abstracts the single-kind and multi-level verification schemes
type integrity interface {
	size() int
	verify(data, sum []byte) bool
	correctable() bool
}

type kindIntegrity struct{ kind checksum.Kind }

func (k kindIntegrity) size() int { return k.kind.Size() }

func (k kindIntegrity) verify(data, sum []byte) bool {
	return checksum.Verify(data, sum, k.kind)
}

func (k kindIntegrity) correctable() bool {
	switch k.kind {
	case checksum.KindCRC16IBM, checksum.KindCRC16CCITT, checksum.KindCRC16Modbus,
		checksum.KindCRC32, checksum.KindCRC32C:
		return true
	}
	return false
}

type multiIntegrity struct{ ml checksum.MultiLevel }

func (m multiIntegrity) size() int                    { return m.ml.Size() }
func (m multiIntegrity) verify(data, sum []byte) bool { return m.ml.Verify(data, sum) }
func (m multiIntegrity) correctable() bool            { return false }

// maxCorrectablePayload bounds the brute-force bit-flip search
const maxCorrectablePayload = 64

// Decoder is a streaming frame decoder. Feed it raw bytes from the link and
// call Next until it reports ErrNeedMore:
//
//	dec.Feed(chunk)
//	for {
//		f, err := dec.Next()
//		if errors.Is(err, ErrNeedMore) {
//			break
//		}
//		if err != nil {
//			// ErrResync or ErrChecksum: count it and keep going
//			continue
//		}
//		deliver(f)
//	}
type Decoder struct {
	scheme  integrity
	correct bool
	buf     []byte
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

// WithCorrection enables single-bit error correction for CRC-16 and CRC-32
// frames with payloads up to 64 bytes
func WithCorrection() DecoderOption {
	return func(d *Decoder) { d.correct = true }
}

// NewDecoder creates a streaming decoder for the given integrity code
func NewDecoder(kind checksum.Kind, opts ...DecoderOption) *Decoder {
	d := &Decoder{scheme: kindIntegrity{kind: kind}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewMultiLevelDecoder creates a streaming decoder requiring layered codes
func NewMultiLevelDecoder(ml checksum.MultiLevel, opts ...DecoderOption) *Decoder {
	d := &Decoder{scheme: multiIntegrity{ml: ml}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends raw bytes to the decoder's buffer
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes awaiting decode
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next attempts to decode one frame from the buffered bytes.
//
//   - (nil, ErrNeedMore): not enough bytes buffered; feed more.
//   - (nil, ErrResync): one garbage byte was discarded; call again.
//   - (nil, ErrChecksum): a framed region failed integrity (or had a bad
//     tail) and was discarded; call again.
//   - (f, nil): a verified frame; the buffer advanced past it.
func (d *Decoder) Next() (*Frame, error) {
	sumLen := d.scheme.size()

	if len(d.buf) < headerSize+sumLen+1 {
		return nil, ErrNeedMore
	}

	if d.buf[0] != Magic1 || d.buf[1] != Magic2 {
		d.buf = d.buf[1:]
		return nil, ErrResync
	}

	payloadLen := int(d.buf[3])
	total := headerSize + payloadLen + sumLen + 1
	if len(d.buf) < total {
		return nil, ErrNeedMore
	}

	region := d.buf[2 : headerSize+payloadLen] // command + length + payload
	sum := d.buf[headerSize+payloadLen : total-1]
	tail := d.buf[total-1]

	if tail != Tail || !d.scheme.verify(region, sum) {
		var corrected *Frame
		if tail == Tail {
			corrected = d.tryCorrect(payloadLen, sumLen, total)
		}
		d.buf = d.buf[total:]
		if corrected != nil {
			return corrected, nil
		}
		return nil, ErrChecksum
	}

	f := d.extract(payloadLen, sum)
	d.buf = d.buf[total:]
	return f, nil
}

// extract builds a Frame from the verified framed region
func (d *Decoder) extract(payloadLen int, sum []byte) *Frame {
	payload := make([]byte, payloadLen)
	copy(payload, d.buf[headerSize:headerSize+payloadLen])
	sumCopy := make([]byte, len(sum))
	copy(sumCopy, sum)

	return &Frame{
		Command:   Command(d.buf[2]),
		Payload:   payload,
		Checksum:  sumCopy,
		Timestamp: time.Now(),
	}
}

// tryCorrect flips each bit of the framed region (including the checksum
// bytes) in turn and re-verifies. The frame is returned only when exactly
// one flip restores integrity.
func (d *Decoder) tryCorrect(payloadLen, sumLen, total int) *Frame {
	if !d.correct || !d.scheme.correctable() || payloadLen > maxCorrectablePayload {
		return nil
	}

	candidate := make([]byte, total)
	copy(candidate, d.buf[:total])

	var hit []byte
	hits := 0
	for i := 2; i < total-1; i++ {
		for bit := 0; bit < 8; bit++ {
			candidate[i] ^= 1 << bit
			region := candidate[2 : headerSize+payloadLen]
			sum := candidate[headerSize+payloadLen : total-1]
			if d.scheme.verify(region, sum) {
				hits++
				if hits == 1 {
					hit = make([]byte, total)
					copy(hit, candidate)
				}
			}
			candidate[i] ^= 1 << bit
			if hits > 1 {
				return nil
			}
		}
	}
	if hits != 1 {
		return nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, hit[headerSize:headerSize+payloadLen])
	sum := make([]byte, sumLen)
	copy(sum, hit[headerSize+payloadLen:total-1])

	return &Frame{
		Command:   Command(hit[2]),
		Payload:   payload,
		Checksum:  sum,
		Timestamp: time.Now(),
		Corrected: true,
	}
}
