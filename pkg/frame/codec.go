package frame

import "github.com/glueforge/commlink/pkg/checksum"

// Codec pairs the encoder and streaming decoder for one link. It satisfies
// the transaction engine's codec contract.
type Codec struct {
	kind checksum.Kind
	dec  *Decoder
}

// NewCodec creates a codec using the given integrity code. Single-bit
// correction is applied on decode when enabled.
func NewCodec(kind checksum.Kind, correction bool) *Codec {
	var opts []DecoderOption
	if correction {
		opts = append(opts, WithCorrection())
	}
	return &Codec{kind: kind, dec: NewDecoder(kind, opts...)}
}

// Encode serializes a frame to wire bytes
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	return Encode(f.Command, f.Payload, c.kind)
}

// Feed appends raw inbound bytes
func (c *Codec) Feed(p []byte) {
	c.dec.Feed(p)
}

// Next decodes the next buffered frame; see Decoder.Next for the contract
func (c *Codec) Next() (*Frame, error) {
	return c.dec.Next()
}

// Reset discards buffered bytes, used when the link reconnects
func (c *Codec) Reset() {
	c.dec.Reset()
}
