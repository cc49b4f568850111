package checksum

// MultiLevel computes layered integrity codes for critical frames.
// Verification requires every configured level to match.
type MultiLevel struct {
	Primary   Kind
	Secondary Kind
	Tertiary  Kind
}

// DefaultMultiLevel is the scheme used for critical device frames
var DefaultMultiLevel = MultiLevel{
	Primary:   KindCRC16Modbus,
	Secondary: KindCRC8,
	Tertiary:  KindXOR8,
}

// Size returns the total checksum length in bytes
func (m MultiLevel) Size() int {
	return m.Primary.Size() + m.Secondary.Size() + m.Tertiary.Size()
}

// Calculate computes the concatenated primary+secondary+tertiary codes
func (m MultiLevel) Calculate(data []byte) ([]byte, error) {
	out := make([]byte, 0, m.Size())
	for _, k := range []Kind{m.Primary, m.Secondary, m.Tertiary} {
		sum, err := Calculate(data, k)
		if err != nil {
			return nil, err
		}
		out = append(out, sum...)
	}
	return out, nil
}

// Verify reports whether sums matches all three levels
func (m MultiLevel) Verify(data, sums []byte) bool {
	if len(sums) != m.Size() {
		return false
	}
	pos := 0
	for _, k := range []Kind{m.Primary, m.Secondary, m.Tertiary} {
		n := k.Size()
		if !Verify(data, sums[pos:pos+n], k) {
			return false
		}
		pos += n
	}
	return true
}
