package checksum

import (
	"testing"
)

// Standard check input used by CRC catalogues
var checkInput = []byte("123456789")

// TestCRC_KnownVectors tests each CRC variant against its catalogue check value
func TestCRC_KnownVectors(t *testing.T) {
	tests := []struct {
		name     string
		got      uint32
		expected uint32
	}{
		{"CRC8 poly 0x07", uint32(CRC8(checkInput)), 0xF4},
		{"CRC16/ARC", uint32(CRC16IBM(checkInput)), 0xBB3D},
		{"CRC16/CCITT-FALSE", uint32(CRC16CCITT(checkInput)), 0x29B1},
		{"CRC16/Modbus", uint32(CRC16Modbus(checkInput)), 0x4B37},
		{"CRC32/IEEE", CRC32IEEE(checkInput), 0xCBF43926},
		{"CRC32C", CRC32C(checkInput), 0xE3069283},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got 0x%X, expected 0x%X", tt.got, tt.expected)
			}
		})
	}
}

// TestSimpleSums tests additive and XOR checksums
func TestSimpleSums(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0xF0}

	if got := Sum8(data); got != 0x50 {
		t.Errorf("Sum8() = 0x%02X, expected 0x50", got)
	}
	if got := XOR8(data); got != 0xD0 {
		t.Errorf("XOR8() = 0x%02X, expected 0xD0", got)
	}
	if got := Sum8(nil); got != 0 {
		t.Errorf("Sum8(nil) = 0x%02X, expected 0", got)
	}
}

// TestCalculateVerify_AllKinds verifies the calculate/verify pair for every kind
func TestCalculateVerify_AllKinds(t *testing.T) {
	kinds := []Kind{
		KindSum8, KindXOR8, KindCRC8,
		KindCRC16IBM, KindCRC16CCITT, KindCRC16Modbus,
		KindCRC32, KindCRC32C,
		KindMD5, KindSHA1, KindSHA256,
	}

	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			sum, err := Calculate(checkInput, k)
			if err != nil {
				t.Fatalf("Calculate() error: %v", err)
			}
			if len(sum) != k.Size() {
				t.Fatalf("checksum length = %d, expected %d", len(sum), k.Size())
			}
			if !Verify(checkInput, sum, k) {
				t.Error("Verify() rejected a correct checksum")
			}

			// A corrupted checksum must not verify
			bad := make([]byte, len(sum))
			copy(bad, sum)
			bad[0] ^= 0x01
			if Verify(checkInput, bad, k) {
				t.Error("Verify() accepted a corrupted checksum")
			}
		})
	}
}

func TestCalculate_UnknownKind(t *testing.T) {
	if _, err := Calculate(checkInput, Kind(99)); err != ErrUnknownKind {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestMultiLevel(t *testing.T) {
	m := DefaultMultiLevel
	sums, err := m.Calculate(checkInput)
	if err != nil {
		t.Fatalf("Calculate() error: %v", err)
	}
	if len(sums) != m.Size() {
		t.Fatalf("multi-level length = %d, expected %d", len(sums), m.Size())
	}
	if !m.Verify(checkInput, sums) {
		t.Error("Verify() rejected correct multi-level sums")
	}

	// Corrupting any single level must fail the whole verification
	for i := range sums {
		bad := make([]byte, len(sums))
		copy(bad, sums)
		bad[i] ^= 0x80
		if m.Verify(checkInput, bad) {
			t.Errorf("Verify() accepted corruption at byte %d", i)
		}
	}

	if m.Verify(checkInput, sums[:len(sums)-1]) {
		t.Error("Verify() accepted truncated sums")
	}
}
