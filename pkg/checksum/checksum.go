// Package checksum implements the integrity codes used by the device
// protocol: additive and XOR sums, the CRC family, and hash pass-through
// wrappers for stored blobs. CRC tables are built once at init and are
// read-only afterwards.
package checksum

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"hash/crc32"
)

// Kind selects an integrity code
type Kind int

const (
	KindUnset Kind = iota // zero value, no kind selected
	KindSum8              // 8-bit additive sum
	KindXOR8              // 8-bit XOR
	KindCRC8              // CRC-8, poly 0x07
	KindCRC16IBM          // CRC-16/ARC (IBM/ANSI)
	KindCRC16CCITT        // CRC-16/CCITT-FALSE
	KindCRC16Modbus       // CRC-16/Modbus
	KindCRC32             // CRC-32 (IEEE 802.3)
	KindCRC32C            // CRC-32C (Castagnoli)
	KindMD5               // MD5 digest pass-through
	KindSHA1              // SHA-1 digest pass-through
	KindSHA256            // SHA-256 digest pass-through
)

var ErrUnknownKind = errors.New("unknown checksum kind")

// String returns string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindSum8:
		return "Sum8"
	case KindXOR8:
		return "XOR8"
	case KindCRC8:
		return "CRC8"
	case KindCRC16IBM:
		return "CRC16/IBM"
	case KindCRC16CCITT:
		return "CRC16/CCITT"
	case KindCRC16Modbus:
		return "CRC16/Modbus"
	case KindCRC32:
		return "CRC32"
	case KindCRC32C:
		return "CRC32C"
	case KindMD5:
		return "MD5"
	case KindSHA1:
		return "SHA1"
	case KindSHA256:
		return "SHA256"
	default:
		return "Unknown"
	}
}

// Size returns the checksum length in bytes for the kind
func (k Kind) Size() int {
	switch k {
	case KindSum8, KindXOR8, KindCRC8:
		return 1
	case KindCRC16IBM, KindCRC16CCITT, KindCRC16Modbus:
		return 2
	case KindCRC32, KindCRC32C:
		return 4
	case KindMD5:
		return 16
	case KindSHA1:
		return 20
	case KindSHA256:
		return 32
	default:
		return 0
	}
}

// Valid reports whether k names a supported kind
func (k Kind) Valid() bool {
	return k > KindUnset && k <= KindSHA256
}

var (
	crc8Table        [256]uint8
	crc16ARCTable    [256]uint16
	crc16CCITTTable  [256]uint16
	crc32IEEETable   *crc32.Table
	crc32CastTable   *crc32.Table
)

func init() {
	// CRC-8, poly 0x07, MSB first
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
		crc8Table[i] = crc
	}

	// CRC-16 reflected, poly 0x8005 (reversed 0xA001)
	// Shared by the ARC and Modbus variants; they differ only in init value
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crc16ARCTable[i] = crc
	}

	// CRC-16/CCITT, poly 0x1021, MSB first
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16CCITTTable[i] = crc
	}

	crc32IEEETable = crc32.MakeTable(crc32.IEEE)
	crc32CastTable = crc32.MakeTable(crc32.Castagnoli)
}

// Sum8 calculates the 8-bit additive checksum
func Sum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// XOR8 calculates the 8-bit XOR checksum
func XOR8(data []byte) uint8 {
	var x uint8
	for _, b := range data {
		x ^= b
	}
	return x
}

// CRC8 calculates CRC-8 with polynomial 0x07 and zero init
func CRC8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

func crc16Reflected(data []byte, init uint16) uint16 {
	crc := init
	for _, b := range data {
		crc = crc16ARCTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// CRC16IBM calculates CRC-16/ARC (init 0x0000)
func CRC16IBM(data []byte) uint16 {
	return crc16Reflected(data, 0x0000)
}

// CRC16Modbus calculates CRC-16/Modbus (init 0xFFFF)
func CRC16Modbus(data []byte) uint16 {
	return crc16Reflected(data, 0xFFFF)
}

// CRC16CCITT calculates CRC-16/CCITT-FALSE (init 0xFFFF, MSB first)
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc16CCITTTable[byte(crc>>8)^b] ^ (crc << 8)
	}
	return crc
}

// CRC32IEEE calculates CRC-32 (IEEE 802.3)
func CRC32IEEE(data []byte) uint32 {
	return crc32.Checksum(data, crc32IEEETable)
}

// CRC32C calculates CRC-32C (Castagnoli)
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32CastTable)
}

// Calculate computes the checksum of data for the given kind.
// Multi-byte values are returned big-endian; wire formats that require a
// different byte order reorder at the framing layer.
func Calculate(data []byte, k Kind) ([]byte, error) {
	switch k {
	case KindSum8:
		return []byte{Sum8(data)}, nil
	case KindXOR8:
		return []byte{XOR8(data)}, nil
	case KindCRC8:
		return []byte{CRC8(data)}, nil
	case KindCRC16IBM:
		v := CRC16IBM(data)
		return []byte{byte(v >> 8), byte(v)}, nil
	case KindCRC16CCITT:
		v := CRC16CCITT(data)
		return []byte{byte(v >> 8), byte(v)}, nil
	case KindCRC16Modbus:
		v := CRC16Modbus(data)
		return []byte{byte(v >> 8), byte(v)}, nil
	case KindCRC32:
		v := CRC32IEEE(data)
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, nil
	case KindCRC32C:
		v := CRC32C(data)
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, nil
	case KindMD5:
		sum := md5.Sum(data)
		return sum[:], nil
	case KindSHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	case KindSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, ErrUnknownKind
	}
}

// Verify reports whether sum is the correct checksum of data
func Verify(data, sum []byte, k Kind) bool {
	calculated, err := Calculate(data, k)
	if err != nil {
		return false
	}
	return bytes.Equal(calculated, sum)
}
