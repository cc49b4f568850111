// Package modbus provides Modbus RTU and TCP support: wire codecs that
// plug into the transaction engine, and a typed client for the standard
// register and coil operations.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Function codes
const (
	FuncReadCoils              = 0x01
	FuncReadDiscreteInputs     = 0x02
	FuncReadHoldingRegisters   = 0x03
	FuncReadInputRegisters     = 0x04
	FuncWriteSingleCoil        = 0x05
	FuncWriteSingleRegister    = 0x06
	FuncWriteMultipleCoils     = 0x0F
	FuncWriteMultipleRegisters = 0x10
)

// exceptionFlag marks a response PDU as an exception
const exceptionFlag = 0x80

// Quantity limits from the Modbus application protocol
const (
	maxReadBits      = 2000
	maxReadRegisters = 125
	maxWriteBits     = 1968
	maxWriteRegs     = 123
)

// Errors
var (
	ErrInvalidQuantity = errors.New("modbus: quantity out of range")
	ErrShortResponse   = errors.New("modbus: response too short")
	ErrResponseLength  = errors.New("modbus: unexpected response length")
)

// Exception is a Modbus exception response
type Exception uint8

// Exception codes
const (
	ExcIllegalFunction    Exception = 0x01
	ExcIllegalDataAddress Exception = 0x02
	ExcIllegalDataValue   Exception = 0x03
	ExcServerFailure      Exception = 0x04
	ExcAcknowledge        Exception = 0x05
	ExcServerBusy         Exception = 0x06
	ExcGatewayPath        Exception = 0x0A
	ExcGatewayTarget      Exception = 0x0B
)

// Error implements the error interface
func (e Exception) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X: %s", uint8(e), e.name())
}

func (e Exception) name() string {
	switch e {
	case ExcIllegalFunction:
		return "illegal function"
	case ExcIllegalDataAddress:
		return "illegal data address"
	case ExcIllegalDataValue:
		return "illegal data value"
	case ExcServerFailure:
		return "server device failure"
	case ExcAcknowledge:
		return "acknowledge"
	case ExcServerBusy:
		return "server device busy"
	case ExcGatewayPath:
		return "gateway path unavailable"
	case ExcGatewayTarget:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}

// buildReadRequest builds the PDU data for the four read functions
func buildReadRequest(addr, quantity uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return data
}

// buildWriteSingle builds the PDU data for write single coil/register
func buildWriteSingle(addr, value uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)
	return data
}

// buildWriteMultipleCoils packs bools LSB-first into the write request
func buildWriteMultipleCoils(addr uint16, values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	data := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = uint8(byteCount)
	for i, v := range values {
		if v {
			data[5+i/8] |= 1 << uint(i%8)
		}
	}
	return data
}

func buildWriteMultipleRegisters(addr uint16, values []uint16) []byte {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = uint8(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return data
}

// parseBits unpacks a read coils/discrete inputs response into quantity
// bools
func parseBits(data []byte, quantity uint16) ([]bool, error) {
	if len(data) < 1 {
		return nil, ErrShortResponse
	}
	byteCount := int(data[0])
	if len(data) != 1+byteCount || byteCount < (int(quantity)+7)/8 {
		return nil, ErrResponseLength
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[1+i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}

// parseRegisters unpacks a read registers response
func parseRegisters(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) < 1 {
		return nil, ErrShortResponse
	}
	byteCount := int(data[0])
	if len(data) != 1+byteCount || byteCount != 2*int(quantity) {
		return nil, ErrResponseLength
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[1+2*i:])
	}
	return out, nil
}
