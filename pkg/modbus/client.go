package modbus

import (
	"context"
	"fmt"

	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
)

// Client exposes the standard Modbus operations over a link's transaction
// engine. The engine's half-duplex queueing serializes concurrent calls,
// so a Client is safe for concurrent use.
type Client struct {
	eng *engine.Engine
}

// NewClient wraps a transaction engine configured with a Modbus codec
func NewClient(eng *engine.Engine) *Client {
	return &Client{eng: eng}
}

// call runs one request/response cycle and unwraps exceptions
func (c *Client) call(ctx context.Context, fc uint8, data []byte) ([]byte, error) {
	h, err := c.eng.Submit(frame.New(frame.Command(fc), data))
	if err != nil {
		return nil, err
	}

	var out engine.Outcome
	select {
	case out = <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}

	if out.Kind != engine.OutcomeSuccess {
		return nil, fmt.Errorf("modbus request fc=0x%02X: %w", fc, out.Err)
	}

	resp := out.Frame
	if uint8(resp.Command)&exceptionFlag != 0 {
		if len(resp.Payload) < 1 {
			return nil, ErrShortResponse
		}
		return nil, Exception(resp.Payload[0])
	}
	if uint8(resp.Command) != fc {
		return nil, fmt.Errorf("modbus: response fc=0x%02X for request fc=0x%02X", uint8(resp.Command), fc)
	}
	return resp.Payload, nil
}

// ReadCoils reads quantity coil states starting at addr
func (c *Client) ReadCoils(ctx context.Context, addr, quantity uint16) ([]bool, error) {
	if quantity < 1 || quantity > maxReadBits {
		return nil, ErrInvalidQuantity
	}
	data, err := c.call(ctx, FuncReadCoils, buildReadRequest(addr, quantity))
	if err != nil {
		return nil, err
	}
	return parseBits(data, quantity)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at addr
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, quantity uint16) ([]bool, error) {
	if quantity < 1 || quantity > maxReadBits {
		return nil, ErrInvalidQuantity
	}
	data, err := c.call(ctx, FuncReadDiscreteInputs, buildReadRequest(addr, quantity))
	if err != nil {
		return nil, err
	}
	return parseBits(data, quantity)
}

// ReadHoldingRegisters reads quantity holding registers starting at addr
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > maxReadRegisters {
		return nil, ErrInvalidQuantity
	}
	data, err := c.call(ctx, FuncReadHoldingRegisters, buildReadRequest(addr, quantity))
	if err != nil {
		return nil, err
	}
	return parseRegisters(data, quantity)
}

// ReadInputRegisters reads quantity input registers starting at addr
func (c *Client) ReadInputRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > maxReadRegisters {
		return nil, ErrInvalidQuantity
	}
	data, err := c.call(ctx, FuncReadInputRegisters, buildReadRequest(addr, quantity))
	if err != nil {
		return nil, err
	}
	return parseRegisters(data, quantity)
}

// WriteSingleCoil sets one coil
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	_, err := c.call(ctx, FuncWriteSingleCoil, buildWriteSingle(addr, value))
	return err
}

// WriteSingleRegister writes one holding register
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	_, err := c.call(ctx, FuncWriteSingleRegister, buildWriteSingle(addr, value))
	return err
}

// WriteMultipleCoils writes a run of coils starting at addr
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	if len(values) < 1 || len(values) > maxWriteBits {
		return ErrInvalidQuantity
	}
	_, err := c.call(ctx, FuncWriteMultipleCoils, buildWriteMultipleCoils(addr, values))
	return err
}

// WriteMultipleRegisters writes a run of holding registers starting at addr
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if len(values) < 1 || len(values) > maxWriteRegs {
		return ErrInvalidQuantity
	}
	_, err := c.call(ctx, FuncWriteMultipleRegisters, buildWriteMultipleRegisters(addr, values))
	return err
}
