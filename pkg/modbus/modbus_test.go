package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/checksum"
	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
)

func TestBuildReadRequest(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x05}, buildReadRequest(10, 5))
}

func TestBuildWriteMultipleCoils(t *testing.T) {
	data := buildWriteMultipleCoils(0x13, []bool{true, false, true, true, false, false, true, true, true, false})
	// addr, qty=10, byte count 2, 0xCD 0x01
	assert.Equal(t, []byte{0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}, data)
}

func TestParseRegisters(t *testing.T) {
	data := []byte{0x04, 0x00, 0x0A, 0x01, 0x02}
	regs, err := parseRegisters(data, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x000A, 0x0102}, regs)

	_, err = parseRegisters(data, 3)
	assert.ErrorIs(t, err, ErrResponseLength)
}

func TestParseBits(t *testing.T) {
	bits, err := parseBits([]byte{0x01, 0x05}, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bits)
}

func TestRTUCodecRoundTrip(t *testing.T) {
	c := NewRTUCodec(0x11)

	adu, err := c.Encode(frame.New(frame.Command(FuncReadHoldingRegisters), buildReadRequest(0x6B, 3)))
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), adu[0])
	assert.Equal(t, byte(0x03), adu[1])
	// CRC validates over the whole ADU
	wire := uint16(adu[len(adu)-2]) | uint16(adu[len(adu)-1])<<8
	assert.Equal(t, checksum.CRC16Modbus(adu[:len(adu)-2]), wire)

	// decode a well-formed response
	resp := []byte{0x11, 0x03, 0x06, 0xAE, 0x41, 0x56, 0x52, 0x43, 0x40}
	crc := checksum.CRC16Modbus(resp)
	resp = append(resp, uint8(crc), uint8(crc>>8))

	c.Feed(resp[:4])
	_, err = c.Next()
	assert.ErrorIs(t, err, frame.ErrNeedMore)

	c.Feed(resp[4:])
	f, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, frame.Command(FuncReadHoldingRegisters), f.Command)
	assert.Equal(t, []byte{0x06, 0xAE, 0x41, 0x56, 0x52, 0x43, 0x40}, f.Payload)
}

func TestRTUCodecResync(t *testing.T) {
	c := NewRTUCodec(0x11)

	good := []byte{0x11, 0x06, 0x00, 0x01, 0x00, 0x03}
	crc := checksum.CRC16Modbus(good)
	good = append(good, uint8(crc), uint8(crc>>8))

	c.Feed(append([]byte{0xDE, 0xAD}, good...))

	resyncs := 0
	var f *frame.Frame
	for f == nil {
		var err error
		f, err = c.Next()
		if errors.Is(err, frame.ErrResync) {
			resyncs++
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 2, resyncs)
	assert.Equal(t, frame.Command(FuncWriteSingleRegister), f.Command)
}

func TestTCPCodecRoundTrip(t *testing.T) {
	c := NewTCPCodec(0x01)

	req := frame.New(frame.Command(FuncReadHoldingRegisters), buildReadRequest(0, 2))
	req.Seq = 0x1234
	adu, err := c.Encode(req)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(adu[0:2]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(adu[2:4]))
	assert.Equal(t, byte(0x01), adu[6])

	c.Feed(adu)
	f, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), f.Seq)
	assert.Equal(t, frame.Command(FuncReadHoldingRegisters), f.Command)
}

// rtuSlave answers fc 0x03 reads from registers and fc 0x06 writes with an
// echo; everything else gets an illegal-function exception
type rtuSlave struct {
	ad        adapter.Adapter
	slaveID   uint8
	registers []uint16
	stop      chan struct{}
}

func startRTUSlave(ad adapter.Adapter, slaveID uint8, registers []uint16) *rtuSlave {
	s := &rtuSlave{ad: ad, slaveID: slaveID, registers: registers, stop: make(chan struct{})}
	go s.loop()
	return s
}

func (s *rtuSlave) loop() {
	var buf []byte
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		buf = append(buf, s.ad.ReadAvailable()...)
		for len(buf) >= 8 { // every supported request ADU is 8 bytes
			adu := buf[:8]
			buf = buf[8:]

			wire := uint16(adu[6]) | uint16(adu[7])<<8
			if adu[0] != s.slaveID || checksum.CRC16Modbus(adu[:6]) != wire {
				continue
			}

			var resp []byte
			switch adu[1] {
			case FuncReadHoldingRegisters:
				addr := binary.BigEndian.Uint16(adu[2:4])
				qty := binary.BigEndian.Uint16(adu[4:6])
				resp = []byte{s.slaveID, FuncReadHoldingRegisters, uint8(2 * qty)}
				for i := uint16(0); i < qty; i++ {
					var v uint16
					if int(addr+i) < len(s.registers) {
						v = s.registers[addr+i]
					}
					resp = binary.BigEndian.AppendUint16(resp, v)
				}
			case FuncWriteSingleRegister:
				resp = append([]byte{}, adu[:6]...)
			default:
				resp = []byte{s.slaveID, adu[1] | exceptionFlag, uint8(ExcIllegalFunction)}
			}

			crc := checksum.CRC16Modbus(resp)
			resp = append(resp, uint8(crc), uint8(crc>>8))
			_ = s.ad.Write(resp)
		}
	}
}

func (s *rtuSlave) close() { close(s.stop) }

func newRTUClient(t *testing.T, registers []uint16) *Client {
	t.Helper()

	a, b := adapter.NewLoopbackPair()
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	eng := engine.New(a, NewRTUCodec(0x11), engine.Config{
		LinkName:       "modbus-test",
		HalfDuplex:     true,
		DefaultTimeout: 500 * time.Millisecond,
	})
	a.SetEventFunc(func(ev adapter.Event) {
		if ev.Kind == adapter.EventBytesAvailable {
			eng.NotifyBytes()
		}
	})
	eng.Start()
	eng.SetConnected(true)

	slave := startRTUSlave(b, 0x11, registers)
	t.Cleanup(func() {
		slave.close()
		eng.Stop()
		_ = a.Close()
		_ = b.Close()
	})
	return NewClient(eng)
}

func TestClientReadHoldingRegisters(t *testing.T) {
	client := newRTUClient(t, []uint16{10, 20, 30, 40, 50})

	regs, err := client.ReadHoldingRegisters(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 20, 30, 40, 50}, regs)
}

func TestClientWriteSingleRegister(t *testing.T) {
	client := newRTUClient(t, make([]uint16, 8))

	require.NoError(t, client.WriteSingleRegister(context.Background(), 3, 0x0102))
}

func TestClientException(t *testing.T) {
	client := newRTUClient(t, nil)

	err := client.WriteSingleCoil(context.Background(), 0, true)
	var exc Exception
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExcIllegalFunction, exc)
}

func TestClientQuantityValidation(t *testing.T) {
	client := newRTUClient(t, nil)

	_, err := client.ReadHoldingRegisters(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = client.ReadCoils(context.Background(), 0, maxReadBits+1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestClientContextCancel(t *testing.T) {
	// slave that never answers: drain bytes without replying
	a, b := adapter.NewLoopbackPair()
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	eng := engine.New(a, NewRTUCodec(0x11), engine.Config{
		LinkName:       "modbus-test",
		HalfDuplex:     true,
		DefaultTimeout: 5 * time.Second,
	})
	eng.Start()
	eng.SetConnected(true)
	t.Cleanup(func() {
		eng.Stop()
		_ = a.Close()
		_ = b.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(eng)
	_, err := client.ReadHoldingRegisters(ctx, 0, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
