package adapter

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/glueforge/commlink/pkg/config"
)

// serialReadTimeout bounds each blocking read so Close can take effect
const serialReadTimeout = 100 * time.Millisecond

// Serial is an Adapter over a serial port
type Serial struct {
	params config.SerialParams

	mu      sync.Mutex
	port    serial.Port
	open    bool
	wg      sync.WaitGroup
	writeMu sync.Mutex

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewSerial creates a serial adapter; the port is opened on Open
func NewSerial(params config.SerialParams) *Serial {
	return &Serial{params: params}
}

// SetEventFunc registers the event callback
func (s *Serial) SetEventFunc(fn EventFunc) {
	s.events.set(fn)
}

func serialMode(p config.SerialParams) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
	}

	switch p.Parity {
	case config.ParityNone:
		mode.Parity = serial.NoParity
	case config.ParityEven:
		mode.Parity = serial.EvenParity
	case config.ParityOdd:
		mode.Parity = serial.OddParity
	case config.ParityMark:
		mode.Parity = serial.MarkParity
	case config.ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("serial parity %q: %w", p.Parity, ErrUnsupported)
	}

	switch p.StopBits {
	case config.StopBitsOne:
		mode.StopBits = serial.OneStopBit
	case config.StopBitsOnePointFive:
		mode.StopBits = serial.OnePointFiveStopBits
	case config.StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serial stop bits %q: %w", p.StopBits, ErrUnsupported)
	}

	// The backend drives the port without hardware or software flow
	// control; anything else must be surfaced, not silently ignored
	if p.FlowControl != config.FlowNone {
		return nil, fmt.Errorf("serial flow control %q: %w", p.FlowControl, ErrUnsupported)
	}

	return mode, nil
}

// Open opens and configures the port; idempotent when open
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	mode, err := serialMode(s.params)
	if err != nil {
		return err
	}

	port, err := serial.Open(s.params.Port, mode)
	if err != nil {
		return fmt.Errorf("serial open %s: %w", s.params.Port, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("serial read timeout: %w", err)
	}

	s.port = port
	s.open = true
	s.recv.reset()
	s.stats.connects.Add(1)

	s.wg.Add(1)
	go s.readLoop(port)

	s.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
	return nil
}

func (s *Serial) readLoop(port serial.Port) {
	defer s.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			s.stats.bytesReceived.Add(uint64(n))
			s.recv.append(buf[:n])
			s.events.emit(Event{Kind: EventBytesAvailable})
		}

		s.mu.Lock()
		closing := !s.open
		s.mu.Unlock()
		if closing {
			return
		}

		if err != nil {
			s.stats.readErrors.Add(1)
			s.stats.disconnects.Add(1)

			s.mu.Lock()
			s.open = false
			s.port = nil
			s.mu.Unlock()

			s.events.emit(Event{Kind: EventError, Err: err, Detail: "serial read"})
			s.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
			return
		}
	}
}

// Write sends all of p, completing partial writes internally
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			s.stats.writeErrors.Add(1)
			return fmt.Errorf("serial write: %w", err)
		}
		s.stats.bytesSent.Add(uint64(n))
		p = p[n:]
	}
	return nil
}

// ReadAvailable returns buffered inbound bytes without blocking
func (s *Serial) ReadAvailable() []byte {
	return s.recv.take()
}

// Connected reports whether the port is open
func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close drains the transmitter and closes the port; always succeeds
func (s *Serial) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port != nil {
		_ = port.Drain()
		_ = port.Close()
	}
	s.wg.Wait()
	s.stats.disconnects.Add(1)

	s.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	return nil
}

// Stats returns transport-level counters
func (s *Serial) Stats() TransportStats {
	return s.stats.snapshot()
}
