// Package adapter provides a uniform byte-oriented I/O interface over the
// supported physical transports: serial ports, TCP client/server, UDP, QUIC
// and socketcan. Adapters deliver raw bytes in and out and surface link
// events; framing, correlation and lifecycle policy live above them.
package adapter

import (
	"errors"
	"sync"
	"sync/atomic"
)

// LinkState is the lifecycle state of a link. Adapters report only the
// Connected/Disconnected/Error subset; the supervisor owns the full
// transition machine.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateError
	StateTimeout
	StateClosing
)

// String returns string representation of LinkState
func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	case StateTimeout:
		return "Timeout"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// EventKind classifies adapter events
type EventKind int

const (
	EventBytesAvailable EventKind = iota
	EventStateChanged
	EventError
)

// Event is an asynchronous notification from an adapter
type Event struct {
	Kind   EventKind
	State  LinkState // for EventStateChanged
	Err    error     // for EventError
	Detail string
}

// EventFunc receives adapter events. It is invoked from the adapter's read
// goroutine and must not block.
type EventFunc func(Event)

// Errors
var (
	ErrNotOpen     = errors.New("adapter is not open")
	ErrClosed      = errors.New("adapter is closed")
	ErrNoPeer      = errors.New("no peer to write to")
	ErrUnsupported = errors.New("not supported by this transport backend")
)

// TransportStats are raw byte-level counters kept by each adapter
type TransportStats struct {
	BytesSent     uint64
	BytesReceived uint64
	WriteErrors   uint64
	ReadErrors    uint64
	Connects      uint64
	Disconnects   uint64
}

// Adapter is the uniform transport contract.
//
// Open is idempotent when already open. Close always succeeds and waits up
// to a short grace period for outgoing bytes to flush. Write blocks up to a
// bounded write timeout and completes partial writes internally.
// ReadAvailable is non-blocking and returns whatever is buffered.
type Adapter interface {
	Open() error
	Close() error
	Write(p []byte) error
	ReadAvailable() []byte
	Connected() bool
	SetEventFunc(fn EventFunc)
	Stats() TransportStats
}

// transportCounters is the atomic backing for TransportStats
type transportCounters struct {
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	writeErrors   atomic.Uint64
	readErrors    atomic.Uint64
	connects      atomic.Uint64
	disconnects   atomic.Uint64
}

func (c *transportCounters) snapshot() TransportStats {
	return TransportStats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		WriteErrors:   c.writeErrors.Load(),
		ReadErrors:    c.readErrors.Load(),
		Connects:      c.connects.Load(),
		Disconnects:   c.disconnects.Load(),
	}
}

// eventSink holds the registered EventFunc behind a lock
type eventSink struct {
	mu sync.RWMutex
	fn EventFunc
}

func (s *eventSink) set(fn EventFunc) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *eventSink) emit(e Event) {
	s.mu.RLock()
	fn := s.fn
	s.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// recvBuffer accumulates inbound bytes for non-blocking consumption
type recvBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (r *recvBuffer) append(p []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, p...)
	r.mu.Unlock()
}

// take returns and clears the buffered bytes
func (r *recvBuffer) take() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := r.buf
	r.buf = nil
	return out
}

func (r *recvBuffer) reset() {
	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()
}
