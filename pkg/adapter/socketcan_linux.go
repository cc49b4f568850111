//go:build linux

package adapter

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/glueforge/commlink/pkg/config"
)

// canFrameSize is the fixed size of a classic socketcan frame on the wire
const canFrameSize = 16

// SocketCAN is an Adapter over a raw AF_CAN socket. ReadAvailable returns
// whole 16-byte kernel frames; the CAN codec above parses them. Bitrate and
// sample point are properties of the interface itself and must be set by
// the host (ip link); they are recorded here for diagnostics only.
type SocketCAN struct {
	params config.CANParams

	mu   sync.Mutex
	fd   int
	open bool
	wg   sync.WaitGroup

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewSocketCAN creates a socketcan adapter; the socket is bound on Open
func NewSocketCAN(params config.CANParams) *SocketCAN {
	return &SocketCAN{params: params, fd: -1}
}

// SetEventFunc registers the event callback
func (s *SocketCAN) SetEventFunc(fn EventFunc) {
	s.events.set(fn)
}

// Open binds the raw socket to the interface; idempotent when open
func (s *SocketCAN) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	ifi, err := net.InterfaceByName(s.params.Interface)
	if err != nil {
		return fmt.Errorf("can interface %s: %w", s.params.Interface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("can socket: %w", err)
	}

	boolToInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, boolToInt(s.params.Loopback))
	_ = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, boolToInt(s.params.ReceiveOwn))

	if len(s.params.Filters) > 0 {
		filters := make([]unix.CanFilter, len(s.params.Filters))
		for i, f := range s.params.Filters {
			filters[i] = unix.CanFilter{Id: f.ID, Mask: f.Mask}
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("can filters: %w", err)
		}
	}

	// Bounded receive timeout so the read loop can observe Close
	tv := unix.NsecToTimeval((200 * time.Millisecond).Nanoseconds())
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("can bind %s: %w", s.params.Interface, err)
	}

	s.fd = fd
	s.open = true
	s.recv.reset()
	s.stats.connects.Add(1)

	s.wg.Add(1)
	go s.readLoop(fd)

	s.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
	return nil
}

func (s *SocketCAN) readLoop(fd int) {
	defer s.wg.Done()

	buf := make([]byte, canFrameSize)
	for {
		s.mu.Lock()
		closing := !s.open
		s.mu.Unlock()
		if closing {
			return
		}

		n, err := unix.Read(fd, buf)
		if n > 0 {
			s.stats.bytesReceived.Add(uint64(n))
			s.recv.append(buf[:n])
			s.events.emit(Event{Kind: EventBytesAvailable})
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}

			s.mu.Lock()
			closing := !s.open
			s.open = false
			s.mu.Unlock()

			if !closing {
				s.stats.readErrors.Add(1)
				s.events.emit(Event{Kind: EventError, Err: err, Detail: "can read"})
				s.events.emit(Event{Kind: EventStateChanged, State: StateError})
			}
			return
		}
	}
}

// Write sends one marshalled 16-byte kernel frame
func (s *SocketCAN) Write(p []byte) error {
	s.mu.Lock()
	fd := s.fd
	open := s.open
	s.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	if _, err := unix.Write(fd, p); err != nil {
		s.stats.writeErrors.Add(1)
		return fmt.Errorf("can write: %w", err)
	}
	s.stats.bytesSent.Add(uint64(len(p)))
	return nil
}

// SetFilters replaces the kernel-level acceptance filters
func (s *SocketCAN) SetFilters(filters []config.CANFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}

	if len(filters) == 0 {
		// No filters means accept everything
		all := []unix.CanFilter{{Id: 0, Mask: 0}}
		return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, all)
	}

	kernel := make([]unix.CanFilter, len(filters))
	for i, f := range filters {
		kernel[i] = unix.CanFilter{Id: f.ID, Mask: f.Mask}
	}
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernel)
}

// ReadAvailable returns buffered kernel frames without blocking
func (s *SocketCAN) ReadAvailable() []byte {
	return s.recv.take()
}

// Connected reports whether the socket is bound
func (s *SocketCAN) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close releases the socket; always succeeds
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	fd := s.fd
	s.fd = -1
	s.mu.Unlock()

	s.wg.Wait()
	_ = unix.Close(fd)
	s.stats.disconnects.Add(1)

	s.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	return nil
}

// Stats returns transport-level counters
func (s *SocketCAN) Stats() TransportStats {
	return s.stats.snapshot()
}
