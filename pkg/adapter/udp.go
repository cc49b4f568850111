package adapter

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glueforge/commlink/pkg/config"
)

// UDP is an Adapter over a bound UDP socket. Outbound datagrams go to the
// most recently seen peer; a write before any datagram has arrived fails
// with ErrNoPeer.
type UDP struct {
	params config.UDPParams

	mu       sync.Mutex
	conn     *net.UDPConn
	lastPeer *net.UDPAddr
	open     bool
	wg       sync.WaitGroup

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewUDP creates a UDP adapter; the socket is bound on Open
func NewUDP(params config.UDPParams) *UDP {
	return &UDP{params: params}
}

// SetEventFunc registers the event callback
func (u *UDP) SetEventFunc(fn EventFunc) {
	u.events.set(fn)
}

// Open binds the socket and starts the read loop; idempotent when open
func (u *UDP) Open() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.open {
		return nil
	}

	addr := &net.UDPAddr{IP: net.ParseIP(u.params.BindAddress), Port: u.params.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp bind %s:%d: %w", u.params.BindAddress, u.params.Port, err)
	}

	u.conn = conn
	u.open = true
	u.recv.reset()
	u.stats.connects.Add(1)

	u.wg.Add(1)
	go u.readLoop(conn)

	// UDP is connectionless; the link counts as connected once bound
	u.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
	return nil
}

func (u *UDP) readLoop(conn *net.UDPConn) {
	defer u.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if n > 0 {
			u.mu.Lock()
			u.lastPeer = peer
			u.mu.Unlock()

			u.stats.bytesReceived.Add(uint64(n))
			u.recv.append(buf[:n])
			u.events.emit(Event{Kind: EventBytesAvailable})
		}
		if err != nil {
			u.mu.Lock()
			closing := !u.open
			u.mu.Unlock()
			if !closing {
				u.stats.readErrors.Add(1)
				u.events.emit(Event{Kind: EventError, Err: err, Detail: "udp read"})
			}
			return
		}
	}
}

// Write sends p as one datagram to the most recently seen peer
func (u *UDP) Write(p []byte) error {
	u.mu.Lock()
	conn := u.conn
	peer := u.lastPeer
	u.mu.Unlock()

	if conn == nil {
		return ErrNotOpen
	}
	if peer == nil {
		return ErrNoPeer
	}

	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	n, err := conn.WriteToUDP(p, peer)
	if err != nil {
		u.stats.writeErrors.Add(1)
		return fmt.Errorf("udp write: %w", err)
	}
	u.stats.bytesSent.Add(uint64(n))
	return nil
}

// ReadAvailable returns buffered inbound bytes without blocking
func (u *UDP) ReadAvailable() []byte {
	return u.recv.take()
}

// LocalAddr returns the bound socket address, or nil when closed
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Connected reports whether the socket is bound
func (u *UDP) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.open
}

// Close unbinds the socket; always succeeds
func (u *UDP) Close() error {
	u.mu.Lock()
	if !u.open {
		u.mu.Unlock()
		return nil
	}
	u.open = false
	conn := u.conn
	u.conn = nil
	u.lastPeer = nil
	u.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	u.wg.Wait()
	u.stats.disconnects.Add(1)

	u.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	return nil
}

// Stats returns transport-level counters
func (u *UDP) Stats() TransportStats {
	return u.stats.snapshot()
}
