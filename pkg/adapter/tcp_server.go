package adapter

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glueforge/commlink/pkg/config"
)

// TCPServer is an Adapter over a listening TCP endpoint. Writes fan out to
// every connected client; reads from all clients merge into one stream.
// The link counts as Connected while at least one client is attached.
type TCPServer struct {
	params config.TCPServerParams

	mu       sync.Mutex
	listener net.Listener
	clients  map[net.Conn]struct{}
	open     bool
	wg       sync.WaitGroup

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewTCPServer creates a TCP server adapter; listening starts on Open
func NewTCPServer(params config.TCPServerParams) *TCPServer {
	if params.MaxClients == 0 {
		params.MaxClients = 4
	}
	return &TCPServer{params: params, clients: make(map[net.Conn]struct{})}
}

// SetEventFunc registers the event callback
func (t *TCPServer) SetEventFunc(fn EventFunc) {
	t.events.set(fn)
}

// Open binds the listener and starts accepting; idempotent when open
func (t *TCPServer) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return nil
	}

	addr := net.JoinHostPort(t.params.BindAddress, fmt.Sprintf("%d", t.params.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", addr, err)
	}

	t.listener = listener
	t.open = true
	t.recv.reset()

	t.wg.Add(1)
	go t.acceptLoop(listener)
	return nil
}

func (t *TCPServer) acceptLoop(listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return // listener closed
		}

		t.mu.Lock()
		if !t.open || len(t.clients) >= t.params.MaxClients {
			t.mu.Unlock()
			_ = conn.Close()
			continue
		}
		t.clients[conn] = struct{}{}
		first := len(t.clients) == 1
		t.mu.Unlock()

		t.stats.connects.Add(1)
		if first {
			t.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
		}

		t.wg.Add(1)
		go t.clientLoop(conn)
	}
}

func (t *TCPServer) clientLoop(conn net.Conn) {
	defer t.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.stats.bytesReceived.Add(uint64(n))
			t.recv.append(buf[:n])
			t.events.emit(Event{Kind: EventBytesAvailable})
		}
		if err != nil {
			break
		}
	}

	_ = conn.Close()
	t.stats.disconnects.Add(1)

	t.mu.Lock()
	delete(t.clients, conn)
	last := t.open && len(t.clients) == 0
	t.mu.Unlock()

	if last {
		t.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	}
}

// Write sends p to every connected client
func (t *TCPServer) Write(p []byte) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrNotOpen
	}
	conns := make([]net.Conn, 0, len(t.clients))
	for c := range t.clients {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if len(conns) == 0 {
		return ErrNoPeer
	}

	var firstErr error
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		remaining := p
		for len(remaining) > 0 {
			n, err := conn.Write(remaining)
			if err != nil {
				t.stats.writeErrors.Add(1)
				if firstErr == nil {
					firstErr = fmt.Errorf("tcp write: %w", err)
				}
				break
			}
			t.stats.bytesSent.Add(uint64(n))
			remaining = remaining[n:]
		}
	}
	return firstErr
}

// ReadAvailable returns buffered inbound bytes without blocking
func (t *TCPServer) ReadAvailable() []byte {
	return t.recv.take()
}

// Connected reports whether at least one client is attached
func (t *TCPServer) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && len(t.clients) > 0
}

// Addr returns the bound listener address, or nil when closed
func (t *TCPServer) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ClientCount returns the number of attached clients
func (t *TCPServer) ClientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Close stops listening and disconnects every client; always succeeds
func (t *TCPServer) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	listener := t.listener
	t.listener = nil
	conns := make([]net.Conn, 0, len(t.clients))
	for c := range t.clients {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	time.Sleep(closeGracePeriod / 4)
	for _, conn := range conns {
		_ = conn.Close()
	}
	t.wg.Wait()

	t.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	return nil
}

// Stats returns transport-level counters
func (t *TCPServer) Stats() TransportStats {
	return t.stats.snapshot()
}
