package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glueforge/commlink/pkg/config"
)

// Default I/O bounds shared by the stream adapters
const (
	defaultConnectTimeout = 5 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	closeGracePeriod      = 200 * time.Millisecond
	readChunkSize         = 4096
)

// TCPClient is an Adapter over an outgoing TCP connection
type TCPClient struct {
	params config.TCPClientParams

	mu      sync.Mutex
	conn    net.Conn
	open    bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewTCPClient creates a TCP client adapter; the connection is made on Open
func NewTCPClient(params config.TCPClientParams) *TCPClient {
	if params.ConnectTimeout == 0 {
		params.ConnectTimeout = defaultConnectTimeout
	}
	return &TCPClient{params: params}
}

// SetEventFunc registers the event callback
func (t *TCPClient) SetEventFunc(fn EventFunc) {
	t.events.set(fn)
}

// Open dials the peer and starts the read loop; idempotent when open
func (t *TCPClient) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return nil
	}

	addr := net.JoinHostPort(t.params.Host, fmt.Sprintf("%d", t.params.Port))
	d := net.Dialer{Timeout: t.params.ConnectTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect %s: %w", addr, err)
	}

	if t.params.KeepAlive {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
		}
	}

	t.conn = conn
	t.open = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.recv.reset()
	t.stats.connects.Add(1)

	t.wg.Add(1)
	go t.readLoop(conn)

	t.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
	return nil
}

func (t *TCPClient) readLoop(conn net.Conn) {
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
			t.stats.readErrors.Add(1)
			t.stats.disconnects.Add(1)

			t.mu.Lock()
			closing := !t.open
			t.open = false
			t.conn = nil
			t.mu.Unlock()

			if !closing {
				t.events.emit(Event{Kind: EventError, Err: err, Detail: "tcp read"})
				t.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
			}
			return
		}
	}
}

// Write sends all of p, blocking up to the write timeout
func (t *TCPClient) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			t.stats.writeErrors.Add(1)
			return fmt.Errorf("tcp write: %w", err)
		}
		t.stats.bytesSent.Add(uint64(n))
		p = p[n:]
	}
	return nil
}

// ReadAvailable returns buffered inbound bytes without blocking
func (t *TCPClient) ReadAvailable() []byte {
	return t.recv.take()
}

// Connected reports whether the connection is established
func (t *TCPClient) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && t.conn != nil
}

// Close shuts the connection down; always succeeds
func (t *TCPClient) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	conn := t.conn
	t.conn = nil
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Give pending bytes a moment to flush before tearing down
		_ = conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
		time.Sleep(closeGracePeriod / 4)
		_ = conn.Close()
	}
	t.wg.Wait()

	t.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	return nil
}

// Stats returns transport-level counters
func (t *TCPClient) Stats() TransportStats {
	return t.stats.snapshot()
}
