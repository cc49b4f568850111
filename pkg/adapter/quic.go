package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/glueforge/commlink/pkg/config"
)

// quicALPN is the application protocol negotiated on QUIC links
const quicALPN = "commlink"

// QUICClient is an Adapter over an outgoing QUIC connection with a single
// bidirectional stream
type QUICClient struct {
	params    config.QUICParams
	tlsConfig *tls.Config

	mu      sync.Mutex
	conn    *quic.Conn
	stream  *quic.Stream
	open    bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewQUICClient creates a QUIC client adapter. When tlsConfig is nil the
// peer certificate is not verified, which suits the self-signed
// certificates field devices present.
func NewQUICClient(params config.QUICParams, tlsConfig *tls.Config) *QUICClient {
	if params.ConnectTimeout == 0 {
		params.ConnectTimeout = defaultConnectTimeout
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			NextProtos:         []string{quicALPN},
			InsecureSkipVerify: true,
		}
	}
	return &QUICClient{params: params, tlsConfig: tlsConfig}
}

// SetEventFunc registers the event callback
func (q *QUICClient) SetEventFunc(fn EventFunc) {
	q.events.set(fn)
}

// Open dials the peer and opens a stream; idempotent when open
func (q *QUICClient) Open() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.open {
		return nil
	}

	addr := net.JoinHostPort(q.params.Host, fmt.Sprintf("%d", q.params.Port))
	dialCtx, dialCancel := context.WithTimeout(context.Background(), q.params.ConnectTimeout)
	defer dialCancel()

	conn, err := quic.DialAddr(dialCtx, addr, q.tlsConfig, nil)
	if err != nil {
		return fmt.Errorf("quic connect %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "failed to open stream")
		return fmt.Errorf("quic open stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.conn = conn
	q.stream = stream
	q.open = true
	q.cancel = cancel
	q.recv.reset()
	q.stats.connects.Add(1)

	q.wg.Add(1)
	go q.readLoop(ctx, stream)

	q.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
	return nil
}

func (q *QUICClient) readLoop(ctx context.Context, stream *quic.Stream) {
	defer q.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			q.stats.bytesReceived.Add(uint64(n))
			q.recv.append(buf[:n])
			q.events.emit(Event{Kind: EventBytesAvailable})
		}
		if err != nil {
			q.stats.readErrors.Add(1)
			q.stats.disconnects.Add(1)

			q.mu.Lock()
			closing := !q.open
			q.open = false
			q.conn = nil
			q.stream = nil
			q.mu.Unlock()

			if !closing && ctx.Err() == nil {
				q.events.emit(Event{Kind: EventError, Err: err, Detail: "quic read"})
				q.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
			}
			return
		}
	}
}

// Write sends all of p on the stream
func (q *QUICClient) Write(p []byte) error {
	q.mu.Lock()
	stream := q.stream
	q.mu.Unlock()
	if stream == nil {
		return ErrNotOpen
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	_ = stream.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	for len(p) > 0 {
		n, err := stream.Write(p)
		if err != nil {
			q.stats.writeErrors.Add(1)
			return fmt.Errorf("quic write: %w", err)
		}
		q.stats.bytesSent.Add(uint64(n))
		p = p[n:]
	}
	return nil
}

// ReadAvailable returns buffered inbound bytes without blocking
func (q *QUICClient) ReadAvailable() []byte {
	return q.recv.take()
}

// Connected reports whether the stream is established
func (q *QUICClient) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.open && q.stream != nil
}

// Close tears the connection down; always succeeds
func (q *QUICClient) Close() error {
	q.mu.Lock()
	if !q.open {
		q.mu.Unlock()
		return nil
	}
	q.open = false
	conn := q.conn
	stream := q.stream
	q.conn = nil
	q.stream = nil
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	time.Sleep(closeGracePeriod / 4)
	if conn != nil {
		_ = conn.CloseWithError(0, "link closed")
	}
	q.wg.Wait()

	q.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	return nil
}

// Stats returns transport-level counters
func (q *QUICClient) Stats() TransportStats {
	return q.stats.snapshot()
}
