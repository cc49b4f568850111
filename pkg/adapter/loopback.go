package adapter

import "sync"

// Loopback is an in-memory adapter joined to a peer. Bytes written to one
// side become available on the other. Used by tests and the examples.
type Loopback struct {
	mu   sync.Mutex
	open bool
	peer *Loopback

	recv   recvBuffer
	events eventSink
	stats  transportCounters
}

// NewLoopbackPair returns two linked loopback adapters
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{}
	b := &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

// SetEventFunc registers the event callback
func (l *Loopback) SetEventFunc(fn EventFunc) {
	l.events.set(fn)
}

// Open marks the side connected; idempotent
func (l *Loopback) Open() error {
	l.mu.Lock()
	already := l.open
	l.open = true
	l.mu.Unlock()

	if !already {
		l.stats.connects.Add(1)
		l.events.emit(Event{Kind: EventStateChanged, State: StateConnected})
	}
	return nil
}

// Write delivers to the peer's receive buffer
func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	open := l.open
	peer := l.peer
	l.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	peer.mu.Lock()
	peerOpen := peer.open
	peer.mu.Unlock()
	if !peerOpen {
		return ErrNoPeer
	}

	l.stats.bytesSent.Add(uint64(len(p)))
	peer.stats.bytesReceived.Add(uint64(len(p)))
	peer.recv.append(p)
	peer.events.emit(Event{Kind: EventBytesAvailable})
	return nil
}

// ReadAvailable returns buffered bytes without blocking
func (l *Loopback) ReadAvailable() []byte {
	return l.recv.take()
}

// Connected reports whether the side is open
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Close marks the side disconnected; idempotent
func (l *Loopback) Close() error {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()

	if wasOpen {
		l.stats.disconnects.Add(1)
		l.events.emit(Event{Kind: EventStateChanged, State: StateDisconnected})
	}
	return nil
}

// Stats returns transport-level counters
func (l *Loopback) Stats() TransportStats {
	return l.stats.snapshot()
}
