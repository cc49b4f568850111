// Package stats tracks per-link counters and a bounded in-memory event log
// for GUI consumption. Counter updates happen on the engine's hot path and
// are lock-free; log delivery to sinks is best-effort and never blocks.
package stats

import (
	"math"
	"sync/atomic"
	"time"
)

// latencyAlpha is the EWMA smoothing factor for the rolling latency mean
const latencyAlpha = 0.2

// Statistics tracks one link's counters. All methods are safe for
// concurrent use.
type Statistics struct {
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	framesSent        atomic.Uint64
	framesReceived    atomic.Uint64
	errorCount        atomic.Uint64
	reconnectCount    atomic.Uint64
	orphanedResponses atomic.Uint64

	latencyMean  atomic.Uint64 // float64 bits, nanoseconds
	lastActivity atomic.Int64  // unix nanoseconds
	startTime    atomic.Int64  // unix nanoseconds
}

// LinkStatistics is a point-in-time snapshot of a link's counters
type LinkStatistics struct {
	BytesSent         uint64
	BytesReceived     uint64
	FramesSent        uint64
	FramesReceived    uint64
	ErrorCount        uint64
	ReconnectCount    uint64
	OrphanedResponses uint64
	LatencyMean       time.Duration
	LastActivity      time.Time
	StartTime         time.Time
}

// NewStatistics creates a statistics tracker
func NewStatistics() *Statistics {
	s := &Statistics{}
	now := time.Now().UnixNano()
	s.startTime.Store(now)
	s.lastActivity.Store(now)
	return s
}

// AddBytesSent records n outbound bytes
func (s *Statistics) AddBytesSent(n int) {
	s.bytesSent.Add(uint64(n))
	s.touch()
}

// AddBytesReceived records n inbound bytes
func (s *Statistics) AddBytesReceived(n int) {
	s.bytesReceived.Add(uint64(n))
	s.touch()
}

// FrameSent increments the transmitted frame counter
func (s *Statistics) FrameSent() {
	s.framesSent.Add(1)
	s.touch()
}

// FrameReceived increments the received frame counter
func (s *Statistics) FrameReceived() {
	s.framesReceived.Add(1)
	s.touch()
}

// Error increments the error counter
func (s *Statistics) Error() {
	s.errorCount.Add(1)
}

// Reconnect increments the reconnect counter
func (s *Statistics) Reconnect() {
	s.reconnectCount.Add(1)
}

// OrphanedResponse increments the late-response counter
func (s *Statistics) OrphanedResponse() {
	s.orphanedResponses.Add(1)
}

// ObserveLatency folds a request/response latency into the rolling mean
func (s *Statistics) ObserveLatency(d time.Duration) {
	for {
		old := s.latencyMean.Load()
		mean := math.Float64frombits(old)
		if mean == 0 {
			mean = float64(d)
		} else {
			mean = latencyAlpha*float64(d) + (1-latencyAlpha)*mean
		}
		if s.latencyMean.CompareAndSwap(old, math.Float64bits(mean)) {
			return
		}
	}
}

// LastActivity returns the time of the most recent send or receive
func (s *Statistics) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Statistics) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Snapshot returns a consistent-enough copy of the counters for display
func (s *Statistics) Snapshot() LinkStatistics {
	return LinkStatistics{
		BytesSent:         s.bytesSent.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		FramesSent:        s.framesSent.Load(),
		FramesReceived:    s.framesReceived.Load(),
		ErrorCount:        s.errorCount.Load(),
		ReconnectCount:    s.reconnectCount.Load(),
		OrphanedResponses: s.orphanedResponses.Load(),
		LatencyMean:       time.Duration(math.Float64frombits(s.latencyMean.Load())),
		LastActivity:      time.Unix(0, s.lastActivity.Load()),
		StartTime:         time.Unix(0, s.startTime.Load()),
	}
}

// Reset zeroes all counters. This is the only operation that may decrease
// them; counters are otherwise monotonic within a session.
func (s *Statistics) Reset() {
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
	s.framesSent.Store(0)
	s.framesReceived.Store(0)
	s.errorCount.Store(0)
	s.reconnectCount.Store(0)
	s.orphanedResponses.Store(0)
	s.latencyMean.Store(0)
	now := time.Now().UnixNano()
	s.startTime.Store(now)
	s.lastActivity.Store(now)
}

// Add accumulates another snapshot into this one, used for registry totals
func (l *LinkStatistics) Add(o LinkStatistics) {
	l.BytesSent += o.BytesSent
	l.BytesReceived += o.BytesReceived
	l.FramesSent += o.FramesSent
	l.FramesReceived += o.FramesReceived
	l.ErrorCount += o.ErrorCount
	l.ReconnectCount += o.ReconnectCount
	l.OrphanedResponses += o.OrphanedResponses
	if o.LastActivity.After(l.LastActivity) {
		l.LastActivity = o.LastActivity
	}
}
