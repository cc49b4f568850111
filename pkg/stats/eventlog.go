package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Direction of the traffic an event describes
type Direction int

const (
	DirNone Direction = iota
	DirIn
	DirOut
)

// String returns string representation of Direction
func (d Direction) String() string {
	switch d {
	case DirIn:
		return "RX"
	case DirOut:
		return "TX"
	default:
		return "--"
	}
}

// Level of a log event
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one entry in the communication log
type Event struct {
	Timestamp time.Time
	Link      string
	Direction Direction
	Level     Level
	Summary   string
}

// DefaultMaxEntries is the default ring capacity
const DefaultMaxEntries = 5000

// Log is a bounded in-memory event log with best-effort sink delivery.
// When full, the oldest entries are evicted. Slow sinks lose events; a
// per-sink drop counter records how many.
type Log struct {
	mu      sync.Mutex
	entries []Event // ring storage
	head    int     // index of oldest entry
	count   int
	max     int

	subMu  sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// Subscription delivers log events to one sink
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Uint64
	cancel  func()
}

// Dropped returns how many events this sink has lost
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the sink and closes its channel
func (s *Subscription) Close() {
	s.cancel()
}

// NewLog creates a bounded event log; max <= 0 selects the default capacity
func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{
		entries: make([]Event, max),
		max:     max,
		subs:    make(map[int]*Subscription),
	}
}

// Append records an event, evicting the oldest entry when full, and offers
// it to every sink without blocking
func (l *Log) Append(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	if l.count == l.max {
		l.entries[l.head] = e
		l.head = (l.head + 1) % l.max
	} else {
		l.entries[(l.head+l.count)%l.max] = e
		l.count++
	}
	l.mu.Unlock()

	l.subMu.Lock()
	for _, sub := range l.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
	l.subMu.Unlock()
}

// Entries returns a copy of the log, oldest first
func (l *Log) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.entries[(l.head+i)%l.max]
	}
	return out
}

// Len returns the number of stored entries
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Subscribe registers a sink with the given channel buffer. Events that
// arrive while the buffer is full are dropped for that sink only.
func (l *Log) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		l.subMu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.subMu.Unlock()
	}
	l.subs[id] = sub
	l.subMu.Unlock()

	return sub
}

// maxHexBytes bounds frame dumps in log summaries
const maxHexBytes = 32

// HexSummary formats up to maxHexBytes of b as hex for a log entry
func HexSummary(b []byte) string {
	var sb strings.Builder
	n := len(b)
	shown := n
	if shown > maxHexBytes {
		shown = maxHexBytes
	}
	for i := 0; i < shown; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b[i])
	}
	if n > shown {
		fmt.Fprintf(&sb, " .. (%d bytes)", n)
	}
	return sb.String()
}
