package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/glueforge/commlink/pkg/frame"
)

// OutcomeKind classifies how a transaction finished
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTimeout
	OutcomeCancelled
	OutcomeNotConnected
	OutcomeLinkError
	OutcomeLinkClosed
)

// String returns string representation of OutcomeKind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeCancelled:
		return "Cancelled"
	case OutcomeNotConnected:
		return "NotConnected"
	case OutcomeLinkError:
		return "LinkError"
	case OutcomeLinkClosed:
		return "LinkClosed"
	default:
		return "Unknown"
	}
}

// Outcome is the terminal result of a transaction
type Outcome struct {
	Kind  OutcomeKind
	Frame *frame.Frame // response frame on Success, nil otherwise
	Err   error
}

// Matcher decides whether an inbound frame answers a given request
type Matcher func(req, resp *frame.Frame) bool

// Handle is the caller's view of a submitted transaction. The Done channel
// receives exactly one Outcome and is then closed.
type Handle struct {
	ID   string
	done chan Outcome
	txn  *transaction
	eng  *Engine
}

// Done returns a channel that yields the transaction outcome
func (h *Handle) Done() <-chan Outcome {
	return h.done
}

// Wait blocks until the transaction completes or d elapses. A zero d waits
// forever.
func (h *Handle) Wait(d time.Duration) (Outcome, bool) {
	if d <= 0 {
		return <-h.done, true
	}
	select {
	case out := <-h.done:
		return out, true
	case <-time.After(d):
		return Outcome{}, false
	}
}

// Cancel asks the engine to abandon the transaction. A response arriving
// afterwards is counted as orphaned, not delivered.
func (h *Handle) Cancel() {
	h.eng.cancel(h.txn)
}

// transaction is the engine-internal state of one request
type transaction struct {
	id       string
	seq      uint16
	req      *frame.Frame
	match    Matcher
	handle   *Handle
	noReply  bool
	raw      []byte // encoded request, kept for retransmission

	timeout     time.Duration
	absDeadline time.Time // wall-clock budget; zero means none
	retries     int       // retransmissions remaining
	attempts    int
	deadline    time.Time
	sentAt      time.Time
	finished    bool
	cancelled   bool
}

func newTransaction(req *frame.Frame, opts submitOptions) (*transaction, *Handle) {
	txn := &transaction{
		id:          uuid.NewString(),
		req:         req,
		match:       opts.match,
		noReply:     opts.noReply,
		timeout:     opts.timeout,
		absDeadline: opts.deadline,
		retries:     opts.retries,
	}
	h := &Handle{ID: txn.id, done: make(chan Outcome, 1), txn: txn}
	txn.handle = h
	return txn, h
}

// finish delivers the outcome exactly once
func (t *transaction) finish(out Outcome) {
	if t.finished {
		return
	}
	t.finished = true
	t.handle.done <- out
	close(t.handle.done)
}

// submitOptions collects per-transaction overrides
type submitOptions struct {
	timeout  time.Duration
	deadline time.Time
	retries  int
	match    Matcher
	noReply  bool
}

// SubmitOption customizes a single transaction
type SubmitOption func(*submitOptions)

// WithTimeout overrides the link's default response timeout
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// WithRetries overrides the link's default retransmission count
func WithRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.retries = n }
}

// WithDeadline bounds the whole retry cycle by a wall-clock instant: no
// attempt starts past the deadline, whatever the retry budget says
func WithDeadline(d time.Time) SubmitOption {
	return func(o *submitOptions) { o.deadline = d }
}

// WithMatcher replaces the default command-based response matching
func WithMatcher(m Matcher) SubmitOption {
	return func(o *submitOptions) { o.match = m }
}

// NoReply marks a fire-and-forget transaction; it completes as soon as the
// frame is handed to the transport
func NoReply() SubmitOption {
	return func(o *submitOptions) { o.noReply = true }
}
