// Package engine implements the transaction layer of a link: it owns the
// request/response lifecycle, sequence correlation, retransmission and
// timeout handling for frames travelling over one adapter.
//
// All transaction state is confined to a single run goroutine; the public
// methods communicate with it over channels, so the engine needs no lock
// around its in-flight table.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/glueforge/commlink/internal/logger"
	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/frame"
	"github.com/glueforge/commlink/pkg/stats"
)

// Codec turns frames into wire bytes and back. Implementations exist for
// the native framed protocol, Modbus RTU/TCP and socketcan.
type Codec interface {
	// Encode serializes one frame for transmission
	Encode(f *frame.Frame) ([]byte, error)
	// Feed appends received wire bytes to the decode buffer
	Feed(p []byte)
	// Next extracts the next decoded frame, or frame.ErrNeedMore when the
	// buffer holds no complete frame yet
	Next() (*frame.Frame, error)
}

// Errors
var (
	ErrStopped      = errors.New("engine is stopped")
	ErrNotConnected = errors.New("link is not connected")
	ErrLinkClosed   = errors.New("link closed")
	ErrTimeout      = errors.New("response timeout")
)

const (
	defaultTimeout = time.Second
	idleWake       = time.Minute
)

// Config carries the per-link transaction policy
type Config struct {
	LinkName string

	// HalfDuplex permits only one in-flight transaction; further requests
	// queue in submission order. Serial and Modbus links are half duplex.
	HalfDuplex bool

	// SeqOnWire means the codec carries the engine sequence number on the
	// wire (Modbus TCP transaction id), so responses match by sequence
	// instead of by command code.
	SeqOnWire bool

	DefaultTimeout time.Duration
	DefaultRetries int

	Logger   logger.Logger
	Stats    *stats.Statistics
	EventLog *stats.Log

	// OnUnsolicited receives inbound frames that match no transaction.
	// Called from the run goroutine; it must not block.
	OnUnsolicited func(f *frame.Frame)

	// OnFrameSent / OnFrameReceived observe every frame crossing the wire,
	// solicited or not. Called from the run goroutine; they must not block.
	OnFrameSent     func(f *frame.Frame)
	OnFrameReceived func(f *frame.Frame)
}

// Engine drives transactions for one link
type Engine struct {
	cfg   Config
	ad    adapter.Adapter
	codec Codec
	log   logger.Logger

	submitCh chan *transaction
	cancelCh chan *transaction
	failCh   chan Outcome
	bytesCh  chan struct{}
	connCh   chan bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	// run-goroutine state
	connected bool
	nextSeq   uint16
	inflight  []*transaction // send order
	bySeq     map[uint16]*transaction
	pending   []*transaction // half-duplex wait queue
	deadlines *deadlineQueue
}

// New creates an engine over the adapter and codec. Start must be called
// before submitting.
func New(ad adapter.Adapter, codec Codec, cfg Config) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = &logger.NoOpLogger{}
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewStatistics()
	}
	return &Engine{
		cfg:       cfg,
		ad:        ad,
		codec:     codec,
		log:       cfg.Logger,
		submitCh:  make(chan *transaction),
		cancelCh:  make(chan *transaction),
		failCh:    make(chan Outcome),
		bytesCh:   make(chan struct{}, 1),
		connCh:    make(chan bool, 4),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		bySeq:     make(map[uint16]*transaction),
		deadlines: newDeadlineQueue(),
	}
}

// Start launches the run goroutine
func (e *Engine) Start() {
	go e.run()
}

// Stop fails every outstanding transaction with OutcomeLinkClosed and
// terminates the run goroutine. Idempotent.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
		return
	default:
	}
	close(e.stopCh)
	<-e.doneCh
}

// NotifyBytes tells the engine the adapter has inbound bytes buffered.
// Safe to call from any goroutine; notifications coalesce.
func (e *Engine) NotifyBytes() {
	select {
	case e.bytesCh <- struct{}{}:
	default:
	}
}

// SetConnected gates submissions and, on a drop, fails everything in
// flight with OutcomeLinkError
func (e *Engine) SetConnected(up bool) {
	select {
	case e.connCh <- up:
	case <-e.stopCh:
	}
}

// Submit queues one request frame as a transaction. The returned handle
// delivers exactly one outcome; a submission on a disconnected link
// completes immediately with OutcomeNotConnected.
func (e *Engine) Submit(req *frame.Frame, opts ...SubmitOption) (*Handle, error) {
	o := submitOptions{
		timeout: e.cfg.DefaultTimeout,
		retries: e.cfg.DefaultRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = e.cfg.DefaultTimeout
	}

	txn, h := newTransaction(req, o)
	h.eng = e

	select {
	case e.submitCh <- txn:
		return h, nil
	case <-e.stopCh:
		return nil, ErrStopped
	}
}

// SubmitCommand builds a frame for cmd and payload and submits it
func (e *Engine) SubmitCommand(cmd frame.Command, payload []byte, opts ...SubmitOption) (*Handle, error) {
	return e.Submit(frame.New(cmd, payload), opts...)
}

// CancelAll abandons every in-flight and queued transaction
func (e *Engine) CancelAll() {
	select {
	case e.cancelCh <- nil: // nil means all
	case <-e.stopCh:
	}
}

// FailAll terminates every in-flight and queued transaction with the
// given outcome, used when the link is being torn down
func (e *Engine) FailAll(kind OutcomeKind, err error) {
	select {
	case e.failCh <- Outcome{Kind: kind, Err: err}:
	case <-e.stopCh:
	}
}

func (e *Engine) cancel(txn *transaction) {
	select {
	case e.cancelCh <- txn:
	case <-e.stopCh:
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)

	timer := time.NewTimer(idleWake)
	defer timer.Stop()

	for {
		delay := idleWake
		if due, ok := e.deadlines.nextExpiry(); ok {
			delay = time.Until(due)
			if delay < 0 {
				delay = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case txn := <-e.submitCh:
			e.handleSubmit(txn)
		case txn := <-e.cancelCh:
			e.handleCancel(txn)
		case out := <-e.failCh:
			e.failAll(out)
		case <-e.bytesCh:
			e.drainInbound()
		case up := <-e.connCh:
			e.handleConnChange(up)
		case <-timer.C:
			e.handleExpiry(time.Now())
		case <-e.stopCh:
			e.failAll(Outcome{Kind: OutcomeLinkClosed, Err: ErrStopped})
			return
		}
	}
}

func (e *Engine) handleSubmit(txn *transaction) {
	if !e.connected {
		txn.finish(Outcome{Kind: OutcomeNotConnected, Err: ErrNotConnected})
		return
	}
	if e.cfg.HalfDuplex && len(e.inflight) > 0 {
		e.pending = append(e.pending, txn)
		return
	}
	e.transmit(txn)
}

// transmit assigns a sequence, encodes and writes the request
func (e *Engine) transmit(txn *transaction) {
	txn.seq = e.allocSeq()
	txn.req.Seq = txn.seq

	raw, err := e.codec.Encode(txn.req)
	if err != nil {
		e.cfg.Stats.Error()
		txn.finish(Outcome{Kind: OutcomeLinkError, Err: fmt.Errorf("encode: %w", err)})
		return
	}

	if err := e.writeRaw(txn, raw); err != nil {
		txn.finish(Outcome{Kind: OutcomeLinkError, Err: err})
		e.advance()
		return
	}

	if txn.noReply {
		txn.finish(Outcome{Kind: OutcomeSuccess})
		e.advance()
		return
	}

	txn.deadline = nextDeadline(txn, time.Now())
	e.inflight = append(e.inflight, txn)
	e.bySeq[txn.seq] = txn
	e.deadlines.push(txn)
}

// nextDeadline caps the per-attempt timeout by the transaction's
// wall-clock budget
func nextDeadline(txn *transaction, now time.Time) time.Time {
	d := now.Add(txn.timeout)
	if !txn.absDeadline.IsZero() && d.After(txn.absDeadline) {
		return txn.absDeadline
	}
	return d
}

func (e *Engine) writeRaw(txn *transaction, raw []byte) error {
	if err := e.ad.Write(raw); err != nil {
		e.cfg.Stats.Error()
		e.logEvent(stats.DirOut, stats.LevelWarn,
			fmt.Sprintf("write failed cmd=0x%02X: %v", uint16(txn.req.Command), err))
		return err
	}
	txn.raw = raw
	txn.attempts++
	txn.sentAt = time.Now()
	e.cfg.Stats.FrameSent()
	e.cfg.Stats.AddBytesSent(len(raw))
	e.logEvent(stats.DirOut, stats.LevelDebug,
		fmt.Sprintf("cmd=0x%02X %s", uint16(txn.req.Command), stats.HexSummary(raw)))
	if e.cfg.OnFrameSent != nil {
		e.cfg.OnFrameSent(txn.req)
	}
	return nil
}

// allocSeq returns the next sequence number not currently in flight
func (e *Engine) allocSeq() uint16 {
	for {
		e.nextSeq++
		if _, busy := e.bySeq[e.nextSeq]; !busy {
			return e.nextSeq
		}
	}
}

// advance starts the next queued transaction on a half-duplex link
func (e *Engine) advance() {
	if !e.cfg.HalfDuplex || len(e.inflight) > 0 {
		return
	}
	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		if next.finished {
			continue
		}
		e.transmit(next)
		return
	}
}

func (e *Engine) handleCancel(txn *transaction) {
	if txn == nil {
		// cancel all
		for _, t := range e.pending {
			t.cancelled = true
			t.finish(Outcome{Kind: OutcomeCancelled})
		}
		e.pending = nil
		for _, t := range e.inflight {
			if !t.finished {
				t.cancelled = true
				t.finish(Outcome{Kind: OutcomeCancelled})
			}
		}
		// in-flight entries stay tracked until expiry for orphan counting
		return
	}

	if txn.finished {
		return
	}
	for i, t := range e.pending {
		if t == txn {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			txn.cancelled = true
			txn.finish(Outcome{Kind: OutcomeCancelled})
			return
		}
	}
	txn.cancelled = true
	txn.finish(Outcome{Kind: OutcomeCancelled})
}

func (e *Engine) handleConnChange(up bool) {
	if up == e.connected {
		return
	}
	e.connected = up
	if up {
		return
	}
	e.failAll(Outcome{Kind: OutcomeLinkError, Err: ErrNotConnected})
}

// failAll terminates every queued and in-flight transaction
func (e *Engine) failAll(out Outcome) {
	for _, t := range e.pending {
		t.finish(out)
	}
	e.pending = nil
	for _, t := range e.inflight {
		t.finish(out)
	}
	e.inflight = nil
	e.bySeq = make(map[uint16]*transaction)
	e.deadlines.clear()
}

func (e *Engine) drainInbound() {
	raw := e.ad.ReadAvailable()
	if len(raw) > 0 {
		e.cfg.Stats.AddBytesReceived(len(raw))
		e.codec.Feed(raw)
	}

	for {
		f, err := e.codec.Next()
		if err != nil {
			if errors.Is(err, frame.ErrNeedMore) {
				return
			}
			e.cfg.Stats.Error()
			e.logEvent(stats.DirIn, stats.LevelWarn, fmt.Sprintf("decode: %v", err))
			continue
		}
		if f == nil {
			return
		}
		e.cfg.Stats.FrameReceived()
		if e.cfg.OnFrameReceived != nil {
			e.cfg.OnFrameReceived(f)
		}
		e.dispatch(f)
	}
}

// dispatch routes one decoded frame to its transaction
func (e *Engine) dispatch(f *frame.Frame) {
	e.logEvent(stats.DirIn, stats.LevelDebug,
		fmt.Sprintf("cmd=0x%02X seq=%d len=%d", uint16(f.Command), f.Seq, len(f.Payload)))

	for i, txn := range e.inflight {
		if !e.matches(txn, f) {
			continue
		}
		e.inflight = append(e.inflight[:i], e.inflight[i+1:]...)
		delete(e.bySeq, txn.seq)

		if txn.cancelled || txn.finished {
			e.cfg.Stats.OrphanedResponse()
			e.logEvent(stats.DirIn, stats.LevelInfo,
				fmt.Sprintf("orphaned response cmd=0x%02X", uint16(f.Command)))
			e.advance()
			return
		}

		e.cfg.Stats.ObserveLatency(time.Since(txn.sentAt))
		txn.finish(Outcome{Kind: OutcomeSuccess, Frame: f})
		e.advance()
		return
	}

	if e.cfg.OnUnsolicited != nil {
		e.cfg.OnUnsolicited(f)
		return
	}
	e.logEvent(stats.DirIn, stats.LevelInfo,
		fmt.Sprintf("unsolicited cmd=0x%02X", uint16(f.Command)))
}

// matches applies the transaction's matcher, the wire sequence, or the
// default command pairing, in that order
func (e *Engine) matches(txn *transaction, f *frame.Frame) bool {
	if txn.match != nil {
		return txn.match(txn.req, f)
	}
	if e.cfg.SeqOnWire {
		return f.Seq == txn.seq
	}
	cmd := txn.req.Command
	return f.Command == cmd.Response() ||
		f.Command == cmd ||
		f.Command == frame.CmdError
}

func (e *Engine) handleExpiry(now time.Time) {
	for {
		txn := e.deadlines.popExpired(now)
		if txn == nil {
			return
		}
		if txn.cancelled {
			e.removeInflight(txn)
			e.advance()
			continue
		}

		// the wall-clock budget beats the retry budget
		expired := !txn.absDeadline.IsZero() && !now.Before(txn.absDeadline)

		if txn.retries > 0 && e.connected && !expired {
			txn.retries--
			e.logEvent(stats.DirOut, stats.LevelInfo,
				fmt.Sprintf("retransmit cmd=0x%02X attempt=%d", uint16(txn.req.Command), txn.attempts+1))
			if err := e.writeRaw(txn, txn.raw); err != nil {
				e.removeInflight(txn)
				txn.finish(Outcome{Kind: OutcomeLinkError, Err: err})
				e.advance()
				continue
			}
			txn.deadline = nextDeadline(txn, now)
			e.deadlines.push(txn)
			continue
		}

		e.removeInflight(txn)
		e.cfg.Stats.Error()
		e.logEvent(stats.DirOut, stats.LevelWarn,
			fmt.Sprintf("timeout cmd=0x%02X after %d attempt(s)", uint16(txn.req.Command), txn.attempts))
		txn.finish(Outcome{Kind: OutcomeTimeout, Err: ErrTimeout})
		e.advance()
	}
}

func (e *Engine) removeInflight(txn *transaction) {
	for i, t := range e.inflight {
		if t == txn {
			e.inflight = append(e.inflight[:i], e.inflight[i+1:]...)
			break
		}
	}
	delete(e.bySeq, txn.seq)
}

func (e *Engine) logEvent(dir stats.Direction, level stats.Level, summary string) {
	if e.cfg.EventLog == nil {
		return
	}
	e.cfg.EventLog.Append(stats.Event{
		Timestamp: time.Now(),
		Link:      e.cfg.LinkName,
		Direction: dir,
		Level:     level,
		Summary:   summary,
	})
}
