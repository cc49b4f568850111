// Package supervisor owns the lifecycle of one link: the state machine
// around its adapter, automatic reconnection with capped exponential
// backoff, and heartbeat probing on idle connections.
package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/glueforge/commlink/internal/logger"
	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/stats"
)

// Errors
var (
	ErrExhausted = errors.New("reconnect attempts exhausted")
	ErrStopped   = errors.New("supervisor is stopped")
)

const (
	defaultBackoffBase = 5 * time.Second
	defaultBackoffMax  = 60 * time.Second
	defaultMaxAttempts = 3
)

// validTransitions is the allowed state machine. Anything not listed is a
// programming error and gets logged and ignored.
var validTransitions = map[adapter.LinkState][]adapter.LinkState{
	// Disconnected -> Connected covers passive links where a client attach
	// brings the link up without a dial
	adapter.StateDisconnected: {adapter.StateConnecting, adapter.StateConnected},
	adapter.StateConnecting:   {adapter.StateConnected, adapter.StateError, adapter.StateDisconnected, adapter.StateClosing},
	adapter.StateConnected:    {adapter.StateDisconnected, adapter.StateError, adapter.StateTimeout, adapter.StateClosing},
	adapter.StateError:        {adapter.StateConnecting, adapter.StateDisconnected, adapter.StateClosing},
	adapter.StateTimeout:      {adapter.StateConnecting, adapter.StateDisconnected, adapter.StateClosing},
	adapter.StateClosing:      {adapter.StateDisconnected},
}

// TransactionGate is the engine-facing hook: the supervisor opens the gate
// when the link is usable and closes it when it is not
type TransactionGate interface {
	SetConnected(up bool)
}

// HeartbeatFunc probes the peer; a non-nil error marks the link timed out.
// It runs on its own goroutine and may block up to the link timeout.
type HeartbeatFunc func() error

// Config carries the lifecycle policy of one link
type Config struct {
	LinkName      string
	AutoReconnect bool
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	MaxAttempts   int

	// HeartbeatInterval enables idle probing when > 0 and Heartbeat is set
	HeartbeatInterval time.Duration
	Heartbeat         HeartbeatFunc

	// Passive links (tcp-server) never dial; their connected state follows
	// client attach/detach events and reconnection is a no-op.
	Passive bool

	Logger   logger.Logger
	Stats    *stats.Statistics
	EventLog *stats.Log

	// OnStateChange fires on every transition, from the run goroutine
	OnStateChange func(old, now adapter.LinkState)

	// OnExhausted fires once the reconnect attempt budget is spent; the
	// link stays down until the next Connect
	OnExhausted func()
}

type command int

const (
	cmdConnect command = iota
	cmdDisconnect
)

// Supervisor runs the state machine for one link
type Supervisor struct {
	cfg  Config
	ad   adapter.Adapter
	gate TransactionGate
	log  logger.Logger

	cmdCh   chan command
	evCh    chan adapter.Event
	probeCh chan error
	stateQ  chan chan adapter.LinkState
	stopCh  chan struct{}
	doneCh  chan struct{}

	// run-goroutine state
	state      adapter.LinkState
	attempts   int
	wantUp     bool
	probing    bool
	reconnectT *time.Timer
}

// New creates a supervisor over the adapter. Start must be called before
// Connect.
func New(ad adapter.Adapter, gate TransactionGate, cfg Config) *Supervisor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = &logger.NoOpLogger{}
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewStatistics()
	}
	return &Supervisor{
		cfg:     cfg,
		ad:      ad,
		gate:    gate,
		log:     cfg.Logger,
		cmdCh:   make(chan command),
		evCh:    make(chan adapter.Event, 16),
		probeCh: make(chan error, 1),
		stateQ:  make(chan chan adapter.LinkState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		state:   adapter.StateDisconnected,
	}
}

// Start launches the run goroutine
func (s *Supervisor) Start() {
	go s.run()
}

// Stop disconnects and terminates the run goroutine. Idempotent.
func (s *Supervisor) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	<-s.doneCh
}

// Connect asks the supervisor to bring the link up. Returns immediately;
// progress is visible through State and OnStateChange.
func (s *Supervisor) Connect() error {
	select {
	case s.cmdCh <- cmdConnect:
		return nil
	case <-s.stopCh:
		return ErrStopped
	}
}

// Disconnect brings the link down and disables reconnection until the next
// Connect. Idempotent.
func (s *Supervisor) Disconnect() error {
	select {
	case s.cmdCh <- cmdDisconnect:
		return nil
	case <-s.stopCh:
		return ErrStopped
	}
}

// State returns the current lifecycle state
func (s *Supervisor) State() adapter.LinkState {
	reply := make(chan adapter.LinkState, 1)
	select {
	case s.stateQ <- reply:
		return <-reply
	case <-s.stopCh:
		return adapter.StateDisconnected
	}
}

// HandleAdapterEvent feeds adapter events into the state machine. Safe to
// call from any goroutine; an overflowing queue drops oldest-first
// semantics in favor of never blocking the adapter.
func (s *Supervisor) HandleAdapterEvent(ev adapter.Event) {
	select {
	case s.evCh <- ev:
	default:
	}
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	var hbC <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 && s.cfg.Heartbeat != nil {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		hbC = ticker.C
	}

	s.reconnectT = time.NewTimer(time.Hour)
	if !s.reconnectT.Stop() {
		<-s.reconnectT.C
	}
	defer s.reconnectT.Stop()

	for {
		select {
		case c := <-s.cmdCh:
			s.handleCommand(c)
		case ev := <-s.evCh:
			s.handleAdapterEvent(ev)
		case <-s.reconnectT.C:
			s.attemptConnect()
		case <-hbC:
			s.maybeProbe()
		case err := <-s.probeCh:
			s.handleProbeResult(err)
		case reply := <-s.stateQ:
			reply <- s.state
		case <-s.stopCh:
			s.shutdown()
			return
		}
	}
}

func (s *Supervisor) handleCommand(c command) {
	switch c {
	case cmdConnect:
		s.wantUp = true
		s.attempts = 0
		if s.state == adapter.StateConnected || s.state == adapter.StateConnecting {
			return
		}
		s.attemptConnect()
	case cmdDisconnect:
		s.wantUp = false
		s.stopReconnectTimer()
		if s.state == adapter.StateDisconnected {
			return
		}
		s.transition(adapter.StateClosing)
		s.gate.SetConnected(false)
		if err := s.ad.Close(); err != nil {
			s.log.Warn("[%s] close: %v", s.cfg.LinkName, err)
		}
		s.transition(adapter.StateDisconnected)
	}
}

// attemptConnect opens the adapter and settles into Connected or schedules
// the next backoff step
func (s *Supervisor) attemptConnect() {
	if !s.wantUp {
		return
	}
	s.transition(adapter.StateConnecting)

	if err := s.ad.Open(); err != nil {
		s.log.Warn("[%s] connect attempt %d: %v", s.cfg.LinkName, s.attempts+1, err)
		s.logEvent(stats.LevelWarn, fmt.Sprintf("connect failed: %v", err))
		s.transition(adapter.StateError)
		s.scheduleReconnect()
		return
	}

	// Passive and connectionless links count as up once bound; dialed
	// links are up once Open returns
	if s.cfg.Passive && !s.ad.Connected() {
		// Listening but no client yet
		s.transition(adapter.StateDisconnected)
		return
	}

	s.settleConnected()
}

func (s *Supervisor) settleConnected() {
	s.attempts = 0
	s.stopReconnectTimer()
	s.transition(adapter.StateConnected)
	s.gate.SetConnected(true)
}

// scheduleReconnect arms the backoff timer, or gives up after the attempt
// budget
func (s *Supervisor) scheduleReconnect() {
	if !s.wantUp || !s.cfg.AutoReconnect || s.cfg.Passive {
		// a timed-out link with no redial settles Disconnected instead of
		// sitting in Timeout forever
		if s.state == adapter.StateTimeout {
			s.transition(adapter.StateDisconnected)
		}
		if s.wantUp && !s.cfg.Passive {
			s.logEvent(stats.LevelError, "reconnect disabled, link stays down")
		}
		return
	}

	if s.attempts >= s.cfg.MaxAttempts {
		s.log.Error("[%s] %v after %d attempts", s.cfg.LinkName, ErrExhausted, s.attempts)
		s.logEvent(stats.LevelError, fmt.Sprintf("gave up after %d attempts", s.attempts))
		s.wantUp = false
		if s.cfg.OnExhausted != nil {
			s.cfg.OnExhausted()
		}
		return
	}

	delay := s.cfg.BackoffBase << uint(s.attempts)
	if delay > s.cfg.BackoffMax || delay <= 0 {
		delay = s.cfg.BackoffMax
	}
	s.attempts++
	s.cfg.Stats.Reconnect()

	s.log.Info("[%s] reconnect attempt %d in %v", s.cfg.LinkName, s.attempts, delay)
	s.stopReconnectTimer()
	s.reconnectT.Reset(delay)
}

func (s *Supervisor) stopReconnectTimer() {
	if !s.reconnectT.Stop() {
		select {
		case <-s.reconnectT.C:
		default:
		}
	}
}

func (s *Supervisor) handleAdapterEvent(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventStateChanged:
		switch ev.State {
		case adapter.StateConnected:
			// Passive links report a client attaching
			if s.state != adapter.StateConnected {
				s.settleConnected()
			}
		case adapter.StateDisconnected, adapter.StateError:
			if s.state == adapter.StateClosing || s.state == adapter.StateDisconnected {
				return
			}
			s.gate.SetConnected(false)
			if ev.State == adapter.StateError {
				s.transition(adapter.StateError)
			} else {
				s.transition(adapter.StateDisconnected)
			}
			if s.cfg.Passive {
				// wait for the next client, nothing to redial
				return
			}
			_ = s.ad.Close()
			s.scheduleReconnect()
		}
	case adapter.EventError:
		s.logEvent(stats.LevelWarn, fmt.Sprintf("transport: %v", ev.Err))
	}
}

// maybeProbe sends a heartbeat when the link has been idle for at least
// one interval. A tcp-server with no clients is skipped outright.
func (s *Supervisor) maybeProbe() {
	if s.state != adapter.StateConnected || s.probing {
		return
	}
	if s.cfg.Passive && !s.ad.Connected() {
		return
	}
	if time.Since(s.cfg.Stats.LastActivity()) < s.cfg.HeartbeatInterval {
		return
	}

	s.probing = true
	hb := s.cfg.Heartbeat
	go func() {
		err := hb()
		select {
		case s.probeCh <- err:
		case <-s.stopCh:
		}
	}()
}

func (s *Supervisor) handleProbeResult(err error) {
	s.probing = false
	if err == nil || s.state != adapter.StateConnected {
		return
	}

	s.log.Warn("[%s] heartbeat failed: %v", s.cfg.LinkName, err)
	s.logEvent(stats.LevelWarn, fmt.Sprintf("heartbeat failed: %v", err))
	s.transition(adapter.StateTimeout)
	s.gate.SetConnected(false)
	_ = s.ad.Close()
	s.scheduleReconnect()
}

func (s *Supervisor) shutdown() {
	s.stopReconnectTimer()
	if s.state == adapter.StateDisconnected {
		return
	}
	s.transition(adapter.StateClosing)
	s.gate.SetConnected(false)
	_ = s.ad.Close()
	s.transition(adapter.StateDisconnected)
}

// transition moves the state machine, rejecting transitions outside the
// allowed table
func (s *Supervisor) transition(next adapter.LinkState) {
	if s.state == next {
		return
	}
	allowed := false
	for _, candidate := range validTransitions[s.state] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		s.log.Error("[%s] invalid transition %s -> %s", s.cfg.LinkName, s.state, next)
		return
	}

	old := s.state
	s.state = next
	s.log.Debug("[%s] %s -> %s", s.cfg.LinkName, old, next)
	s.logEvent(stats.LevelInfo, fmt.Sprintf("state %s -> %s", old, next))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(old, next)
	}
}

func (s *Supervisor) logEvent(level stats.Level, summary string) {
	if s.cfg.EventLog == nil {
		return
	}
	s.cfg.EventLog.Append(stats.Event{
		Timestamp: time.Now(),
		Link:      s.cfg.LinkName,
		Level:     level,
		Summary:   summary,
	})
}
