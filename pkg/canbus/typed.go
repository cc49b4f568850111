package canbus

import (
	"context"
	"sync"

	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
)

// Handler consumes one inbound CAN frame for a message group
type Handler func(f *frame.Frame)

// Dispatcher routes unsolicited CAN frames to per-category handlers. Wire
// its Dispatch method into the engine's unsolicited callback.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Category][]Handler
	fallback Handler
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Category][]Handler)}
}

// On registers a handler for one message group
func (d *Dispatcher) On(c Category, h Handler) {
	d.mu.Lock()
	d.handlers[c] = append(d.handlers[c], h)
	d.mu.Unlock()
}

// OnUnmatched registers a handler for frames no group handler takes
func (d *Dispatcher) OnUnmatched(h Handler) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// Dispatch routes one frame. Handlers run on the caller's goroutine and
// must not block.
func (d *Dispatcher) Dispatch(f *frame.Frame) {
	cat := CategoryOf(f.CANID)

	d.mu.RLock()
	handlers := d.handlers[cat]
	fallback := d.fallback
	d.mu.RUnlock()

	if len(handlers) == 0 {
		if fallback != nil {
			fallback(f)
		}
		return
	}
	for _, h := range handlers {
		h(f)
	}
}

// MatchCategory builds an engine matcher accepting any response in the
// given group from the given device
func MatchCategory(c Category, device uint8) engine.Matcher {
	return func(req, resp *frame.Frame) bool {
		return CategoryOf(resp.CANID) == c && DeviceOf(resp.CANID) == device
	}
}

// Sender provides typed transmit helpers over a CAN link's engine
type Sender struct {
	eng *engine.Engine
}

// NewSender wraps a transaction engine configured with a CAN codec
func NewSender(eng *engine.Engine) *Sender {
	return &Sender{eng: eng}
}

// send fires one frame without expecting a reply
func (s *Sender) send(c Category, device uint8, data []byte) error {
	id, err := ComposeID(c, device)
	if err != nil {
		return err
	}
	if len(data) > MaxData {
		return ErrDataTooLong
	}

	f := &frame.Frame{CANID: id, Payload: data}
	h, err := s.eng.Submit(f, engine.NoReply())
	if err != nil {
		return err
	}
	out := <-h.Done()
	return out.Err
}

// SendMotionControl sends a motion command to one axis controller
func (s *Sender) SendMotionControl(device uint8, data []byte) error {
	return s.send(CategoryMotion, device, data)
}

// SendGlueControl sends a dispense command to one valve controller
func (s *Sender) SendGlueControl(device uint8, data []byte) error {
	return s.send(CategoryGlue, device, data)
}

// SendParameterWrite sends a parameter update
func (s *Sender) SendParameterWrite(device uint8, data []byte) error {
	return s.send(CategoryParameter, device, data)
}

// SendHeartbeat announces liveness for one device address
func (s *Sender) SendHeartbeat(device uint8) error {
	return s.send(CategoryHeartbeat, device, nil)
}

// SendEmergencyStop halts a device immediately. Device 0 is the broadcast
// address.
func (s *Sender) SendEmergencyStop(device uint8) error {
	return s.send(CategoryEmergency, device, nil)
}

// Query sends a query frame and waits for a status response from the same
// device
func (s *Sender) Query(ctx context.Context, device uint8, data []byte) (*frame.Frame, error) {
	id, err := ComposeID(CategoryQuery, device)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxData {
		return nil, ErrDataTooLong
	}

	f := &frame.Frame{CANID: id, Payload: data}
	h, err := s.eng.Submit(f, engine.WithMatcher(MatchCategory(CategoryStatus, device)))
	if err != nil {
		return nil, err
	}

	select {
	case out := <-h.Done():
		if out.Kind != engine.OutcomeSuccess {
			return nil, out.Err
		}
		return out.Frame, nil
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}
