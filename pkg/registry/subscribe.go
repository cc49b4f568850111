package registry

import (
	"sync"
	"sync/atomic"

	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/frame"
)

// NotifyKind classifies registry notifications
type NotifyKind int

const (
	// NotifyFrame carries an unsolicited inbound frame
	NotifyFrame NotifyKind = iota
	// NotifyState carries a link state transition
	NotifyState
	// NotifyError carries a transport error
	NotifyError
	// NotifyFrameSent mirrors every frame written to the wire
	NotifyFrameSent
	// NotifyFrameReceived mirrors every frame decoded off the wire,
	// solicited or not
	NotifyFrameReceived
	// NotifyReconnectExhausted signals that the reconnect attempt budget
	// is spent and the link stays down until the next Connect
	NotifyReconnectExhausted
)

// Notification is one event delivered to link subscribers
type Notification struct {
	Link string
	Kind NotifyKind

	Frame    *frame.Frame      // NotifyFrame, NotifyFrameSent, NotifyFrameReceived
	OldState adapter.LinkState // NotifyState
	State    adapter.LinkState // NotifyState
	Err      error             // NotifyError
}

// Subscription is one sink attached to a link. Delivery is best-effort: a
// full channel drops the notification and bumps the drop counter instead
// of blocking the dispatcher.
type Subscription struct {
	C <-chan Notification

	link    string
	ch      chan Notification
	dropped atomic.Uint64
	cancel  func()
}

// Dropped returns the count of notifications this sink missed
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the sink and closes its channel
func (s *Subscription) Close() {
	s.cancel()
}

// dispatcher fans notifications out to subscribers from its own goroutine,
// keeping sink work off the per-link I/O goroutines
type dispatcher struct {
	in     chan Notification
	lost   atomic.Uint64
	stopCh chan struct{}
	doneCh chan struct{}

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		in:     make(chan Notification, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		subs:   make(map[*Subscription]struct{}),
	}
	go d.run()
	return d
}

// publish enqueues a notification; it never blocks the caller
func (d *dispatcher) publish(n Notification) {
	select {
	case d.in <- n:
	default:
		d.lost.Add(1)
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case n := <-d.in:
			d.deliver(n)
		case <-d.stopCh:
			return
		}
	}
}

func (d *dispatcher) deliver(n Notification) {
	d.mu.Lock()
	targets := make([]*Subscription, 0, len(d.subs))
	for s := range d.subs {
		if s.link == "" || s.link == n.Link {
			targets = append(targets, s)
		}
	}
	d.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- n:
		default:
			s.dropped.Add(1)
		}
	}
}

func (d *dispatcher) add(s *Subscription) {
	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()
}

func (d *dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	_, present := d.subs[s]
	delete(d.subs, s)
	d.mu.Unlock()
	if present {
		close(s.ch)
	}
}

// dropLink detaches every sink bound to one link
func (d *dispatcher) dropLink(link string) {
	d.mu.Lock()
	var victims []*Subscription
	for s := range d.subs {
		if s.link == link {
			victims = append(victims, s)
			delete(d.subs, s)
		}
	}
	d.mu.Unlock()
	for _, s := range victims {
		close(s.ch)
	}
}

func (d *dispatcher) stop() {
	select {
	case <-d.stopCh:
		return
	default:
	}
	close(d.stopCh)
	<-d.doneCh

	d.mu.Lock()
	for s := range d.subs {
		delete(d.subs, s)
		close(s.ch)
	}
	d.mu.Unlock()
}

// Subscribe attaches a sink to one link's notifications. buffer <= 0
// selects a default channel depth.
func (r *Registry) Subscribe(name string, buffer int) (*Subscription, error) {
	if _, err := r.lookup(name); err != nil {
		return nil, err
	}
	return r.subscribe(name, buffer), nil
}

// SubscribeAll attaches a sink to every link's notifications
func (r *Registry) SubscribeAll(buffer int) *Subscription {
	return r.subscribe("", buffer)
}

func (r *Registry) subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	s := &Subscription{C: ch, ch: ch, link: name}

	var once sync.Once
	s.cancel = func() {
		once.Do(func() { r.dispatch.remove(s) })
	}
	r.dispatch.add(s)
	return s
}
