// Package registry is the process-wide collection of named links and the
// entry point consumers use: link lifecycle, request routing, broadcast,
// inbound fan-out to subscribers, and aggregate statistics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glueforge/commlink/internal/logger"
	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/canbus"
	"github.com/glueforge/commlink/pkg/config"
	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
	"github.com/glueforge/commlink/pkg/modbus"
	"github.com/glueforge/commlink/pkg/stats"
	"github.com/glueforge/commlink/pkg/supervisor"
)

// Errors
var (
	ErrDuplicateName = errors.New("link name already registered")
	ErrUnknownLink   = errors.New("unknown link")
	ErrNotModbus     = errors.New("link is not a modbus link")
	ErrNotCAN        = errors.New("link is not a can link")
	ErrClosed        = errors.New("registry is closed")
)

// link bundles everything belonging to one named connection
type link struct {
	name  string
	cfg   config.LinkConfig
	ad    adapter.Adapter
	eng   *engine.Engine
	sup   *supervisor.Supervisor
	stats *stats.Statistics

	// kind-specific extras
	mb         *modbus.Client
	canFilters *canbus.FilterSet
	canSender  *canbus.Sender
}

// Registry owns every configured link
type Registry struct {
	defaults config.Defaults
	log      logger.Logger
	eventLog *stats.Log

	mu     sync.RWMutex
	links  map[string]*link
	closed bool

	dispatch *dispatcher
}

// Option configures the registry
type Option func(*Registry)

// WithLogger sets the registry logger; the default is silent
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithDefaults replaces the built-in global defaults
func WithDefaults(d config.Defaults) Option {
	return func(r *Registry) { r.defaults = d }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		defaults: config.DefaultDefaults(),
		log:      &logger.NoOpLogger{},
		links:    make(map[string]*link),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.eventLog = stats.NewLog(r.defaults.MaxLogEntries)
	r.dispatch = newDispatcher()
	return r
}

// AddLink validates the config and builds the adapter, codec, engine and
// supervisor for a new named link. The link starts Disconnected.
func (r *Registry) AddLink(name string, cfg config.LinkConfig) error {
	if name == "" {
		return fmt.Errorf("%w: empty link name", config.ErrInvalidConfig)
	}
	r.defaults.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.links[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	l, err := r.buildLink(name, cfg)
	if err != nil {
		return err
	}
	r.links[name] = l

	l.eng.Start()
	l.sup.Start()
	r.log.Info("link %q added (%s)", name, cfg.Kind)
	return nil
}

// RemoveLink fails the link's pending transactions, closes it and
// destroys its state
func (r *Registry) RemoveLink(name string) error {
	r.mu.Lock()
	l, ok := r.links[name]
	if ok {
		delete(r.links, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLink, name)
	}

	l.eng.FailAll(engine.OutcomeLinkClosed, engine.ErrLinkClosed)
	l.sup.Stop()
	l.eng.Stop()
	_ = l.ad.Close()
	r.dispatch.dropLink(name)
	r.log.Info("link %q removed", name)
	return nil
}

func (r *Registry) lookup(name string) (*link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLink, name)
	}
	return l, nil
}

// Connect asks the link's supervisor to bring it up. Idempotent.
func (r *Registry) Connect(name string) error {
	l, err := r.lookup(name)
	if err != nil {
		return err
	}
	return l.sup.Connect()
}

// Disconnect brings the link down. Pending transactions complete with
// OutcomeLinkClosed. Idempotent.
func (r *Registry) Disconnect(name string) error {
	l, err := r.lookup(name)
	if err != nil {
		return err
	}
	l.eng.FailAll(engine.OutcomeLinkClosed, engine.ErrLinkClosed)
	return l.sup.Disconnect()
}

// DisconnectAll brings every link down. Idempotent.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	all := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		all = append(all, l)
	}
	r.mu.RUnlock()

	for _, l := range all {
		l.eng.FailAll(engine.OutcomeLinkClosed, engine.ErrLinkClosed)
		_ = l.sup.Disconnect()
	}
}

// State returns the link's lifecycle state
func (r *Registry) State(name string) (adapter.LinkState, error) {
	l, err := r.lookup(name)
	if err != nil {
		return adapter.StateDisconnected, err
	}
	return l.sup.State(), nil
}

// Send submits a frame on the named link and returns its transaction
// handle
func (r *Registry) Send(name string, f *frame.Frame, opts ...engine.SubmitOption) (*engine.Handle, error) {
	l, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return l.eng.Submit(f, opts...)
}

// SendSync submits a frame and blocks until its outcome or ctx expiry
func (r *Registry) SendSync(ctx context.Context, name string, f *frame.Frame, opts ...engine.SubmitOption) (*frame.Frame, error) {
	h, err := r.Send(name, f, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-h.Done():
		if out.Kind != engine.OutcomeSuccess {
			return nil, fmt.Errorf("send on %q: %w", name, out.Err)
		}
		return out.Frame, nil
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}

// BroadcastResult is the per-link outcome of a broadcast submission
type BroadcastResult struct {
	Handle *engine.Handle
	Err    error
}

// Broadcast submits a copy of f on every Connected link and returns the
// per-link handles; disconnected links are skipped
func (r *Registry) Broadcast(f *frame.Frame, opts ...engine.SubmitOption) map[string]BroadcastResult {
	r.mu.RLock()
	targets := make(map[string]*link, len(r.links))
	for name, l := range r.links {
		targets[name] = l
	}
	r.mu.RUnlock()

	results := make(map[string]BroadcastResult, len(targets))
	for name, l := range targets {
		if l.sup.State() != adapter.StateConnected {
			continue
		}
		h, err := l.eng.Submit(f.Clone(), opts...)
		results[name] = BroadcastResult{Handle: h, Err: err}
	}
	return results
}

// Statistics returns a snapshot of the link's counters
func (r *Registry) Statistics(name string) (stats.LinkStatistics, error) {
	l, err := r.lookup(name)
	if err != nil {
		return stats.LinkStatistics{}, err
	}
	return l.stats.Snapshot(), nil
}

// ResetStatistics zeroes the link's counters
func (r *Registry) ResetStatistics(name string) error {
	l, err := r.lookup(name)
	if err != nil {
		return err
	}
	l.stats.Reset()
	return nil
}

// TotalStatistics sums the counters of every link
func (r *Registry) TotalStatistics() stats.LinkStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total stats.LinkStatistics
	for _, l := range r.links {
		snap := l.stats.Snapshot()
		total.Add(snap)
	}
	return total
}

// snapshotAll supports the Prometheus collector
func (r *Registry) snapshotAll() map[string]stats.LinkStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]stats.LinkStatistics, len(r.links))
	for name, l := range r.links {
		out[name] = l.stats.Snapshot()
	}
	return out
}

// Collector returns a Prometheus collector over all links' counters
func (r *Registry) Collector() prometheus.Collector {
	return stats.NewCollector(r.snapshotAll)
}

// EventLog exposes the shared bounded communication log
func (r *Registry) EventLog() *stats.Log {
	return r.eventLog
}

// Links returns the configured link names
func (r *Registry) Links() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.links))
	for name := range r.links {
		names = append(names, name)
	}
	return names
}

// Modbus returns the typed Modbus client of a modbus-kind link
func (r *Registry) Modbus(name string) (*modbus.Client, error) {
	l, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if l.mb == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotModbus, name)
	}
	return l.mb, nil
}

// CAN returns the typed CAN sender of a can-kind link
func (r *Registry) CAN(name string) (*canbus.Sender, error) {
	l, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if l.canSender == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotCAN, name)
	}
	return l.canSender, nil
}

// SendCanFrame transmits one raw CAN frame on a can-kind link
func (r *Registry) SendCanFrame(name string, id uint32, data []byte, extended bool) error {
	l, err := r.lookup(name)
	if err != nil {
		return err
	}
	if l.canSender == nil {
		return fmt.Errorf("%w: %q", ErrNotCAN, name)
	}

	h, err := l.eng.Submit(&frame.Frame{CANID: id, Extended: extended, Payload: data}, engine.NoReply())
	if err != nil {
		return err
	}
	out := <-h.Done()
	return out.Err
}

// AddFilter installs an app-level acceptance filter on a can-kind link
func (r *Registry) AddFilter(name string, id, mask uint32) error {
	fs, err := r.canFilterSet(name)
	if err != nil {
		return err
	}
	fs.Add(canbus.Filter{ID: id, Mask: mask})
	return nil
}

// RemoveFilter removes a previously installed filter
func (r *Registry) RemoveFilter(name string, id, mask uint32) error {
	fs, err := r.canFilterSet(name)
	if err != nil {
		return err
	}
	fs.Remove(canbus.Filter{ID: id, Mask: mask})
	return nil
}

// ClearFilters returns a can-kind link to accept-all
func (r *Registry) ClearFilters(name string) error {
	fs, err := r.canFilterSet(name)
	if err != nil {
		return err
	}
	fs.Clear()
	return nil
}

func (r *Registry) canFilterSet(name string) (*canbus.FilterSet, error) {
	l, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if l.canFilters == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotCAN, name)
	}
	return l.canFilters, nil
}

// Close disconnects and removes every link and stops the dispatcher
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := r.links
	r.links = make(map[string]*link)
	r.mu.Unlock()

	for name, l := range all {
		l.eng.FailAll(engine.OutcomeLinkClosed, engine.ErrLinkClosed)
		l.sup.Stop()
		l.eng.Stop()
		_ = l.ad.Close()
		r.log.Debug("link %q closed", name)
	}
	r.dispatch.stop()
}
