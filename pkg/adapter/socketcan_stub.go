//go:build !linux

package adapter

import (
	"fmt"

	"github.com/glueforge/commlink/pkg/config"
)

// SocketCAN is only available on linux; the stub fails at Open so link
// construction still succeeds and the error surfaces through the supervisor.
type SocketCAN struct {
	params config.CANParams
	events eventSink
	stats  transportCounters
}

func NewSocketCAN(params config.CANParams) *SocketCAN {
	return &SocketCAN{params: params}
}

func (s *SocketCAN) SetEventFunc(fn EventFunc) { s.events.set(fn) }

func (s *SocketCAN) Open() error {
	return fmt.Errorf("socketcan: %w on this platform", ErrUnsupported)
}

func (s *SocketCAN) Write(p []byte) error { return ErrNotOpen }

func (s *SocketCAN) SetFilters(filters []config.CANFilter) error { return ErrNotOpen }

func (s *SocketCAN) ReadAvailable() []byte { return nil }

func (s *SocketCAN) Connected() bool { return false }

func (s *SocketCAN) Close() error { return nil }

func (s *SocketCAN) Stats() TransportStats { return s.stats.snapshot() }
