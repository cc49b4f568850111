package canbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		id   uint32
		want Category
	}{
		{0x100, CategoryMotion},
		{0x13F, CategoryMotion},
		{0x205, CategoryGlue},
		{0x301, CategoryStatus},
		{0x42A, CategoryParameter},
		{0x500, CategoryQuery},
		{0x611, CategoryAlarm},
		{0x77F, CategoryHeartbeat},
		{0x081, CategoryEmergency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryOf(tt.id), "id 0x%03X", tt.id)
	}
}

func TestComposeID(t *testing.T) {
	id, err := ComposeID(CategoryGlue, 0x05)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x205), id)
	assert.Equal(t, uint8(0x05), DeviceOf(id))

	_, err = ComposeID(CategoryGlue, 0x80)
	assert.ErrorIs(t, err, ErrBadID)
}

func TestFilterSet(t *testing.T) {
	s := NewFilterSet()
	assert.True(t, s.Accepts(0x42)) // empty set accepts all

	s.Add(Filter{ID: 0x100, Mask: 0xFF00})
	assert.True(t, s.Accepts(0x100))
	assert.True(t, s.Accepts(0x1A0))
	assert.False(t, s.Accepts(0x200))

	s.Add(Filter{ID: 0x100, Mask: 0xFF00}) // duplicate ignored
	assert.Len(t, s.List(), 1)

	s.Remove(Filter{ID: 0x100, Mask: 0xFF00})
	assert.True(t, s.Accepts(0x200))
}

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(nil)

	wire, err := c.Encode(&frame.Frame{CANID: 0x205, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Len(t, wire, 16)

	c.Feed(wire)
	f, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x205), f.CANID)
	assert.False(t, f.Extended)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)

	_, err = c.Next()
	assert.ErrorIs(t, err, frame.ErrNeedMore)
}

func TestCodecExtendedID(t *testing.T) {
	c := NewCodec(nil)

	wire, err := c.Encode(&frame.Frame{CANID: 0x1ABCDE, Extended: true, Payload: []byte{9}})
	require.NoError(t, err)

	c.Feed(wire)
	f, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1ABCDE), f.CANID)
	assert.True(t, f.Extended)

	// a standard-frame id above 11 bits is rejected
	_, err = c.Encode(&frame.Frame{CANID: 0x800})
	assert.ErrorIs(t, err, ErrBadID)
}

func TestCodecRejectsLongPayload(t *testing.T) {
	c := NewCodec(nil)
	_, err := c.Encode(&frame.Frame{CANID: 0x100, Payload: make([]byte, 9)})
	assert.ErrorIs(t, err, ErrDataTooLong)
}

func TestCodecFilterDrops(t *testing.T) {
	filters := NewFilterSet()
	filters.Add(Filter{ID: 0x100, Mask: 0xFF00})
	c := NewCodec(filters)

	for _, id := range []uint32{0x100, 0x200, 0x1A0} {
		wire, err := c.Encode(&frame.Frame{CANID: id})
		require.NoError(t, err)
		c.Feed(wire)
	}

	var got []uint32
	for {
		f, err := c.Next()
		if errors.Is(err, frame.ErrNeedMore) {
			break
		}
		require.NoError(t, err)
		got = append(got, f.CANID)
	}
	assert.Equal(t, []uint32{0x100, 0x1A0}, got)
	assert.Equal(t, uint64(1), c.Dropped())
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var alarms, other []uint32
	d.On(CategoryAlarm, func(f *frame.Frame) {
		mu.Lock()
		alarms = append(alarms, f.CANID)
		mu.Unlock()
	})
	d.OnUnmatched(func(f *frame.Frame) {
		mu.Lock()
		other = append(other, f.CANID)
		mu.Unlock()
	})

	d.Dispatch(&frame.Frame{CANID: 0x611})
	d.Dispatch(&frame.Frame{CANID: 0x205})

	assert.Equal(t, []uint32{0x611}, alarms)
	assert.Equal(t, []uint32{0x205}, other)
}

// newCANEngine wires an engine with a CAN codec over a loopback pair; the
// peer side gets its own codec for crafting traffic
func newCANEngine(t *testing.T, cfg engine.Config) (*engine.Engine, adapter.Adapter, *Codec) {
	t.Helper()

	a, b := adapter.NewLoopbackPair()
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	eng := engine.New(a, NewCodec(nil), cfg)
	a.SetEventFunc(func(ev adapter.Event) {
		if ev.Kind == adapter.EventBytesAvailable {
			eng.NotifyBytes()
		}
	})
	eng.Start()
	eng.SetConnected(true)

	t.Cleanup(func() {
		eng.Stop()
		_ = a.Close()
		_ = b.Close()
	})
	return eng, b, NewCodec(nil)
}

func TestSenderQuery(t *testing.T) {
	eng, peer, peerCodec := newCANEngine(t, engine.Config{
		LinkName:       "can-test",
		DefaultTimeout: time.Second,
	})

	// peer answers query 0x505 with status 0x305
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			peerCodec.Feed(peer.ReadAvailable())
			f, err := peerCodec.Next()
			if err != nil {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			if CategoryOf(f.CANID) == CategoryQuery {
				id, _ := ComposeID(CategoryStatus, DeviceOf(f.CANID))
				wire, _ := peerCodec.Encode(&frame.Frame{CANID: id, Payload: []byte{0x4F}})
				_ = peer.Write(wire)
				return
			}
		}
	}()

	sender := NewSender(eng)
	resp, err := sender.Query(context.Background(), 0x05, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, CategoryStatus, CategoryOf(resp.CANID))
	assert.Equal(t, uint8(0x05), DeviceOf(resp.CANID))
}

func TestSenderEmergencyStop(t *testing.T) {
	eng, peer, peerCodec := newCANEngine(t, engine.Config{LinkName: "can-test"})

	sender := NewSender(eng)
	require.NoError(t, sender.SendEmergencyStop(0))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		peerCodec.Feed(peer.ReadAvailable())
		f, err := peerCodec.Next()
		if err == nil {
			assert.Equal(t, CategoryEmergency, CategoryOf(f.CANID))
			assert.Equal(t, uint8(0), DeviceOf(f.CANID))
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("emergency frame never arrived")
}
