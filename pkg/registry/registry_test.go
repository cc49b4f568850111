package registry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/checksum"
	"github.com/glueforge/commlink/pkg/config"
	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
)

// echoServer is a TCP device simulator speaking the native framed
// protocol: every request gets its response command echoed back
type echoServer struct {
	listener net.Listener

	mu    sync.Mutex
	conns []net.Conn
	stop  chan struct{}
	wg    sync.WaitGroup
}

func startEchoServer(t *testing.T) *echoServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &echoServer{listener: l, stop: make(chan struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *echoServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *echoServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *echoServer) serve(conn net.Conn) {
	defer s.wg.Done()
	codec := frame.NewCodec(checksum.KindCRC16Modbus, false)
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			codec.Feed(buf[:n])
			for {
				f, derr := codec.Next()
				if derr != nil || f == nil {
					break
				}
				raw, eerr := codec.Encode(frame.New(f.Command.Response(), f.Payload))
				if eerr == nil {
					_, _ = conn.Write(raw)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// push injects one unsolicited frame into every connection
func (s *echoServer) push(f *frame.Frame) {
	codec := frame.NewCodec(checksum.KindCRC16Modbus, false)
	raw, err := codec.Encode(f)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_, _ = conn.Write(raw)
	}
}

func (s *echoServer) close() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	_ = s.listener.Close()
	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func tcpClientConfig(port int) config.LinkConfig {
	return config.LinkConfig{
		Kind:      config.TransportTCPClient,
		TCPClient: &config.TCPClientParams{Host: "127.0.0.1", Port: port},
		Checksum:  checksum.KindCRC16Modbus,
		Timeout:   500 * time.Millisecond,
	}
}

func waitForLinkState(t *testing.T, r *Registry, name string, want adapter.LinkState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, err := r.State(name)
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := r.State(name)
	t.Fatalf("link %q never reached %s, stuck at %s", name, want, state)
}

func TestRegistryAddLinkValidation(t *testing.T) {
	r := New()
	defer r.Close()

	err := r.AddLink("bad", config.LinkConfig{Kind: config.TransportTCPClient})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	require.NoError(t, r.AddLink("dev", tcpClientConfig(50000)))
	err = r.AddLink("dev", tcpClientConfig(50001))
	assert.ErrorIs(t, err, ErrDuplicateName)

	assert.ElementsMatch(t, []string{"dev"}, r.Links())
}

func TestRegistryUnknownLink(t *testing.T) {
	r := New()
	defer r.Close()

	assert.ErrorIs(t, r.Connect("nope"), ErrUnknownLink)
	assert.ErrorIs(t, r.RemoveLink("nope"), ErrUnknownLink)
	_, err := r.Statistics("nope")
	assert.ErrorIs(t, err, ErrUnknownLink)
}

func TestRegistrySendSyncRoundTrip(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(srv.port())))
	require.NoError(t, r.Connect("dev"))
	waitForLinkState(t, r, "dev", adapter.StateConnected)

	resp, err := r.SendSync(context.Background(), "dev", frame.New(frame.CmdDeviceStatus, []byte{0x01}))
	require.NoError(t, err)
	assert.Equal(t, frame.CmdDeviceStatus.Response(), resp.Command)
	assert.Equal(t, []byte{0x01}, resp.Payload)

	snap, err := r.Statistics("dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.FramesSent)
	assert.Equal(t, uint64(1), snap.FramesReceived)

	require.NoError(t, r.ResetStatistics("dev"))
	snap, err = r.Statistics("dev")
	require.NoError(t, err)
	assert.Zero(t, snap.FramesSent)
}

func TestRegistrySubscribe(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(srv.port())))
	sub, err := r.Subscribe("dev", 32)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Connect("dev"))
	waitForLinkState(t, r, "dev", adapter.StateConnected)

	// state transitions arrive in order
	var states []adapter.LinkState
	deadline := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case n := <-sub.C:
			if n.Kind == NotifyState {
				states = append(states, n.State)
			}
		case <-deadline:
			t.Fatalf("state notifications missing, got %v", states)
		}
	}
	assert.Equal(t, []adapter.LinkState{adapter.StateConnecting, adapter.StateConnected}, states[:2])

	// unsolicited frames fan out to subscribers
	srv.push(frame.New(frame.CmdReadSensorData, []byte{0x42}))
	for {
		select {
		case n := <-sub.C:
			if n.Kind != NotifyFrame {
				continue
			}
			assert.Equal(t, frame.CmdReadSensorData, n.Frame.Command)
			assert.Equal(t, []byte{0x42}, n.Frame.Payload)
			return
		case <-time.After(2 * time.Second):
			t.Fatal("unsolicited frame never delivered")
		}
	}
}

func TestRegistryBroadcast(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("a", tcpClientConfig(srv.port())))
	require.NoError(t, r.AddLink("b", tcpClientConfig(srv.port())))
	require.NoError(t, r.AddLink("down", tcpClientConfig(srv.port())))

	require.NoError(t, r.Connect("a"))
	require.NoError(t, r.Connect("b"))
	waitForLinkState(t, r, "a", adapter.StateConnected)
	waitForLinkState(t, r, "b", adapter.StateConnected)

	results := r.Broadcast(frame.New(frame.CmdHeartbeat, nil))
	require.Len(t, results, 2) // disconnected link skipped

	for name, res := range results {
		require.NoError(t, res.Err, name)
		out, ok := res.Handle.Wait(2 * time.Second)
		require.True(t, ok, name)
		assert.Equal(t, engine.OutcomeSuccess, out.Kind, name)
	}

	total := r.TotalStatistics()
	assert.GreaterOrEqual(t, total.FramesSent, uint64(2))
}

func TestRegistryRemoveLink(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(srv.port())))
	require.NoError(t, r.Connect("dev"))
	waitForLinkState(t, r, "dev", adapter.StateConnected)

	require.NoError(t, r.RemoveLink("dev"))
	assert.Empty(t, r.Links())
	assert.ErrorIs(t, r.Connect("dev"), ErrUnknownLink)
}

func TestRegistryDisconnectAll(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("a", tcpClientConfig(srv.port())))
	require.NoError(t, r.AddLink("b", tcpClientConfig(srv.port())))
	require.NoError(t, r.Connect("a"))
	require.NoError(t, r.Connect("b"))
	waitForLinkState(t, r, "a", adapter.StateConnected)
	waitForLinkState(t, r, "b", adapter.StateConnected)

	r.DisconnectAll()
	waitForLinkState(t, r, "a", adapter.StateDisconnected)
	waitForLinkState(t, r, "b", adapter.StateDisconnected)

	// idempotent
	r.DisconnectAll()
}

func TestRegistrySendWhileDisconnected(t *testing.T) {
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(50002)))

	h, err := r.Send("dev", frame.New(frame.CmdDeviceStatus, nil))
	require.NoError(t, err)
	out, ok := h.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeNotConnected, out.Kind)
	assert.ErrorIs(t, out.Err, engine.ErrNotConnected)
}

func TestRegistryDisconnectFailsPending(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(srv.port())))
	require.NoError(t, r.Connect("dev"))
	waitForLinkState(t, r, "dev", adapter.StateConnected)

	// a matcher that never matches keeps the transaction pending until
	// the link comes down
	h, err := r.Send("dev", frame.New(frame.CmdDeviceStatus, nil),
		engine.WithTimeout(5*time.Second),
		engine.WithMatcher(func(req, resp *frame.Frame) bool { return false }))
	require.NoError(t, err)

	require.NoError(t, r.Disconnect("dev"))
	out, ok := h.Wait(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeLinkClosed, out.Kind)
	assert.ErrorIs(t, out.Err, engine.ErrLinkClosed)
}

func TestRegistryFrameTrafficNotifications(t *testing.T) {
	srv := startEchoServer(t)
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(srv.port())))
	sub, err := r.Subscribe("dev", 32)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Connect("dev"))
	waitForLinkState(t, r, "dev", adapter.StateConnected)

	_, err = r.SendSync(context.Background(), "dev", frame.New(frame.CmdDeviceStatus, []byte{0x07}))
	require.NoError(t, err)

	var sent, received *frame.Frame
	deadline := time.After(2 * time.Second)
	for sent == nil || received == nil {
		select {
		case n := <-sub.C:
			switch n.Kind {
			case NotifyFrameSent:
				sent = n.Frame
			case NotifyFrameReceived:
				received = n.Frame
			}
		case <-deadline:
			t.Fatalf("traffic notifications missing, sent=%v received=%v", sent, received)
		}
	}
	assert.Equal(t, frame.CmdDeviceStatus, sent.Command)
	assert.Equal(t, frame.CmdDeviceStatus.Response(), received.Command)
}

func TestRegistryReconnectExhaustedNotification(t *testing.T) {
	// grab a port with nothing listening on it
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	d := config.DefaultDefaults()
	d.ReconnectBackoffBase = 10 * time.Millisecond
	d.ReconnectMaxDelay = 20 * time.Millisecond
	d.MaxReconnectAttempts = 1

	r := New(WithDefaults(d))
	defer r.Close()

	cfg := tcpClientConfig(port)
	cfg.AutoReconnect = true
	require.NoError(t, r.AddLink("dev", cfg))

	sub := r.SubscribeAll(32)
	defer sub.Close()

	require.NoError(t, r.Connect("dev"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.C:
			if n.Kind == NotifyReconnectExhausted {
				assert.Equal(t, "dev", n.Link)
				return
			}
		case <-deadline:
			t.Fatal("exhaustion notification never delivered")
		}
	}
}

func TestRegistrySubInterfaceGuards(t *testing.T) {
	r := New()
	defer r.Close()

	require.NoError(t, r.AddLink("dev", tcpClientConfig(50003)))

	_, err := r.Modbus("dev")
	assert.ErrorIs(t, err, ErrNotModbus)
	_, err = r.CAN("dev")
	assert.ErrorIs(t, err, ErrNotCAN)
	assert.ErrorIs(t, r.AddFilter("dev", 0x100, 0xFF00), ErrNotCAN)
}

func TestRegistryModbusLink(t *testing.T) {
	r := New()
	defer r.Close()

	cfg := config.LinkConfig{
		Kind: config.TransportModbusTCP,
		ModbusTCP: &config.ModbusTCPParams{
			Host:    "127.0.0.1",
			Port:    50004,
			SlaveID: 1,
		},
		Checksum: checksum.KindCRC16Modbus,
	}
	require.NoError(t, r.AddLink("plc", cfg))

	client, err := r.Modbus("plc")
	require.NoError(t, err)
	require.NotNil(t, client)

	// not connected: the typed call surfaces the engine rejection
	_, err = client.ReadHoldingRegisters(context.Background(), 0, 1)
	assert.ErrorIs(t, err, engine.ErrNotConnected)
}

func TestRegistryPrometheusCollector(t *testing.T) {
	r := New()
	defer r.Close()
	require.NoError(t, r.AddLink("dev", tcpClientConfig(50005)))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(r.Collector()))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
