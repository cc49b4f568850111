package adapter

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glueforge/commlink/pkg/config"
)

// collectEvents registers an event callback that forwards onto a channel
func collectEvents(a Adapter) <-chan Event {
	ch := make(chan Event, 64)
	a.SetEventFunc(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

// waitForBytes polls ReadAvailable until n bytes have arrived or the
// deadline passes
func waitForBytes(t *testing.T, a Adapter, n int) []byte {
	t.Helper()

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got = append(got, a.ReadAvailable()...)
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d bytes, got %d", n, len(got))
	return nil
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestLoopbackPair(t *testing.T) {
	a, b := NewLoopbackPair()

	require.NoError(t, a.Open())
	require.NoError(t, b.Open())
	assert.True(t, a.Connected())

	events := collectEvents(b)
	require.NoError(t, a.Write([]byte{0x01, 0x02, 0x03}))
	waitForEvent(t, events, EventBytesAvailable)

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, b.ReadAvailable())
	assert.Nil(t, b.ReadAvailable())

	st := a.Stats()
	assert.Equal(t, uint64(3), st.BytesSent)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Write([]byte{0xFF}), ErrNoPeer)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Write([]byte{0xFF}), ErrNotOpen)
	assert.NoError(t, a.Close())
}

func TestTCPClientServer(t *testing.T) {
	srv := NewTCPServer(config.TCPServerParams{BindAddress: "127.0.0.1", Port: 0, MaxClients: 2})
	require.NoError(t, srv.Open())
	defer srv.Close()

	addr := srv.Addr().(*net.TCPAddr)

	cli := NewTCPClient(config.TCPClientParams{Host: "127.0.0.1", Port: addr.Port})
	cliEvents := collectEvents(cli)
	require.NoError(t, cli.Open())
	defer cli.Close()

	waitForEvent(t, cliEvents, EventStateChanged)
	assert.True(t, cli.Connected())

	// client to server
	require.NoError(t, cli.Write([]byte("hello")))
	assert.Equal(t, []byte("hello"), waitForBytes(t, srv, 5))

	// server to client broadcast
	require.NoError(t, srv.Write([]byte("world")))
	assert.Equal(t, []byte("world"), waitForBytes(t, cli, 5))

	assert.Equal(t, 1, srv.ClientCount())
	assert.True(t, srv.Connected())
}

func TestTCPServerMaxClients(t *testing.T) {
	srv := NewTCPServer(config.TCPServerParams{BindAddress: "127.0.0.1", Port: 0, MaxClients: 1})
	require.NoError(t, srv.Open())
	defer srv.Close()

	addr := srv.Addr().String()

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	// Wait until the server has registered the first client
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, srv.ClientCount())

	// The second client is over the limit and gets disconnected
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	_, err = second.Read(one)
	assert.Error(t, err)
	assert.Equal(t, 1, srv.ClientCount())
}

func TestTCPClientConnectFailure(t *testing.T) {
	// Reserve a port, then close it so nothing is listening there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cli := NewTCPClient(config.TCPClientParams{
		Host:           "127.0.0.1",
		Port:           port,
		ConnectTimeout: 500 * time.Millisecond,
	})
	assert.Error(t, cli.Open())
	assert.False(t, cli.Connected())
}

func TestUDPAdapter(t *testing.T) {
	u := NewUDP(config.UDPParams{BindAddress: "127.0.0.1", Port: 0})
	require.NoError(t, u.Open())
	defer u.Close()

	assert.True(t, u.Connected())
	assert.ErrorIs(t, u.Write([]byte("x")), ErrNoPeer)

	peer, err := net.DialUDP("udp", nil, u.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), waitForBytes(t, u, 4))

	// Replies go back to the most recently seen peer
	require.NoError(t, u.Write([]byte("pong")))
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), buf[:n])
}

func TestAdapterStateEvents(t *testing.T) {
	srv := NewTCPServer(config.TCPServerParams{BindAddress: "127.0.0.1", Port: 0, MaxClients: 4})
	srvEvents := collectEvents(srv)
	require.NoError(t, srv.Open())
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)

	ev := waitForEvent(t, srvEvents, EventStateChanged)
	assert.Equal(t, StateConnected, ev.State)

	require.NoError(t, conn.Close())
	ev = waitForEvent(t, srvEvents, EventStateChanged)
	assert.Equal(t, StateDisconnected, ev.State)
	assert.False(t, srv.Connected())
}
