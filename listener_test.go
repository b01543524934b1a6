package drowsynet

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptCollector records accepted transports.
type acceptCollector struct {
	mu    sync.Mutex
	conns []net.Conn
	count atomic.Int32
}

func (a *acceptCollector) OnAccept(transport net.Conn) {
	a.mu.Lock()
	a.conns = append(a.conns, transport)
	a.mu.Unlock()
	a.count.Add(1)
}

func (a *acceptCollector) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		_ = c.Close()
	}
}

func newLoopbackListener(t *testing.T, acceptor Acceptor, opts ...ListenerOption) (*Listener, string) {
	t.Helper()
	l := NewListener(acceptor, opts...)
	require.True(t, l.Bind(context.Background(), "127.0.0.1", "0"))
	l.StartListening()
	t.Cleanup(func() { _ = l.Close() })

	addrs := l.Addrs()
	require.Len(t, addrs, 1)
	return l, addrs[0].String()
}

// TestListenerAcceptsEveryDial verifies OnAccept fires exactly once per dial.
func TestListenerAcceptsEveryDial(t *testing.T) {
	acc := &acceptCollector{}
	defer acc.closeAll()
	_, addr := newLoopbackListener(t, acc)

	const dials = 20
	var clients []net.Conn
	for i := 0; i < dials; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	require.Eventually(t, func() bool { return acc.count.Load() == dials }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(dials), acc.count.Load())
}

// TestListenerEndToEnd verifies an accepted transport wrapped in a Conn serves a client.
func TestListenerEndToEnd(t *testing.T) {
	var (
		mu    sync.Mutex
		conns []*Conn
	)
	_, addr := newLoopbackListener(t, AcceptFunc(func(transport net.Conn) {
		c := NewConn(transport, HandlerFuncs{
			Read: func(c *Conn, data []byte) { c.SendBytes(data) },
		}, framedConfig())
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		c.Setup()
	}))

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, WriteFrame(client, []byte("ping")))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := ReadFrame(client, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

// TestListenerBindWildcard verifies an empty host binds the wildcard
// addresses that are available on this machine.
func TestListenerBindWildcard(t *testing.T) {
	l := NewListener(&acceptCollector{})
	defer l.Close()

	require.True(t, l.Bind(context.Background(), "", "0"))
	addrs := l.Addrs()
	require.NotEmpty(t, addrs)
	require.LessOrEqual(t, len(addrs), 2)
	for _, a := range addrs {
		ap, err := netip.ParseAddrPort(a.String())
		require.NoError(t, err)
		assert.True(t, ap.Addr().IsUnspecified(), "%s is not a wildcard", a)
	}
}

// TestListenerBindFailures verifies resolution and bind failures return false.
func TestListenerBindFailures(t *testing.T) {
	l := NewListener(&acceptCollector{})
	defer l.Close()

	assert.False(t, l.Bind(context.Background(), "127.0.0.1", "no-such-service-xyz"))
	assert.False(t, l.Bind(context.Background(), "256.1.1.1.invalid.", "0"))
	assert.Empty(t, l.Addrs())

	// Binding the same port twice fails for the second endpoint.
	require.True(t, l.Bind(context.Background(), "127.0.0.1", "0"))
	taken, err := netip.ParseAddrPort(l.Addrs()[0].String())
	require.NoError(t, err)

	other := NewListener(&acceptCollector{})
	defer other.Close()
	assert.False(t, other.BindAddr(context.Background(), taken))
}

// TestListenerCloseStopsAccepting verifies Close ends the accept loops and
// later binds are refused.
func TestListenerCloseStopsAccepting(t *testing.T) {
	acc := &acceptCollector{}
	defer acc.closeAll()
	l := NewListener(acc)
	require.True(t, l.Bind(context.Background(), "127.0.0.1", "0"))
	l.StartListening()
	l.StartListening()
	addr := l.Addrs()[0].String()
	require.NoError(t, l.checkOpen())

	done := make(chan error, 1)
	go func() { done <- l.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.ErrorIs(t, l.checkOpen(), ErrListenerClosed)
	assert.False(t, l.Bind(context.Background(), "127.0.0.1", "0"))
	assert.False(t, l.BindAddr(context.Background(), netip.MustParseAddrPort("127.0.0.1:0")))
	assert.Empty(t, l.Addrs()[1:])
	assert.NoError(t, l.Close())
}

// TestListenerAccessList verifies denied peers are closed before OnAccept.
func TestListenerAccessList(t *testing.T) {
	acc := &acceptCollector{}
	defer acc.closeAll()
	_, addr := newLoopbackListener(t, acc, WithAccessList(&AccessListConfig{
		Mode:     AccessListModeDenylist,
		Prefixes: []string{"127.0.0.0/8"},
	}))

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err, "a denied peer sees its connection closed")
	assert.Equal(t, int32(0), acc.count.Load())
}

// TestListenerAcceptLimits verifies accepts beyond the per-address limit are refused.
func TestListenerAcceptLimits(t *testing.T) {
	acc := &acceptCollector{}
	defer acc.closeAll()
	_, addr := newLoopbackListener(t, acc, WithAcceptLimits(&AcceptLimitsConfig{
		MaxConnsPerMinute: 2,
	}))

	var clients []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		clients = append(clients, c)
		defer c.Close()
	}

	require.Eventually(t, func() bool { return acc.count.Load() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, clients[2].SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := clients[2].Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int32(2), acc.count.Load())
}

// TestListenerClosedExecutor verifies accepted transports are closed when
// the executor can no longer run the accept hook.
func TestListenerClosedExecutor(t *testing.T) {
	exec := NewExecutor(1)
	exec.Close()

	acc := &acceptCollector{}
	_, addr := newLoopbackListener(t, acc, WithExecutor(exec))

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, int32(0), acc.count.Load())
}

// TestNextAcceptBackoff verifies the backoff doubles up to its cap.
func TestNextAcceptBackoff(t *testing.T) {
	d := nextAcceptBackoff(0)
	assert.Equal(t, minAcceptBackoff, d)
	for i := 0; i < 20; i++ {
		d = nextAcceptBackoff(d)
	}
	assert.Equal(t, maxAcceptBackoff, d)
}

// TestPeerAddr verifies peer IP extraction from transports.
func TestPeerAddr(t *testing.T) {
	c := stubConn()
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), peerAddr(c))

	c.RemoteAddrFunc = func() net.Addr { return &net.UnixAddr{Name: "/tmp/sock", Net: "unix"} }
	assert.False(t, peerAddr(c).IsValid())
}
