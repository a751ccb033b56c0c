package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jnse/tuxnet/pkg/netaddr"
)

func anyLoopback() []netaddr.Endpoint {
	return []netaddr.Endpoint{netaddr.NewEndpoint(netaddr.NewIP4Address(127, 0, 0, 1), 0)}
}

// startServer builds a server, listens, and runs Poll in the background.
// Poll is shut down and checked at cleanup.
func startServer(t *testing.T, h Handler, endpoints []netaddr.Endpoint) *Server {
	t.Helper()

	srv, err := New(&Config{Logger: testLogger(), Handler: h})
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background(), endpoints, netaddr.TCP))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Poll(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Poll did not return after cancellation")
		}
	})
	return srv
}

func TestTuxnet_Server_New_RequiresLogger(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	require.Error(t, err)
}

func TestTuxnet_Server_New_DefaultsOptionalFields(t *testing.T) {
	t.Parallel()

	cfg := &Config{Logger: testLogger()}
	_, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Handler)
	require.NotNil(t, cfg.Tunables)
}

func TestTuxnet_Server_Listen_RejectsIPv6(t *testing.T) {
	t.Parallel()

	srv, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	ep, err := netaddr.ParseEndpoint("[::1]:8080")
	require.NoError(t, err)

	err = srv.Listen(context.Background(), []netaddr.Endpoint{ep}, netaddr.TCP)
	require.ErrorIs(t, err, netaddr.ErrUnsupportedFamily)
	require.Zero(t, srv.NumClients())
	require.Empty(t, srv.BoundEndpoints())
}

func TestTuxnet_Server_Listen_RejectsUDP(t *testing.T) {
	t.Parallel()

	srv, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	err = srv.Listen(context.Background(), anyLoopback(), netaddr.UDP)
	require.ErrorIs(t, err, ErrUnsupportedTransport)
	require.Empty(t, srv.BoundEndpoints())
}

func TestTuxnet_Server_Listen_KeepsEarlierListenersOnFailure(t *testing.T) {
	t.Parallel()

	srv, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)
	defer srv.Close()

	v6, err := netaddr.ParseEndpoint("[::1]:0")
	require.NoError(t, err)
	endpoints := append(anyLoopback(), v6)

	err = srv.Listen(context.Background(), endpoints, netaddr.TCP)
	require.ErrorIs(t, err, netaddr.ErrUnsupportedFamily)
	require.Len(t, srv.BoundEndpoints(), 1)
}

type pingPongHandler struct {
	NopHandler
	disconnects atomic.Int32
}

func (h *pingPongHandler) OnReceive(p *Peer) {
	if p.ReadLine() == "PING" {
		p.WriteString("PONG\n")
		p.Disconnect()
	}
}

func (h *pingPongHandler) OnDisconnect(*Peer) { h.disconnects.Add(1) }

func TestTuxnet_Server_AcceptAndEcho(t *testing.T) {
	t.Parallel()

	h := &pingPongHandler{}
	srv := startServer(t, h, anyLoopback())

	eps := srv.BoundEndpoints()
	require.Len(t, eps, 1)

	conn, err := net.Dial("tcp", eps[0].String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("PING\n"))
	require.NoError(t, err)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "PONG\n", string(reply))

	require.Eventually(t, func() bool {
		return h.disconnects.Load() == 1 && srv.NumClients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type httpHandler struct {
	NopHandler
	requestLine atomic.Value
}

func (h *httpHandler) OnReceive(p *Peer) {
	line := p.ReadLine()
	if line == "" {
		return
	}
	h.requestLine.Store(line)
	// Drain the rest of the request so teardown sends a clean FIN.
	p.ReadAll()
	p.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 6\r\nConnection: close\r\n\r\nhello!")
	p.Disconnect()
}

func TestTuxnet_Server_MinimalHTTPExchange(t *testing.T) {
	t.Parallel()

	h := &httpHandler{}
	srv := startServer(t, h, anyLoopback())

	conn, err := net.Dial("tcp", srv.BoundEndpoints()[0].String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\nConnection: close\r\n\r\nhello!", string(reply))
	require.Equal(t, "GET / HTTP/1.1", h.requestLine.Load())
}

func TestTuxnet_Server_TwoListenerFanOut(t *testing.T) {
	t.Parallel()

	h := &countingHandler{}
	endpoints := append(anyLoopback(), anyLoopback()...)
	srv := startServer(t, h, endpoints)

	eps := srv.BoundEndpoints()
	require.Len(t, eps, 2)
	require.NotEqual(t, eps[0].Port(), eps[1].Port())

	var conns []net.Conn
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}(ep.String())
	}
	wg.Wait()
	require.Len(t, conns, 2)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	require.Eventually(t, func() bool {
		return h.connects.Load() == 2 && srv.NumClients() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

type drainingHandler struct {
	NopHandler
	disconnects atomic.Int32
}

func (h *drainingHandler) OnReceive(p *Peer)  { p.ReadAll() }
func (h *drainingHandler) OnDisconnect(*Peer) { h.disconnects.Add(1) }

func TestTuxnet_Server_RemoteInitiatedClose(t *testing.T) {
	t.Parallel()

	h := &drainingHandler{}
	srv := startServer(t, h, anyLoopback())

	conn, err := net.Dial("tcp", srv.BoundEndpoints()[0].String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.NumClients() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return h.disconnects.Load() == 1 && srv.NumClients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTuxnet_Server_SilentClientNeverFiresOnReceive(t *testing.T) {
	t.Parallel()

	h := &countingHandler{}
	srv, err := New(&Config{Logger: testLogger(), Handler: h})
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background(), anyLoopback(), netaddr.TCP))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Poll(ctx) }()

	conn, err := net.Dial("tcp", srv.BoundEndpoints()[0].String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.connects.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	require.Zero(t, h.receives.Load())

	// Server-side teardown must hand the idle client an EOF.
	srv.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, int32(1), h.disconnects.Load())

	cancel()
	require.NoError(t, <-done)
}

type sockoptRecord struct {
	keepalive int
	idle      int
	interval  int
	count     int
	listener  uint16
}

type sockoptHandler struct {
	NopHandler
	mu      sync.Mutex
	records []sockoptRecord
}

func (h *sockoptHandler) OnConnect(p *Peer) {
	ka, _ := unix.GetsockoptInt(p.Fd(), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	idle, _ := unix.GetsockoptInt(p.Fd(), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE)
	intvl, _ := unix.GetsockoptInt(p.Fd(), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL)
	cnt, _ := unix.GetsockoptInt(p.Fd(), unix.IPPROTO_TCP, unix.TCP_KEEPCNT)
	h.mu.Lock()
	h.records = append(h.records, sockoptRecord{
		keepalive: ka, idle: idle, interval: intvl, count: cnt,
		listener: p.lst.BoundEndpoint().Port(),
	})
	h.mu.Unlock()
}

func (h *sockoptHandler) snapshot() []sockoptRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sockoptRecord{}, h.records...)
}

func TestTuxnet_Server_KeepaliveStampsOnlyLaterListeners(t *testing.T) {
	t.Parallel()

	h := &sockoptHandler{}
	srv, err := New(&Config{Logger: testLogger(), Handler: h})
	require.NoError(t, err)

	// First listener gets the stock defaults, the second the reconfigured
	// values.
	require.NoError(t, srv.Listen(context.Background(), anyLoopback(), netaddr.TCP))
	srv.ConfigureKeepalive(true, 42*time.Second, 7*time.Second, 9)
	require.NoError(t, srv.Listen(context.Background(), anyLoopback(), netaddr.TCP))

	eps := srv.BoundEndpoints()
	require.Len(t, eps, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Poll(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	for _, ep := range eps {
		conn, err := net.Dial("tcp", ep.String())
		require.NoError(t, err)
		defer conn.Close()
	}

	require.Eventually(t, func() bool {
		return len(h.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	byListener := map[uint16]sockoptRecord{}
	for _, r := range h.snapshot() {
		byListener[r.listener] = r
	}

	first := byListener[eps[0].Port()]
	require.Equal(t, 1, first.keepalive)
	require.Equal(t, 10, first.idle)
	require.Equal(t, 5, first.interval)
	require.Equal(t, 3, first.count)

	second := byListener[eps[1].Port()]
	require.Equal(t, 1, second.keepalive)
	require.Equal(t, 42, second.idle)
	require.Equal(t, 7, second.interval)
	require.Equal(t, 9, second.count)
}

func TestTuxnet_Server_PollWithoutListenersReturns(t *testing.T) {
	t.Parallel()

	srv, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, srv.Poll(context.Background()))
}
