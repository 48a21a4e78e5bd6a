package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladtop46/webproxy/internal/access"
	"github.com/vladtop46/webproxy/internal/config"
	"github.com/vladtop46/webproxy/internal/testutil"
)

func TestServerIPWhitelist(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		whitelist []string
		allowed   bool
	}{
		{name: "loopback listed", whitelist: []string{"10.0.0.0/24", "127.0.0.1"}, allowed: true},
		{name: "loopback range", whitelist: []string{"127.0.0.0/8"}, allowed: true},
		{name: "not listed", whitelist: []string{"10.0.0.0/24"}, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin, _, _ := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			cfg := testConfig()
			cfg.Security.WhitelistEnabled = true
			cfg.Security.WhitelistedIPs = tt.whitelist
			proxyAddr, _, _, sink := startProxy(t, cfg)

			c, err := net.Dial("tcp", proxyAddr)
			require.NoError(t, err)
			defer c.Close()

			if !tt.allowed {
				// Denied clients are closed before anything is read or written.
				assert.Empty(t, readAll(t, c))
				assert.Eventually(t, func() bool { return sink.Contains("IP_BLOCKED: 127.0.0.1") }, timeout, tick)
				return
			}

			_, err = fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", origin)
			require.NoError(t, err)
			assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", string(readAll(t, c)))
		})
	}
}

func TestServerRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Security.RateLimit = config.RateLimitConfig{PerSecond: 0.001, Burst: 1}
	proxyAddr, _, _, sink := startProxy(t, cfg)

	first, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer second.Close()

	assert.Empty(t, readAll(t, second))
	assert.Eventually(t, func() bool { return sink.Contains("RATE_LIMITED: 127.0.0.1") }, timeout, tick)
}

func TestServerReloadKeepsInflightTunnels(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	cfg := testConfig()
	proxyAddr, srv, store, _ := startProxy(t, cfg)

	tunnel := openTunnel(t, proxyAddr, echo.Addr().String())
	testutil.AssertEcho(t, tunnel, tunnel, []byte("before"))

	// An unchanged reload keeps the same decisions.
	same := cfg.Clone()
	require.True(t, config.Equal(cfg, same))
	require.NoError(t, srv.Prepare(same))
	store.Swap(same)
	assert.Equal(t, access.New(cfg).IsDomainAllowed("127.0.0.1"), access.New(same).IsDomainAllowed("127.0.0.1"))

	blocked := cfg.Clone()
	blocked.BlockedDomains = []string{"127.0.0.1"}
	require.NoError(t, srv.Prepare(blocked))
	store.Swap(blocked)

	// The established tunnel is unaffected.
	testutil.AssertEcho(t, tunnel, tunnel, []byte("after"))

	// New requests see the new block-list.
	c, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer c.Close()
	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\n\r\n", echo.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, string(access.New(blocked).ErrorPage()), string(readAll(t, c)))
}

func TestServerPrepareRejectsBadUpstream(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	srv := NewServer(Config{}, config.NewStore(cfg), &recordingSink{})
	require.NoError(t, srv.Prepare(cfg))

	bad := cfg.Clone()
	bad.Server.Upstream = "gopher://nowhere"
	assert.Error(t, srv.Prepare(bad))
}

func TestServerShutdownWaitsForConnections(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	sink := &recordingSink{}
	srv := NewServer(Config{}, config.NewStore(cfg), sink)

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	// A partial request head keeps the handler busy.
	_, err = io.WriteString(c, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Active() == 1 }, timeout, tick)

	cancel()
	require.NoError(t, <-done)

	_, err = net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	assert.Error(t, err, "listener closed")

	short, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	assert.False(t, srv.Wait(short), "connection still in flight")

	require.NoError(t, c.Close())
	long, longCancel := context.WithTimeout(context.Background(), timeout)
	defer longCancel()
	assert.True(t, srv.Wait(long))
	assert.Zero(t, srv.Active())
	assert.True(t, sink.Contains("CONNECTION_CLOSED"))
}

// flakyListener fails its first failures Accept calls with EMFILE and then
// defers to the wrapped listener.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestServerRetriesTransientAcceptErrors(t *testing.T) {
	t.Parallel()

	origin, _, _ := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	cfg := testConfig()
	srv := NewServer(Config{}, config.NewStore(cfg), &recordingSink{})
	require.NoError(t, srv.Prepare(cfg))

	inner, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{}, false)
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", origin)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", string(readAll(t, c)))
	assert.Less(t, ln.failures.Load(), int32(0))

	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	cancel()
	require.NoError(t, <-done)
}

func TestServerStopsWhenListenerClosed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	srv := NewServer(Config{}, config.NewStore(cfg), &recordingSink{})
	require.NoError(t, srv.Prepare(cfg))

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{}, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	require.NoError(t, ln.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(timeout):
		t.Fatal("Serve did not return after the listener closed")
	}
}
