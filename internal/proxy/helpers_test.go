package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladtop46/webproxy/internal/access"
	"github.com/vladtop46/webproxy/internal/config"
	"github.com/vladtop46/webproxy/internal/conninfo"
	"github.com/vladtop46/webproxy/internal/dialer"
)

const (
	timeout = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) Log(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func (r *recordingSink) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Contains reports whether any line contains substr.
func (r *recordingSink) Contains(substr string) bool {
	for _, l := range r.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// countingDialer records dial attempts and forwards them to a direct dialer.
type countingDialer struct {
	mu    sync.Mutex
	addrs []string
	next  dialer.Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()
	return d.next.DialContext(ctx, network, address)
}

func (d *countingDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeouts.Dial = 2 * time.Second
	cfg.Timeouts.Negotiation = 2 * time.Second
	return cfg
}

// startProxy runs a Server on loopback and returns its address.
func startProxy(t *testing.T, cfg *config.Config) (string, *Server, *config.Store, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	store := config.NewStore(cfg)
	srv := NewServer(Config{}, store, sink)
	require.NoError(t, srv.Prepare(cfg))

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		srv.Wait(wctx)
	})

	return ln.Addr().String(), srv, store, sink
}

// handleDirect runs a Dispatcher for one connection and returns the client
// side of it along with the Handle result channel.
func handleDirect(t *testing.T, cfg *config.Config, d dialer.Dialer, sink conninfo.Sink) (net.Conn, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server, err := ln.Accept()
	require.NoError(t, err)

	disp := NewDispatcher(cfg, access.New(cfg), d, false)
	errc := make(chan error, 1)
	go func() {
		defer server.Close()
		errc <- disp.Handle(context.Background(), server, conninfo.New(server.RemoteAddr(), sink))
	}()

	return client, errc
}

// readAll reads from c until EOF, failing the test after a timeout.
func readAll(t *testing.T, c net.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return b
}
