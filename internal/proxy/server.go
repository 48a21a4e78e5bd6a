package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladtop46/webproxy/internal/access"
	"github.com/vladtop46/webproxy/internal/config"
	"github.com/vladtop46/webproxy/internal/conninfo"
	"github.com/vladtop46/webproxy/internal/dialer"
)

// Server accepts client connections and runs a Dispatcher for each. The
// policy derived from the configuration is rebuilt whenever the Store
// holds a new snapshot; a connection keeps the policy it started with.
type Server struct {
	cfg   Config
	store *config.Store
	sink  conninfo.Sink

	policy atomic.Pointer[policy]
	active atomic.Int64
	wg     sync.WaitGroup
}

// policy is everything derived from one configuration snapshot.
type policy struct {
	cfg        *config.Config
	acl        *access.Control
	limiter    *access.Limiter
	dispatcher *Dispatcher
}

// NewServer returns a Server reading configuration from store and writing
// connection logs to sink.
func NewServer(cfg Config, store *config.Store, sink conninfo.Sink) *Server {
	return &Server{cfg: cfg, store: store, sink: sink}
}

// Prepare builds the policy for cfg ahead of publishing it, so an invalid
// upstream is reported to the caller instead of to each connection.
func (s *Server) Prepare(cfg *config.Config) error {
	p, err := s.buildPolicy(cfg, s.policy.Load())
	if err != nil {
		return err
	}
	s.policy.Store(p)
	return nil
}

func (s *Server) current() (*policy, error) {
	cfg := s.store.Load()
	old := s.policy.Load()
	if old != nil && old.cfg == cfg {
		return old, nil
	}

	p, err := s.buildPolicy(cfg, old)
	if err != nil {
		return nil, err
	}
	if !s.policy.CompareAndSwap(old, p) {
		// Another connection rebuilt concurrently; prefer its copy if it is
		// for the same snapshot so limiter state is shared.
		if cur := s.policy.Load(); cur != nil && cur.cfg == cfg {
			return cur, nil
		}
	}
	return p, nil
}

func (s *Server) buildPolicy(cfg *config.Config, prev *policy) (*policy, error) {
	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.Timeouts.Dial,
		NegotiationTimeout: cfg.Timeouts.Negotiation,
		KeepAlive:          s.cfg.KeepAlive,
	}, cfg.Server.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: %w", cfg.Server.Upstream, err)
	}

	acl := access.New(cfg)

	var limiter *access.Limiter
	if prev != nil && prev.cfg.Security.RateLimit == cfg.Security.RateLimit {
		limiter = prev.limiter
	} else {
		limiter = access.NewLimiter(cfg.Security.RateLimit)
	}

	return &policy{
		cfg:        cfg,
		acl:        acl,
		limiter:    limiter,
		dispatcher: NewDispatcher(cfg, acl, d, s.cfg.Verbose),
	}, nil
}

// Serve accepts connections on ln until ctx is canceled or ln is closed.
// Other accept errors are retried with backoff.
// Connections already accepted are not canceled with ctx; use Wait to let
// them finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	connCtx := context.WithoutCancel(ctx)

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// Other errors, such as EMFILE, are transient.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			log.Printf("proxy: accept: %v; retrying in %v", err, tempDelay)
			t := time.NewTimer(tempDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		tempDelay = 0

		s.wg.Add(1)
		s.active.Add(1)
		go s.serveConn(connCtx, c)
	}
}

// Active returns the number of connections being handled.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Wait blocks until every accepted connection has been closed or ctx is
// done. It reports whether all connections finished.
func (s *Server) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	ci := conninfo.New(c.RemoteAddr(), s.sink)
	defer func() {
		if r := recover(); r != nil {
			ci.Logf("PANIC: %v", r)
		}
		_ = c.Close()
		ci.Logf("CONNECTION_CLOSED")
	}()

	p, err := s.current()
	if err != nil {
		ci.Logf("ERROR: %v", err)
		return
	}

	if !p.acl.IsIPAllowed(ci.ClientAddr()) {
		ci.Logf("IP_BLOCKED: %s", ci.ClientIP)
		return
	}
	if !p.limiter.Allow(ci.ClientIP) {
		ci.Logf("RATE_LIMITED: %s", ci.ClientIP)
		return
	}

	if err := p.dispatcher.Handle(ctx, c, ci); err != nil {
		var re reportedError
		if errors.As(err, &re) || isClosed(err) {
			return
		}
		ci.Logf("ERROR: %v", err)
	}
}
