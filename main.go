package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/vladtop46/webproxy/internal/config"
	"github.com/vladtop46/webproxy/internal/console"
	"github.com/vladtop46/webproxy/internal/logging"
	"github.com/vladtop46/webproxy/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "config.yml", "Path to the YAML configuration file")
		listen     = pflag.String("listen", "", "Listen address (e.g. 127.0.0.1:8023). Empty uses server.port from the configuration.")
		logsDir    = pflag.String("logs-dir", "", "Connection log directory. Overrides server.logs_directory.")
		upstream   = pflag.String("upstream", defaultUpstream(), "Upstream for origin connections: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port. Overrides server.upstream.")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect. Overrides timeouts.dial when set.")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for reading a request head and for upstream proxy negotiation. Overrides timeouts.negotiation when set.")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		watch              = pflag.Bool("watch", true, "Reload the configuration when the file changes")
		consoleOn          = pflag.Bool("console", true, "Read reload/status/stop commands from stdin")
		shutdownGrace      = pflag.Duration("shutdown-grace", 30*time.Second, "How long to wait for open connections on shutdown (0 waits forever)")
		reusePort          = pflag.Bool("reuse-port", false, "Open the listener with SO_REUSEPORT so a replacement process can bind before this one exits")
		verbose            = pflag.Bool("verbose", false, "Log every WebSocket frame and chunk")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	loader := &configLoader{
		path: *configPath,
		overrides: overrides{
			logsDir:  *logsDir,
			upstream: *upstream,
		},
	}
	if pflag.CommandLine.Changed("dial-timeout") {
		loader.overrides.dialTimeout = *dialTimeout
	}
	if pflag.CommandLine.Changed("negotiation-timeout") {
		loader.overrides.negotiationTimeout = *negotiationTimeout
	}

	cfg, err := loader.load(true)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Server.LogsDirectory, os.Stdout)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()

	store := config.NewStore(cfg)
	srv := proxy.NewServer(proxy.Config{KeepAlive: ka, Verbose: *verbose}, store, logger)
	if err := srv.Prepare(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	addr := *listen
	if addr == "" {
		addr = cfg.ListenAddress()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	ln, err := proxy.ListenTCP(ctx, "tcp", addr, ka, *reusePort)
	if err != nil {
		return err
	}
	g.Go(func() error {
		if err := srv.Serve(ctx, ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	log.Printf("proxy listening on %s", ln.Addr())
	logger.Logf("Proxy server is running on %s", ln.Addr())

	r := &reloader{loader: loader, store: store, srv: srv, logger: logger}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				_ = r.reload("SIGHUP")
			}
		}
	})

	if *watch {
		w, err := config.NewWatcher(*configPath, func() { _ = r.reload("file change") })
		if err != nil {
			log.Printf("config watch disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	if *consoleOn {
		g.Go(func() error {
			return console.Run(ctx, os.Stdin, os.Stdout, console.Handler{
				Reload: func() error { return r.reload("console") },
				Status: func() string { return statusLine(srv, store.Load(), logger.Directory()) },
				Stop:   cancel,
			})
		})
	}

	err = g.Wait()

	log.Print("shutting down")
	logger.Log("Proxy server is shutting down")

	wctx := context.Background()
	if *shutdownGrace > 0 {
		var wcancel context.CancelFunc
		wctx, wcancel = context.WithTimeout(wctx, *shutdownGrace)
		defer wcancel()
	}
	if !srv.Wait(wctx) {
		log.Printf("shutdown grace expired with %d connections open", srv.Active())
	}

	return err
}

func statusLine(srv *proxy.Server, cfg *config.Config, logsDir string) string {
	return fmt.Sprintf("active connections: %d, port: %d, logs: %s, upstream: %s, whitelist: %t (%d entries), blocked domains: %d, websocket: %t, webrtc: %t",
		srv.Active(),
		cfg.Server.Port,
		logsDir,
		cfg.Server.Upstream,
		cfg.Security.WhitelistEnabled,
		len(cfg.Security.WhitelistedIPs),
		len(cfg.BlockedDomains),
		cfg.WebSocket.Enabled,
		cfg.WebSocket.WebRTCEnabled,
	)
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return ""
}
