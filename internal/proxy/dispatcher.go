package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/vladtop46/webproxy/internal/access"
	"github.com/vladtop46/webproxy/internal/config"
	"github.com/vladtop46/webproxy/internal/conninfo"
	"github.com/vladtop46/webproxy/internal/dialer"
)

// Dispatcher classifies a client connection from its first request and
// hands it to the matching relay. A Dispatcher is bound to one
// configuration snapshot and is safe for concurrent use.
type Dispatcher struct {
	cfg     *config.Config
	acl     *access.Control
	dialer  dialer.Dialer
	verbose bool
}

// NewDispatcher returns a Dispatcher that enforces acl and reaches origins
// through d.
func NewDispatcher(cfg *config.Config, acl *access.Control, d dialer.Dialer, verbose bool) *Dispatcher {
	return &Dispatcher{cfg: cfg, acl: acl, dialer: d, verbose: verbose}
}

// Handle reads one request head from conn and relays it. It returns after
// a single HTTP exchange, or once both directions of a tunnel or WebSocket
// session have finished. The caller owns conn and closes it.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn, ci *conninfo.Context) error {
	if t := d.cfg.Timeouts.Negotiation; t > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t))
	}

	br := bufio.NewReaderSize(conn, bufferSize)
	req, err := readRequest(br)
	if err != nil {
		token := statusToken(err)
		if token == "ERROR" {
			return err
		}
		ci.Logf("%s", token)
		return reportedError{err}
	}
	ci.Logf("REQUEST_RECEIVED: %s %s", req.Line.Method, req.Line.Target)

	host, port, err := resolveTarget(req)
	if err != nil {
		ci.Logf("INVALID_URL: %s", req.Line.Target)
		return reportedError{err}
	}
	ci.TargetHost, ci.TargetPort = host, port

	if !d.acl.IsDomainAllowed(host) {
		ci.Logf("DOMAIN_BLOCKED: %s", host)
		if _, err := conn.Write(d.acl.ErrorPage()); err != nil {
			return fmt.Errorf("write error page: %w", err)
		}
		return reportedError{fmt.Errorf("%w: %s", ErrDomainBlocked, host)}
	}

	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case d.isWebSocketUpgrade(req.Header):
		ci.Protocol = conninfo.ProtocolWebSocket
		ci.Logf("WEBSOCKET_UPGRADE_REQUESTED")
		return d.relayWebSocket(ctx, conn, br, req, ci)
	case req.Line.IsConnect():
		ci.Protocol = conninfo.ProtocolHTTPS
		ci.Logf("HTTPS_TUNNEL_REQUESTED")
		return d.relayTunnel(ctx, conn, br, ci)
	default:
		ci.Protocol = conninfo.ProtocolHTTP
		ci.Logf("HTTP_REQUEST_STARTED")
		return d.relayHTTP(ctx, conn, br, req, ci)
	}
}

// isWebSocketUpgrade reports whether h asks for a WebSocket upgrade and
// WebSocket relaying is enabled. Requests that fail the check are relayed
// as plain HTTP.
func (d *Dispatcher) isWebSocketUpgrade(h Header) bool {
	return d.cfg.WebSocket.Enabled &&
		strings.EqualFold(h.Get("upgrade"), "websocket") &&
		h.HasToken("connection", "upgrade") &&
		h.Has("sec-websocket-key")
}

// dial opens the origin connection for ci's target.
func (d *Dispatcher) dial(ctx context.Context, ci *conninfo.Context) (net.Conn, error) {
	c, err := d.dialer.DialContext(ctx, "tcp", ci.Target())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ci.Target(), err)
	}
	return c, nil
}
