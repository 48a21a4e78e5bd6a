// Package conninfo tracks the identity and state of one client connection
// for correlated logging.
package conninfo

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Protocol is the classification of a client connection.
type Protocol string

const (
	ProtocolUnknown   Protocol = "UNKNOWN"
	ProtocolHTTP      Protocol = "HTTP"
	ProtocolHTTPS     Protocol = "HTTPS"
	ProtocolWebSocket Protocol = "WEBSOCKET"
)

// Sink receives single-line log messages.
type Sink interface {
	Log(message string)
}

// Context is owned by the goroutine handling one connection. Target and
// Protocol are set before any relay pump starts; the pumps only log, which
// is safe to do concurrently.
type Context struct {
	ID         string
	ClientIP   string
	ClientPort int
	TargetHost string
	TargetPort int
	Protocol   Protocol

	mu     sync.Mutex
	status string
	sink   Sink
}

// New builds a Context for a connection from remote.
func New(remote net.Addr, sink Sink) *Context {
	c := &Context{
		ID:       uuid.NewString()[:8],
		Protocol: ProtocolUnknown,
		status:   "INITIALIZED",
		sink:     sink,
	}
	c.ClientIP, c.ClientPort = splitAddr(remote)
	return c
}

func splitAddr(a net.Addr) (string, int) {
	if a == nil {
		return "", 0
	}
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String(), ta.Port
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// ClientAddr returns the client's IP as net.IP, or nil if unparseable.
func (c *Context) ClientAddr() net.IP {
	return net.ParseIP(c.ClientIP)
}

// Target returns host:port of the origin.
func (c *Context) Target() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// Prefix returns "[id][ip:port]".
func (c *Context) Prefix() string {
	return fmt.Sprintf("[%s][%s:%d]", c.ID, c.ClientIP, c.ClientPort)
}

// Status returns the last status recorded.
func (c *Context) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Logf records status and writes
// "[id][ip:port] [PROTOCOL] status" to the sink.
func (c *Context) Logf(format string, args ...any) {
	status := format
	if len(args) > 0 {
		status = fmt.Sprintf(format, args...)
	}
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	if c.sink != nil {
		c.sink.Log(fmt.Sprintf("%s [%s] %s", c.Prefix(), c.Protocol, status))
	}
}
