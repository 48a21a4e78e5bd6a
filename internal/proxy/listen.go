package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections. With reusePort
// the socket is opened with SO_REUSEPORT, so a second process can bind the
// same address while the first drains.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig, reusePort bool) (net.Listener, error) {
	var lc net.ListenConfig
	if reusePort {
		if !reusePortSupported {
			return nil, errReusePortUnsupported
		}
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

var errReusePortUnsupported = errors.New("SO_REUSEPORT is not supported on this platform")

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
