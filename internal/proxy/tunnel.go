package proxy

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/vladtop46/webproxy/internal/conninfo"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\nProxy-Agent: ProxyServer\r\n\r\n"

// transferLogInterval is how often tunnel pumps log their running total.
const transferLogInterval = bufferSize * 128

// relayTunnel opens the CONNECT target, acknowledges the client and pumps
// bytes both ways until each direction has ended. Bytes the client sent
// after its request head are already in client and are forwarded first.
func (d *Dispatcher) relayTunnel(ctx context.Context, conn net.Conn, client io.Reader, ci *conninfo.Context) error {
	upstream, err := d.dial(ctx, ci)
	if err != nil {
		return err
	}
	defer upstream.Close()
	ci.Logf("HTTPS_TUNNEL_ESTABLISHED")

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		return fmt.Errorf("write connect reply: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return tunnelDirection(ci, "CLIENT->SERVER", "HTTPS_C2S_ERROR", upstream, client)
	})
	g.Go(func() error {
		return tunnelDirection(ci, "SERVER->CLIENT", "HTTPS_S2C_ERROR", conn, upstream)
	})
	err = g.Wait()
	ci.Logf("HTTPS_TUNNEL_CLOSED")
	return err
}

func tunnelDirection(ci *conninfo.Context, dir, errToken string, dst net.Conn, src io.Reader) error {
	p := progress{every: transferLogInterval}
	total, err := pump(dst, src, func(_ []byte, total int64) {
		if p.crossed(total) {
			ci.Logf("DATA_TRANSFER [%s]: %d bytes", dir, total)
		}
	})
	closeWrite(dst)
	if err != nil && !isClosed(err) {
		ci.Logf("%s: %v", errToken, err)
		return reportedError{err}
	}
	ci.Logf("DATA_TRANSFER_COMPLETE [%s]: %d bytes", dir, total)
	return nil
}
