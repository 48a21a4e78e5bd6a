package proxy

import (
	"errors"
	"io"
	"net"
)

// pump forwards src to dst one read at a time, with no buffering beyond a
// single chunk. onChunk, if set, sees each chunk and the running total
// before the chunk is written. pump returns when src reports EOF (with a
// nil error) or when a read or write fails.
func pump(dst io.Writer, src io.Reader, onChunk func(chunk []byte, total int64)) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if onChunk != nil {
				onChunk(buf[:n], total)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// copyBody forwards exactly n bytes from src to dst unless src ends first;
// a short body is not an error. It returns the number of bytes forwarded.
func copyBody(dst io.Writer, src io.Reader, n int64, onProgress func(total int64)) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	var total int64
	for total < n {
		want := int64(len(buf))
		if rem := n - total; rem < want {
			want = rem
		}
		m, rerr := src.Read(buf[:want])
		if m > 0 {
			if _, werr := dst.Write(buf[:m]); werr != nil {
				return total, werr
			}
			total += int64(m)
			if onProgress != nil {
				onProgress(total)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
	return total, nil
}

// closeWrite half-closes c so the peer sees EOF while the other direction
// keeps flowing. Connections that cannot half-close are closed.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// progress reports when a running total crosses a multiple of every.
type progress struct {
	every int64
	last  int64
}

func (p *progress) crossed(total int64) bool {
	if p.every <= 0 {
		return false
	}
	if step := total / p.every; step > p.last {
		p.last = step
		return true
	}
	return false
}
