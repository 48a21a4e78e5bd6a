package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/vladtop46/webproxy/internal/conninfo"
)

// bodyLogInterval is how often body transfers log their running total.
const bodyLogInterval = bufferSize * 10

// relayHTTP forwards req and its body to the origin over a new connection
// and relays exactly one response back.
func (d *Dispatcher) relayHTTP(ctx context.Context, conn net.Conn, client *bufio.Reader, req *Request, ci *conninfo.Context) error {
	upstream, err := d.dial(ctx, ci)
	if err != nil {
		return err
	}
	defer upstream.Close()
	ci.Logf("HTTP_SERVER_CONNECTED")

	uw := bufio.NewWriterSize(upstream, bufferSize)
	_, _ = uw.WriteString(req.Line.String())
	_, _ = uw.WriteString("\r\n")
	req.Header.writeForwarded(uw)
	_, _ = uw.WriteString("\r\n")
	if err := uw.Flush(); err != nil {
		return fmt.Errorf("send request head: %w", err)
	}
	ci.Logf("HTTP_HEADERS_SENT")

	if err := d.forwardRequestBody(upstream, client, req, ci); err != nil {
		return err
	}

	ci.Logf("HTTP_READING_RESPONSE")
	return d.relayResponse(conn, bufio.NewReaderSize(upstream, bufferSize), req, ci)
}

func (d *Dispatcher) forwardRequestBody(upstream io.Writer, client *bufio.Reader, req *Request, ci *conninfo.Context) error {
	switch {
	case req.Header.Has("content-length"):
		n, err := parseContentLength(req.Header.Get("content-length"))
		if err != nil {
			ci.Logf("INVALID_CONTENT_LENGTH: %s", req.Header.Get("content-length"))
			return reportedError{err}
		}
		ci.Logf("HTTP_SENDING_BODY: %d bytes", n)
		p := progress{every: bodyLogInterval}
		sent, err := copyBody(upstream, client, n, func(total int64) {
			if p.crossed(total) {
				ci.Logf("HTTP_BODY_PROGRESS: %d/%d bytes", total, n)
			}
		})
		if err != nil {
			return fmt.Errorf("send request body: %w", err)
		}
		ci.Logf("HTTP_BODY_SENT: %d bytes", sent)
	case isChunked(req.Header):
		ci.Logf("HTTP_SENDING_BODY: chunked")
		sent, err := d.relayChunked(upstream, client, ci)
		if err != nil {
			return fmt.Errorf("send request body: %w", err)
		}
		ci.Logf("HTTP_BODY_SENT: %d bytes", sent)
	}
	return nil
}

// relayResponse copies the response head verbatim and then the body using
// the framing its headers declare. Interim 1xx responses are forwarded
// ahead of the final one.
func (d *Dispatcher) relayResponse(conn net.Conn, origin *bufio.Reader, req *Request, ci *conninfo.Context) error {
	for {
		statusLine, err := readLine(origin)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read status line: %w", err)
		}
		ci.Logf("HTTP_RESPONSE: %s", statusLine)

		h, err := copyResponseHead(conn, origin, statusLine)
		if err != nil {
			return err
		}

		code := statusCode(statusLine)
		if code >= 100 && code < 200 && code != 101 {
			continue
		}

		contentType := h.Get("content-type")
		if contentType == "" {
			contentType = "unknown"
		}
		length := "chunked"
		if h.Has("content-length") {
			length = h.Get("content-length")
		}
		ci.Logf("HTTP_RESPONSE_HEADERS: type=%s, length=%s", contentType, length)

		if !responseHasBody(req.Line.Method, code) {
			ci.Logf("HTTP_RESPONSE_COMPLETE: 0 bytes")
			return nil
		}
		return d.relayResponseBody(conn, origin, h, ci)
	}
}

func (d *Dispatcher) relayResponseBody(conn net.Conn, origin *bufio.Reader, h Header, ci *conninfo.Context) error {
	switch {
	case h.Has("content-length"):
		n, err := parseContentLength(h.Get("content-length"))
		if err != nil {
			ci.Logf("INVALID_CONTENT_LENGTH: %s", h.Get("content-length"))
			return reportedError{err}
		}
		p := progress{every: bodyLogInterval}
		sent, err := copyBody(conn, origin, n, func(total int64) {
			if p.crossed(total) {
				ci.Logf("HTTP_RESPONSE_PROGRESS: %d/%d bytes", total, n)
			}
		})
		if err != nil {
			return fmt.Errorf("relay response body: %w", err)
		}
		ci.Logf("HTTP_RESPONSE_COMPLETE: %d bytes", sent)
	case isChunked(h):
		sent, err := d.relayChunked(conn, origin, ci)
		if err != nil {
			return fmt.Errorf("relay chunked response: %w", err)
		}
		ci.Logf("HTTP_CHUNKED_RESPONSE_COMPLETE: %d bytes", sent)
	default:
		p := progress{every: bodyLogInterval}
		sent, err := pump(conn, origin, func(_ []byte, total int64) {
			if p.crossed(total) {
				ci.Logf("HTTP_STREAMING_RESPONSE_PROGRESS: %d bytes", total)
			}
		})
		if err != nil {
			return fmt.Errorf("relay response body: %w", err)
		}
		ci.Logf("HTTP_STREAMING_RESPONSE_COMPLETE: %d bytes", sent)
	}
	return nil
}

// copyResponseHead writes the status line and header lines to w exactly as
// received and returns the parsed header.
func copyResponseHead(w io.Writer, origin *bufio.Reader, statusLine string) (Header, error) {
	bw := bufio.NewWriterSize(w, bufferSize)
	_, _ = bw.WriteString(statusLine)
	_, _ = bw.WriteString("\r\n")

	var h Header
	for {
		line, err := readLine(origin)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read response header: %w", err)
		}
		_, _ = bw.WriteString(line)
		_, _ = bw.WriteString("\r\n")
		if line == "" {
			break
		}
		if f, ok := parseHeaderLine(line); ok {
			h = append(h, f)
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write response head: %w", err)
	}
	return h, nil
}

// relayChunked forwards a chunked body from src to dst, keeping chunk-size
// lines and trailers as sent. It returns the number of payload bytes.
func (d *Dispatcher) relayChunked(dst io.Writer, src *bufio.Reader, ci *conninfo.Context) (int64, error) {
	p := progress{every: bodyLogInterval}
	var total int64
	for {
		line, err := readLine(src)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return total, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err
		}
		if _, err := io.WriteString(dst, line+"\r\n"); err != nil {
			return total, err
		}

		if size == 0 {
			return total, copyTrailer(dst, src)
		}

		n, err := copyBody(dst, src, size, nil)
		total += n
		if err != nil {
			return total, err
		}
		if n < size {
			return total, io.ErrUnexpectedEOF
		}
		if _, err := io.WriteString(dst, "\r\n"); err != nil {
			return total, err
		}
		// Drop the CRLF that ends the chunk data; it was re-sent above.
		if _, err := readLine(src); err != nil && !errors.Is(err, io.EOF) {
			return total, err
		}

		if d.verbose {
			ci.Logf("HTTP_CHUNK: %d bytes", n)
		}
		if p.crossed(total) {
			ci.Logf("HTTP_CHUNKED_RESPONSE_PROGRESS: %d bytes", total)
		}
	}
}

// copyTrailer forwards trailer fields and the blank line that ends a
// chunked body. An origin that closes right after the last chunk still
// yields a terminated body.
func copyTrailer(dst io.Writer, src *bufio.Reader) error {
	var sb strings.Builder
	for {
		line, err := readLine(src)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			line = ""
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
		if line == "" {
			break
		}
	}
	_, err := io.WriteString(dst, sb.String())
	return err
}

func parseChunkSize(line string) (int64, error) {
	s, _, _ := strings.Cut(line, ";")
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, line)
	}
	return n, nil
}

func parseContentLength(v string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidContentLength, v)
	}
	return n, nil
}

// isChunked reports whether chunked is the final transfer coding.
func isChunked(h Header) bool {
	te := h.Get("transfer-encoding")
	if te == "" {
		return false
	}
	codings := strings.Split(te, ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

// statusCode extracts the code from a status line, or 0.
func statusCode(statusLine string) int {
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// responseHasBody reports whether a response may carry a body.
func responseHasBody(method string, code int) bool {
	if strings.EqualFold(method, "HEAD") {
		return false
	}
	return !(code >= 100 && code < 200) && code != 204 && code != 304
}
