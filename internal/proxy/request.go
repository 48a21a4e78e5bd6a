package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// RequestLine is the first line of a client request.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

func (r RequestLine) String() string {
	return r.Method + " " + r.Target + " " + r.Version
}

// IsConnect reports whether the request asks for a tunnel.
func (r RequestLine) IsConnect() bool {
	return strings.EqualFold(r.Method, "CONNECT")
}

// Request is a parsed request head. The body, if any, is still unread.
type Request struct {
	Line   RequestLine
	Header Header
}

func parseRequestLine(line string) (RequestLine, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return RequestLine{}, fmt.Errorf("%w: %q", ErrInvalidRequestFormat, line)
	}
	return RequestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, nil
}

// readRequest reads the request line and header block from br.
func readRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyRequest
		}
		if errors.Is(err, ErrLineTooLong) {
			return nil, fmt.Errorf("%w: request line: %w", ErrInvalidRequestFormat, err)
		}
		return nil, fmt.Errorf("read request line: %w", err)
	}
	if line == "" {
		return nil, ErrEmptyRequest
	}

	rl, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	h, err := readHeader(br)
	if err != nil {
		if errors.Is(err, ErrLineTooLong) {
			return nil, fmt.Errorf("%w: header: %w", ErrInvalidRequestFormat, err)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	return &Request{Line: rl, Header: h}, nil
}

// defaultPort is the port implied by the request method.
func (r *Request) defaultPort() int {
	if r.Line.IsConnect() {
		return 443
	}
	return 80
}

// resolveTarget returns the origin host and port for r.
//
// For CONNECT the authority-form request-target names the tunnel endpoint
// and is used first. Otherwise the Host header is preferred, then the
// absolute-form request-target.
func resolveTarget(r *Request) (string, int, error) {
	if r.Line.IsConnect() {
		if host, port, err := splitHostPort(r.Line.Target, 443); err == nil {
			return host, port, nil
		}
	}

	if hostport := r.Header.Get("host"); hostport != "" {
		return splitHostPort(hostport, r.defaultPort())
	}

	u, err := url.Parse(r.Line.Target)
	if err != nil || u.Hostname() == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidURL, r.Line.Target)
	}
	port := r.defaultPort()
	switch {
	case u.Port() != "":
		p, err := parsePort(u.Port())
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidURL, r.Line.Target)
		}
		port = p
	case strings.EqualFold(u.Scheme, "https"), strings.EqualFold(u.Scheme, "wss"):
		port = 443
	}
	return u.Hostname(), port, nil
}

// splitHostPort splits "host[:port]", applying defaultPort when the port
// is missing. Bracketed IPv6 literals are unwrapped.
func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		if host == "" || strings.ContainsAny(host, "/ ") {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidURL, hostport)
		}
		return host, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidURL, hostport)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidURL, hostport)
	}
	return host, port, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
