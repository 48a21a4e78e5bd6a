package proxy

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const maxLineLength = 64 << 10

// HeaderField is one header line split at its first colon.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields in the order they were
// received. Lookups are case-insensitive; when a name repeats, the last
// occurrence wins.
type Header []HeaderField

// Get returns the value of the last field named name, or "".
func (h Header) Get(name string) string {
	v, _ := h.lookup(name)
	return v
}

// Has reports whether a field named name is present.
func (h Header) Has(name string) bool {
	_, ok := h.lookup(name)
	return ok
}

func (h Header) lookup(name string) (string, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value, true
		}
	}
	return "", false
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// HasToken reports whether the comma-separated value of name contains
// token, compared case-insensitively.
func (h Header) HasToken(name, token string) bool {
	for _, t := range strings.Split(h.Get(name), ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}

// writeForwarded writes every field except proxy-* ones as "Name: Value"
// lines.
func (h Header) writeForwarded(w *bufio.Writer) {
	for _, f := range h {
		if isProxyHeader(f.Name) {
			continue
		}
		_, _ = w.WriteString(f.Name)
		_, _ = w.WriteString(": ")
		_, _ = w.WriteString(f.Value)
		_, _ = w.WriteString("\r\n")
	}
}

func isProxyHeader(name string) bool {
	return len(name) >= len("proxy-") && strings.EqualFold(name[:len("proxy-")], "proxy-")
}

// parseHeaderLine splits line at its first colon and trims both halves.
// Lines without a colon, or with nothing before it, are rejected.
func parseHeaderLine(line string) (HeaderField, bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return HeaderField{}, false
	}
	name := strings.TrimSpace(line[:i])
	if name == "" {
		return HeaderField{}, false
	}
	return HeaderField{Name: name, Value: strings.TrimSpace(line[i+1:])}, true
}

// readHeader reads header lines up to and including the blank line that
// ends them. Malformed lines are dropped.
func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := readLine(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return h, io.ErrUnexpectedEOF
			}
			return h, err
		}
		if line == "" {
			return h, nil
		}
		if f, ok := parseHeaderLine(line); ok {
			h = append(h, f)
		}
	}
}

// readLine reads one line terminated by LF or CRLF and returns it without
// the terminator. A final unterminated line is returned as is; io.EOF is
// returned only when no bytes were read.
func readLine(br *bufio.Reader) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(line)+len(frag) > maxLineLength {
			return "", ErrLineTooLong
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return string(line), nil
		}
		return "", err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}
