package proxy

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrEmptyRequest         = errors.New("empty request")
	ErrInvalidRequestFormat = errors.New("invalid request format")
	ErrInvalidURL           = errors.New("invalid url")
	ErrDomainBlocked        = errors.New("domain blocked")
	ErrInvalidContentLength = errors.New("invalid content-length")
	ErrInvalidChunkSize     = errors.New("invalid chunk size")
	ErrLineTooLong          = errors.New("line too long")
)

// statusToken maps err to the status token logged for it. Errors outside
// the request taxonomy map to "ERROR".
func statusToken(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyRequest):
		return "EMPTY_REQUEST"
	case errors.Is(err, ErrInvalidRequestFormat), errors.Is(err, ErrLineTooLong):
		return "INVALID_REQUEST_FORMAT"
	case errors.Is(err, ErrInvalidURL):
		return "INVALID_URL"
	case errors.Is(err, ErrDomainBlocked):
		return "DOMAIN_BLOCKED"
	case errors.Is(err, ErrInvalidContentLength):
		return "INVALID_CONTENT_LENGTH"
	case errors.Is(err, ErrInvalidChunkSize):
		return "INVALID_CHUNK_SIZE"
	default:
		return "ERROR"
	}
}

// reportedError wraps an error whose status line was already logged by the
// relay that produced it.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error { return e.error }

// isClosed reports whether err is an ordinary end of connection.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
