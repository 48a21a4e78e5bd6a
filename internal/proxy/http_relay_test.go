package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladtop46/webproxy/internal/conninfo"
	"github.com/vladtop46/webproxy/internal/testutil"
)

// originHead is what a test origin received before its canned response.
type originHead struct {
	line   string
	header Header
	body   []byte
}

// startOrigin serves response to every connection after reading a request
// head (and a Content-Length body, if any). Received heads are sent on the
// returned channel.
func startOrigin(t *testing.T, response string) (string, <-chan originHead, *testutil.Counter) {
	t.Helper()

	heads := make(chan originHead, 8)
	ln, accepted := testutil.StartTCPServer(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := readRequest(br)
		if err != nil {
			return
		}
		var body []byte
		if req.Header.Has("content-length") {
			n, err := parseContentLength(req.Header.Get("content-length"))
			if err != nil {
				return
			}
			body = make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				return
			}
		}
		heads <- originHead{line: req.Line.String(), header: req.Header, body: body}
		_, _ = io.WriteString(c, response)
	})
	return ln.Addr().String(), heads, accepted
}

func proxyRoundTrip(t *testing.T, proxyAddr, request string) []byte {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer c.Close()

	_, err = io.WriteString(c, request)
	require.NoError(t, err)
	return readAll(t, c)
}

func TestHTTPRelayContentLength(t *testing.T) {
	t.Parallel()

	const response = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 13\r\n\r\nHello, world!"
	// Bytes past the declared length must not reach the client.
	origin, heads, _ := startOrigin(t, response+"TRAILING-GARBAGE")
	proxyAddr, _, _, sink := startProxy(t, testConfig())

	req := fmt.Sprintf("GET http://%s/hello HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\nUser-Agent: test\r\nProxy-Authorization: Basic eDp5\r\n\r\n", origin, origin)
	got := proxyRoundTrip(t, proxyAddr, req)

	assert.Equal(t, response, string(got))

	head := <-heads
	assert.Equal(t, fmt.Sprintf("GET http://%s/hello HTTP/1.1", origin), head.line)
	assert.Equal(t, Header{{"Host", origin}, {"User-Agent", "test"}}, head.header)

	assert.Eventually(t, func() bool { return sink.Contains("HTTP_RESPONSE_COMPLETE: 13 bytes") }, timeout, tick)
	assert.True(t, sink.Contains("HTTP_RESPONSE_HEADERS: type=text/plain, length=13"))
}

func TestHTTPRelayChunked(t *testing.T) {
	t.Parallel()

	const head = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	const body = "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	origin, _, _ := startOrigin(t, head+body)
	proxyAddr, _, _, sink := startProxy(t, testConfig())

	got := proxyRoundTrip(t, proxyAddr, fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", origin))
	require.Equal(t, head+body, string(got))

	decoded, err := io.ReadAll(httputil.NewChunkedReader(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(decoded))

	assert.Eventually(t, func() bool { return sink.Contains("HTTP_CHUNKED_RESPONSE_COMPLETE: 9 bytes") }, timeout, tick)
	assert.True(t, sink.Contains("length=chunked"))
}

func TestHTTPRelayUntilClose(t *testing.T) {
	t.Parallel()

	const response = "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n<html>streamed until close</html>"
	origin, _, _ := startOrigin(t, response)
	proxyAddr, _, _, sink := startProxy(t, testConfig())

	got := proxyRoundTrip(t, proxyAddr, fmt.Sprintf("GET / HTTP/1.0\r\nHost: %s\r\n\r\n", origin))
	assert.Equal(t, response, string(got))
	assert.Eventually(t, func() bool { return sink.Contains("HTTP_STREAMING_RESPONSE_COMPLETE: 33 bytes") }, timeout, tick)
}

func TestHTTPRelayRequestBody(t *testing.T) {
	t.Parallel()

	const response = "HTTP/1.1 204 No Content\r\n\r\n"
	origin, heads, _ := startOrigin(t, response)
	proxyAddr, _, _, _ := startProxy(t, testConfig())

	req := fmt.Sprintf("POST /submit HTTP/1.1\r\nHost: %s\r\nContent-Length: 11\r\n\r\nhello=world", origin)
	got := proxyRoundTrip(t, proxyAddr, req)
	assert.Equal(t, response, string(got))

	head := <-heads
	assert.Equal(t, "POST /submit HTTP/1.1", head.line)
	assert.Equal(t, "hello=world", string(head.body))
}

func TestHTTPRelayNoBodyResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		method   string
		response string
	}{
		{name: "head", method: "HEAD", response: "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"},
		{name: "not modified", method: "GET", response: "HTTP/1.1 304 Not Modified\r\nContent-Length: 100\r\n\r\n"},
		{name: "no content", method: "GET", response: "HTTP/1.1 204 No Content\r\nTransfer-Encoding: chunked\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin, _, _ := startOrigin(t, tt.response)
			proxyAddr, _, _, _ := startProxy(t, testConfig())

			got := proxyRoundTrip(t, proxyAddr, fmt.Sprintf("%s / HTTP/1.1\r\nHost: %s\r\n\r\n", tt.method, origin))
			assert.Equal(t, tt.response, string(got))
		})
	}
}

func TestHTTPRelayInterimResponse(t *testing.T) {
	t.Parallel()

	const response = "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	origin, _, _ := startOrigin(t, response)
	proxyAddr, _, _, _ := startProxy(t, testConfig())

	req := fmt.Sprintf("PUT /x HTTP/1.1\r\nHost: %s\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\nabc", origin)
	assert.Equal(t, response, string(proxyRoundTrip(t, proxyAddr, req)))
}

func TestHTTPRelayUnreachableOrigin(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	proxyAddr, _, _, sink := startProxy(t, testConfig())

	got := proxyRoundTrip(t, proxyAddr, fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", addr))
	assert.Empty(t, got)
	assert.Eventually(t, func() bool { return sink.Contains("ERROR: connect " + addr) }, timeout, tick)
}

func TestRelayChunkedTrailers(t *testing.T) {
	t.Parallel()

	const in = "3;ext=1\r\nabc\r\n0\r\nX-Checksum: 42\r\n\r\n"
	d := &Dispatcher{}
	var out bytes.Buffer

	n, err := d.relayChunked(&out, bufio.NewReader(strings.NewReader(in+"next")), conninfo.New(nil, nil))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, in, out.String())
}

func TestRelayChunkedEOFAfterLastChunk(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{}
	var out bytes.Buffer

	_, err := d.relayChunked(&out, bufio.NewReader(strings.NewReader("2\r\nhi\r\n0\r\n")), conninfo.New(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "2\r\nhi\r\n0\r\n\r\n", out.String())
}

func TestRelayChunkedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "bad size", in: "zz\r\n", want: ErrInvalidChunkSize},
		{name: "negative size", in: "-1\r\n", want: ErrInvalidChunkSize},
		{name: "truncated data", in: "10\r\nshort", want: io.ErrUnexpectedEOF},
		{name: "missing terminal chunk", in: "1\r\na\r\n", want: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Dispatcher{}
			_, err := d.relayChunked(io.Discard, bufio.NewReader(strings.NewReader(tt.in)), conninfo.New(nil, nil))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResponseHasBody(t *testing.T) {
	t.Parallel()

	assert.True(t, responseHasBody("GET", 200))
	assert.True(t, responseHasBody("POST", 404))
	assert.True(t, responseHasBody("GET", 0))
	assert.False(t, responseHasBody("head", 200))
	assert.False(t, responseHasBody("GET", 101))
	assert.False(t, responseHasBody("GET", 204))
	assert.False(t, responseHasBody("GET", 304))
}

func TestIsChunked(t *testing.T) {
	t.Parallel()

	assert.True(t, isChunked(Header{{"Transfer-Encoding", "chunked"}}))
	assert.True(t, isChunked(Header{{"Transfer-Encoding", "gzip, Chunked"}}))
	assert.False(t, isChunked(Header{{"Transfer-Encoding", "chunked, gzip"}}))
	assert.False(t, isChunked(nil))
}
