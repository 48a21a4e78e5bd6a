package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"golang.org/x/sync/errgroup"

	"github.com/vladtop46/webproxy/internal/conninfo"
)

// wsLogInterval is how often WebSocket pumps log their running total.
const wsLogInterval = bufferSize * 100

// signalingPreview bounds how much of a signaling payload is logged.
const signalingPreview = 100

var (
	webrtcHostMarkers   = ahocorasick.NewTrieBuilder().AddStrings([]string{"discord.media"}).Build()
	webrtcOriginMarkers = ahocorasick.NewTrieBuilder().AddStrings([]string{"discord.com"}).Build()
	webrtcPathMarkers   = ahocorasick.NewTrieBuilder().AddStrings([]string{"/voice", "/rtc"}).Build()
	signalingMarkers    = ahocorasick.NewTrieBuilder().AddStrings([]string{"candidate", "sdp"}).Build()
)

// relayWebSocket replays the upgrade request to the origin and pumps raw
// bytes both ways. The origin's handshake response is not checked; it
// reaches the client as the first server chunk.
func (d *Dispatcher) relayWebSocket(ctx context.Context, conn net.Conn, client *bufio.Reader, req *Request, ci *conninfo.Context) error {
	webrtc := d.cfg.WebSocket.WebRTCEnabled && isWebRTC(req, ci.TargetHost)

	upstream, err := d.dial(ctx, ci)
	if err != nil {
		return err
	}
	defer upstream.Close()
	ci.Logf("WEBSOCKET_SERVER_CONNECTED")

	uw := bufio.NewWriterSize(upstream, bufferSize)
	_, _ = fmt.Fprintf(uw, "GET %s HTTP/1.1\r\n", d.handshakePath(req))
	req.Header.writeForwarded(uw)
	_, _ = uw.WriteString("\r\n")
	if err := uw.Flush(); err != nil {
		return fmt.Errorf("send websocket handshake: %w", err)
	}
	ci.Logf("WEBSOCKET_HANDSHAKE_SENT")

	kind := "WEBSOCKET"
	if webrtc {
		kind = "WEBRTC"
	}
	ci.Logf("%s_STREAMS_ESTABLISHED", kind)

	var g errgroup.Group
	g.Go(func() error {
		return d.wsDirection(ci, kind, "CLIENT->SERVER", "WEBSOCKET_C2S_ERROR", upstream, client, webrtc)
	})
	g.Go(func() error {
		return d.wsDirection(ci, kind, "SERVER->CLIENT", "WEBSOCKET_S2C_ERROR", conn, upstream, webrtc)
	})
	err = g.Wait()
	ci.Logf("%s_STREAMS_CLOSED", kind)
	return err
}

// handshakePath is the request-target sent upstream.
func (d *Dispatcher) handshakePath(req *Request) string {
	if !d.cfg.WebSocket.PreservePath {
		return "/"
	}
	return requestPath(req.Line.Target)
}

// requestPath reduces an absolute-form target to its path and query.
func requestPath(target string) string {
	if strings.HasPrefix(target, "/") {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "/"
	}
	return u.RequestURI()
}

// isWebRTC reports whether the handshake looks like a voice/video
// signaling channel.
func isWebRTC(req *Request, host string) bool {
	return len(webrtcHostMarkers.MatchString(host)) > 0 ||
		len(webrtcHostMarkers.MatchString(req.Header.Get("host"))) > 0 ||
		len(webrtcOriginMarkers.MatchString(req.Header.Get("origin"))) > 0 ||
		len(webrtcPathMarkers.MatchString(requestPath(req.Line.Target))) > 0
}

func (d *Dispatcher) wsDirection(ci *conninfo.Context, kind, dir, errToken string, dst net.Conn, src io.Reader, webrtc bool) error {
	p := progress{every: wsLogInterval}
	_, err := pump(dst, src, func(chunk []byte, total int64) {
		if fh, ok := sniffFrame(chunk); ok {
			if webrtc {
				if preview, ok := signalingPayload(chunk, fh); ok {
					ci.Logf("WEBRTC_SIGNALING [%s]: %s", dir, preview)
				}
			}
			if d.verbose {
				ci.Logf("%s_FRAME [%s]: type=%s, final=%t, masked=%t, length=%d",
					kind, dir, fh.typeName(), fh.fin, fh.masked, len(chunk))
			}
		}
		if p.crossed(total) {
			ci.Logf("%s_TRANSFER [%s]: %d bytes transferred", kind, dir, total)
		}
	})
	closeWrite(dst)
	if err != nil && !isClosed(err) {
		ci.Logf("%s: %v", errToken, err)
		return reportedError{err}
	}
	return nil
}

// frameHeader is a best-effort reading of the first bytes of a chunk as a
// WebSocket frame header. Chunks are not aligned to frames, so the result
// is only used for logging and inspection.
type frameHeader struct {
	fin        bool
	opcode     byte
	masked     bool
	payloadLen uint64
	headerLen  int
	mask       [4]byte
}

func sniffFrame(b []byte) (frameHeader, bool) {
	if len(b) < 2 {
		return frameHeader{}, false
	}
	fh := frameHeader{
		fin:    b[0]&0x80 != 0,
		opcode: b[0] & 0x0f,
		masked: b[1]&0x80 != 0,
	}

	off := 2
	switch n := b[1] & 0x7f; n {
	case 126:
		if len(b) < 4 {
			return fh, true
		}
		fh.payloadLen = uint64(b[2])<<8 | uint64(b[3])
		off = 4
	case 127:
		if len(b) < 10 {
			return fh, true
		}
		for _, c := range b[2:10] {
			fh.payloadLen = fh.payloadLen<<8 | uint64(c)
		}
		off = 10
	default:
		fh.payloadLen = uint64(n)
	}

	if fh.masked {
		if len(b) < off+4 {
			return fh, true
		}
		copy(fh.mask[:], b[off:off+4])
		off += 4
	}
	fh.headerLen = off
	return fh, true
}

func (fh frameHeader) typeName() string {
	switch fh.opcode {
	case 0x0:
		return "CONTINUATION"
	case 0x1:
		return "TEXT"
	case 0x2:
		return "BINARY"
	case 0x8:
		return "CLOSE"
	case 0x9:
		return "PING"
	case 0xA:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// signalingPayload unmasks the text payload in chunk into a copy and
// returns a preview of it if it carries ICE candidates or SDP.
func signalingPayload(chunk []byte, fh frameHeader) (string, bool) {
	if fh.opcode != 0x1 || fh.headerLen == 0 || len(chunk) <= fh.headerLen {
		return "", false
	}
	payload := chunk[fh.headerLen:]
	if fh.payloadLen < uint64(len(payload)) {
		payload = payload[:fh.payloadLen]
	}

	text := make([]byte, len(payload))
	copy(text, payload)
	if fh.masked {
		for i := range text {
			text[i] ^= fh.mask[i%4]
		}
	}

	if len(signalingMarkers.Match(text)) == 0 {
		return "", false
	}
	return preview(text, signalingPreview), true
}

// preview returns at most n runes of b.
func preview(b []byte, n int) string {
	s := string(b)
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
