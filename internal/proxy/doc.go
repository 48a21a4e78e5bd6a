// Package proxy implements the forward proxy: the accept loop, per-connection
// request classification, and the three relays (CONNECT tunnel, single
// HTTP exchange, WebSocket).
//
// Requests are parsed from the raw byte stream rather than through net/http
// so that the request line, header order and body framing reach the origin
// exactly as the client sent them.
package proxy
