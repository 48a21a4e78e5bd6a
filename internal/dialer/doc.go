// Package dialer provides the outbound dialers used to reach origin
// servers.
//
// Relays dial through the small Dialer interface so origin connections can
// go out directly or be chained through an upstream HTTP CONNECT or SOCKS5
// proxy, selected by a URL in the configuration.
package dialer
