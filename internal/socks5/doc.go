// Package socks5 holds the SOCKS5 client negotiation used when origin
// connections are chained through an upstream SOCKS5 proxy.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 so
// the dialer does not have to deal with address encoding or the
// username/password sub-negotiation itself.
package socks5
