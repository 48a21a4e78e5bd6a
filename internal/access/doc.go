// Package access implements the proxy's connection admission policy: the
// client IP whitelist, the exact-match domain block-list with its 403 page,
// and optional per-client connection rate limiting.
//
// A Control is derived from one configuration snapshot and is never modified
// afterwards; a reload builds a new Control.
package access
