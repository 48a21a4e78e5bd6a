package proxy

import (
	"net"
)

// Config holds process-level settings that are not part of the reloadable
// configuration file.
type Config struct {
	// KeepAlive is applied to outbound origin connections.
	KeepAlive net.KeepAliveConfig

	// Verbose enables per-frame WebSocket and per-chunk progress lines.
	Verbose bool
}
