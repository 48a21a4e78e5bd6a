package access

import (
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"

	"github.com/vladtop46/webproxy/internal/config"
)

// Control answers admission questions for one configuration snapshot.
type Control struct {
	whitelistEnabled bool
	ranger           cidranger.Ranger
	blocked          map[string]struct{}
	errorPage        []byte
}

// New builds a Control from cfg. Malformed whitelist entries are logged and
// skipped; they never prevent the remaining entries from loading.
func New(cfg *config.Config) *Control {
	c := &Control{
		whitelistEnabled: cfg.Security.WhitelistEnabled,
		ranger:           cidranger.NewPCTrieRanger(),
		blocked:          make(map[string]struct{}, len(cfg.BlockedDomains)),
		errorPage:        renderErrorPage(cfg.ErrorPage.Title, cfg.ErrorPage.Message),
	}

	for _, entry := range cfg.Security.WhitelistedIPs {
		r, err := ParseCIDR(entry)
		if err != nil {
			log.Printf("access: skipping whitelist entry: %v", err)
			continue
		}
		if err := c.ranger.Insert(cidranger.NewBasicRangerEntry(r.IPNet())); err != nil {
			log.Printf("access: skipping whitelist entry %q: %v", entry, err)
		}
	}

	for _, d := range cfg.BlockedDomains {
		c.blocked[strings.ToLower(d)] = struct{}{}
	}
	return c
}

// IsIPAllowed reports whether a client may connect. Everything is allowed
// while the whitelist is disabled; otherwise only IPv4 clients inside a
// configured range are.
func (c *Control) IsIPAllowed(ip net.IP) bool {
	if !c.whitelistEnabled {
		return true
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	ok, err := c.ranger.Contains(ip4)
	return err == nil && ok
}

// IsDomainAllowed reports whether domain is absent from the block-list.
// Matching is exact and case-insensitive; there is no suffix matching.
func (c *Control) IsDomainAllowed(domain string) bool {
	_, blocked := c.blocked[strings.ToLower(domain)]
	return !blocked
}

// ErrorPage returns the raw 403 response sent for blocked domains.
func (c *Control) ErrorPage() []byte {
	return c.errorPage
}

// The layout, including bare LF line endings, is kept byte-for-byte for
// clients that already parse it.
const errorPageFormat = `HTTP/1.1 403 Forbidden
Content-Type: text/html; charset=UTF-8
Connection: close

<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
    <h1>%s</h1>
    <p>%s</p>
</body>
</html>
`

func renderErrorPage(title, message string) []byte {
	return []byte(fmt.Sprintf(errorPageFormat, title, title, message))
}
