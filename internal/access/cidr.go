package access

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var errInvalidIPv4 = errors.New("invalid IPv4 address")

// CIDRRange is a single IPv4 address or an IPv4 network in CIDR notation.
type CIDRRange struct {
	Network   uint32
	PrefixLen int
	SingleIP  bool
}

// ParseCIDR parses "a.b.c.d" or "a.b.c.d/n". A bare address is treated as /32.
func ParseCIDR(s string) (CIDRRange, error) {
	addr, prefix, hasPrefix := strings.Cut(strings.TrimSpace(s), "/")
	network, err := ParseIPv4(addr)
	if err != nil {
		return CIDRRange{}, fmt.Errorf("cidr %q: %w", s, err)
	}
	if !hasPrefix {
		return CIDRRange{Network: network, PrefixLen: 32, SingleIP: true}, nil
	}

	n, err := strconv.Atoi(prefix)
	if err != nil {
		return CIDRRange{}, fmt.Errorf("cidr %q: invalid prefix length: %w", s, err)
	}
	if n < 0 || n > 32 {
		return CIDRRange{}, fmt.Errorf("cidr %q: prefix length %d out of range", s, n)
	}
	return CIDRRange{Network: network, PrefixLen: n, SingleIP: n == 32}, nil
}

// ParseIPv4 converts a dotted quad into its 32-bit value. Exactly four
// decimal octets in [0,255] are accepted.
func ParseIPv4(s string) (uint32, error) {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return 0, errInvalidIPv4
	}
	var v uint32
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return 0, errInvalidIPv4
		}
		v = v<<8 | uint32(n)
	}
	return v, nil
}

// Mask returns the network mask. A zero prefix matches every address.
func (r CIDRRange) Mask() uint32 {
	if r.PrefixLen == 0 {
		return 0
	}
	return ^uint32(0) << (32 - r.PrefixLen)
}

// Contains reports whether ip falls inside the range.
func (r CIDRRange) Contains(ip uint32) bool {
	if r.SingleIP {
		return ip == r.Network
	}
	m := r.Mask()
	return ip&m == r.Network&m
}

// ContainsString is Contains for a dotted quad; malformed input never matches.
func (r CIDRRange) ContainsString(ip string) bool {
	v, err := ParseIPv4(ip)
	if err != nil {
		return false
	}
	return r.Contains(v)
}

// IPNet returns the range as a masked net.IPNet.
func (r CIDRRange) IPNet() net.IPNet {
	m := r.Mask()
	n := r.Network & m
	return net.IPNet{
		IP:   net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4(),
		Mask: net.CIDRMask(r.PrefixLen, 32),
	}
}

func (r CIDRRange) String() string {
	n := r.IPNet()
	if r.SingleIP {
		return n.IP.String()
	}
	return n.String()
}
