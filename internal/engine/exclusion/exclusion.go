// Package exclusion decides whether an IPv6 address belongs to a configured
// set of prefixes whose traffic must not be counted.
package exclusion

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// ErrInvalidPrefix is returned when a configured prefix cannot be used.
var ErrInvalidPrefix = errors.New("invalid exclusion prefix")

// Set is an immutable set of IPv6 prefixes. A nil *Set matches nothing.
type Set struct {
	ipset    *netipx.IPSet
	prefixes []netip.Prefix
}

// ParseList splits the raw comma-separated form, dropping blank items.
func ParseList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// New builds a Set from prefix strings such as "fd00::/8". It returns nil for an
// empty list so the common case costs a single nil check per packet.
func New(prefixes []string) (*Set, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}

	var b netipx.IPSetBuilder
	parsed := make([]netip.Prefix, 0, len(prefixes))
	for _, raw := range prefixes {
		p, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPrefix, raw, err)
		}
		if !p.Addr().Is6() || p.Addr().Is4In6() {
			return nil, fmt.Errorf("%w %q: only IPv6 prefixes can be excluded", ErrInvalidPrefix, raw)
		}
		p = p.Masked()
		b.AddPrefix(p)
		parsed = append(parsed, p)
	}

	ipset, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	return &Set{ipset: ipset, prefixes: parsed}, nil
}

// IsExcluded reports whether addr falls inside any configured prefix.
// IPv4 addresses are never excluded.
func (s *Set) IsExcluded(addr netip.Addr) bool {
	if s == nil || !addr.Is6() {
		return false
	}
	return s.ipset.Contains(addr.WithZone(""))
}

// Prefixes returns the configured prefixes in their masked form.
func (s *Set) Prefixes() []netip.Prefix {
	if s == nil {
		return nil
	}
	out := make([]netip.Prefix, len(s.prefixes))
	copy(out, s.prefixes)
	return out
}

// Len returns the number of configured prefixes.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}
