package exclusion

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	assert.Nil(t, ParseList(""))
	assert.Nil(t, ParseList(" , ,"))
	assert.Equal(t, []string{"fd00::/8", "2001:db8::/32"}, ParseList(" fd00::/8 ,2001:db8::/32,"))
}

func TestNew_Empty(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.False(t, s.IsExcluded(netip.MustParseAddr("fd00::1")))
	assert.Equal(t, 0, s.Len())
}

func TestNew_Invalid(t *testing.T) {
	for _, raw := range []string{"not-a-prefix", "fd00::1", "10.0.0.0/8", "::ffff:10.0.0.0/104"} {
		_, err := New([]string{raw})
		assert.Truef(t, errors.Is(err, ErrInvalidPrefix), "expected ErrInvalidPrefix for %q, got %v", raw, err)
	}
}

func TestIsExcluded(t *testing.T) {
	s, err := New([]string{"fd00::/8", "2001:db8:1::/48"})
	require.NoError(t, err)

	tests := []struct {
		addr string
		want bool
	}{
		{"fd00::1", true},
		{"fdff:ffff::1", true},
		{"2001:db8:1::5", true},
		{"2001:db8::1", false},
		{"2001:db8:2::1", false},
		{"fe80::1%eth0", false},
		{"192.0.2.10", false},
		{"::ffff:192.0.2.10", false},
	}
	for _, tt := range tests {
		got := s.IsExcluded(netip.MustParseAddr(tt.addr))
		assert.Equalf(t, tt.want, got, "IsExcluded(%s)", tt.addr)
	}
}

func TestIsExcluded_OverlappingPrefixes(t *testing.T) {
	s, err := New([]string{"2001:db8::/32", "2001:db8:ff::/48"})
	require.NoError(t, err)
	assert.True(t, s.IsExcluded(netip.MustParseAddr("2001:db8:ff::1")))
	assert.True(t, s.IsExcluded(netip.MustParseAddr("2001:db8::5")))
	assert.Equal(t, 2, s.Len())
}

func TestPrefixesAreMasked(t *testing.T) {
	s, err := New([]string{"fd12:3456::1/16"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("fd12::/16")}, s.Prefixes())
}
