package tkey_test

import (
	"slices"
	"testing"

	"github.com/gordian-engine/talon/tkey"
	"github.com/stretchr/testify/require"
)

func TestSessionKey_HostPort(t *testing.T) {
	t.Parallel()

	k := tkey.SessionKey{Host: "example.com", Port: 443}
	require.Equal(t, "example.com:443", k.HostPort())

	// IPv6 literals must be bracketed.
	k = tkey.SessionKey{Host: "::1", Port: 8443}
	require.Equal(t, "[::1]:8443", k.HostPort())
}

func TestSessionKey_Compare_totalOrder(t *testing.T) {
	t.Parallel()

	keys := []tkey.SessionKey{
		{Host: "b.example", Port: 443},
		{Host: "a.example", Port: 443, PrivacyMode: tkey.PrivacyModeEnabled},
		{Host: "a.example", Port: 443},
		{Host: "a.example", Port: 80},
		{Host: "a.example", Port: 443, SocketTag: "tagged"},
	}

	slices.SortFunc(keys, tkey.SessionKey.Compare)

	// PrivacyMode is compared ahead of SocketTag,
	// so the tagged key (privacy disabled) sorts first.
	require.Equal(t, []tkey.SessionKey{
		{Host: "a.example", Port: 80},
		{Host: "a.example", Port: 443},
		{Host: "a.example", Port: 443, SocketTag: "tagged"},
		{Host: "a.example", Port: 443, PrivacyMode: tkey.PrivacyModeEnabled},
		{Host: "b.example", Port: 443},
	}, keys)

	// Equal keys compare as zero and are usable as map keys.
	require.Zero(t, keys[0].Compare(keys[0]))
	m := map[tkey.SessionKey]int{keys[0]: 1}
	require.Equal(t, 1, m[tkey.SessionKey{Host: "a.example", Port: 80}])
}

func TestAliasKey_Compare(t *testing.T) {
	t.Parallel()

	k := tkey.SessionKey{Host: "example.com", Port: 443}
	a := tkey.AliasKey{Destination: "example.com:443", Key: k}
	b := tkey.AliasKey{Destination: "www.example.com:443", Key: k}

	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a))
}
