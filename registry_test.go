package talon

import (
	"net/netip"
	"testing"

	"github.com/gordian-engine/talon/tkey"
	"github.com/stretchr/testify/require"
)

func TestRegistry_registerAndLookup(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	keyA := tkey.SessionKey{Host: "a.example", Port: 443}
	alias := tkey.AliasKey{Destination: "a.example:443", Key: keyA}
	peer := netip.MustParseAddrPort("192.0.2.1:443")

	s := &Session{key: keyA}
	r.register(s, alias, peer)

	got, ok := r.active(keyA)
	require.True(t, ok)
	require.Same(t, s, got)

	require.Equal(t, []*Session{s}, r.byPeer(peer))
	require.True(t, r.hasAliasDestination(s, "a.example:443"))
	require.False(t, r.hasAliasDestination(s, "b.example:443"))
}

func TestRegistry_activateAddsAlias(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	keyA := tkey.SessionKey{Host: "a.example", Port: 443}
	keyB := tkey.SessionKey{Host: "b.example", Port: 443}
	peer := netip.MustParseAddrPort("192.0.2.1:443")

	s := &Session{key: keyA}
	r.register(s, tkey.AliasKey{Destination: "a.example:443", Key: keyA}, peer)
	r.activate(s, tkey.AliasKey{Destination: "b.example:443", Key: keyB})

	got, ok := r.active(keyB)
	require.True(t, ok)
	require.Same(t, s, got)
	require.True(t, r.hasAliasDestination(s, "b.example:443"))
}

func TestRegistry_goingAwayRemovesAllPoolableState(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	keyA := tkey.SessionKey{Host: "a.example", Port: 443}
	keyB := tkey.SessionKey{Host: "b.example", Port: 443}
	peer := netip.MustParseAddrPort("192.0.2.1:443")

	s := &Session{key: keyA}
	r.register(s, tkey.AliasKey{Destination: "a.example:443", Key: keyA}, peer)
	r.activate(s, tkey.AliasKey{Destination: "b.example:443", Key: keyB})

	r.goingAway(s)

	// Every alias is deactivated at once.
	_, ok := r.active(keyA)
	require.False(t, ok)
	_, ok = r.active(keyB)
	require.False(t, ok)

	require.Empty(t, r.byPeer(peer))

	// But the session itself is still tracked for draining.
	_, tracked := r.allSessions[s]
	require.True(t, tracked)

	r.remove(s)
	_, tracked = r.allSessions[s]
	require.False(t, tracked)
}

func TestRegistry_goingAwayLeavesTakenOverKeysAlone(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	keyA := tkey.SessionKey{Host: "a.example", Port: 443}
	keyB := tkey.SessionKey{Host: "b.example", Port: 443}
	peer1 := netip.MustParseAddrPort("192.0.2.1:443")
	peer2 := netip.MustParseAddrPort("192.0.2.2:443")

	old := &Session{key: keyA}
	r.register(old, tkey.AliasKey{Destination: "a.example:443", Key: keyA}, peer1)
	r.activate(old, tkey.AliasKey{Destination: "a.example:443", Key: keyB})

	// A newer session takes over keyB while old still holds the alias.
	fresh := &Session{key: keyB}
	r.register(fresh, tkey.AliasKey{Destination: "a.example:443", Key: keyB}, peer2)

	r.goingAway(old)

	// old's own key goes, but keyB now belongs to fresh and stays.
	_, ok := r.active(keyA)
	require.False(t, ok)

	got, ok := r.active(keyB)
	require.True(t, ok)
	require.Same(t, fresh, got)
}

func TestRegistry_byPeerKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	peer := netip.MustParseAddrPort("192.0.2.1:443")

	keyA := tkey.SessionKey{Host: "a.example", Port: 443}
	keyB := tkey.SessionKey{Host: "b.example", Port: 443}

	s1 := &Session{key: keyA}
	s2 := &Session{key: keyB}
	r.register(s1, tkey.AliasKey{Destination: "a.example:443", Key: keyA}, peer)
	r.register(s2, tkey.AliasKey{Destination: "b.example:443", Key: keyB}, peer)

	// Oldest session first, so address-based pooling is deterministic.
	require.Equal(t, []*Session{s1, s2}, r.byPeer(peer))

	r.remove(s1)
	require.Equal(t, []*Session{s2}, r.byPeer(peer))
}
