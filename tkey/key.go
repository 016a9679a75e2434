package tkey

import (
	"cmp"
	"net"
	"strconv"
)

// PrivacyMode controls whether a session may carry credentialed traffic.
//
// Sessions established under different privacy modes must never pool,
// even when they resolve to the same server.
type PrivacyMode uint8

const (
	// PrivacyModeDisabled is the normal, credentialed mode.
	PrivacyModeDisabled PrivacyMode = iota

	// PrivacyModeEnabled requests a session that carries no ambient credentials.
	PrivacyModeEnabled
)

// SessionKey identifies a logical QUIC destination.
//
// Two requests with equal SessionKeys are allowed to share one session.
// The zero value is not a valid key; Host must be non-empty.
//
// SessionKey is a comparable value type and is used directly as a map key.
type SessionKey struct {
	// Host and Port identify the server, as presented in TLS (SNI)
	// and certificate validation. Host is a DNS name or IP literal.
	Host string
	Port uint16

	PrivacyMode PrivacyMode

	// SocketTag separates traffic classes that must not share a socket,
	// for example per-app tagging on mobile platforms.
	// An empty tag is the common case.
	SocketTag string

	// IsolationKey partitions sessions by requesting context,
	// preventing cross-context connection reuse.
	// An empty key means no isolation.
	IsolationKey string
}

// HostPort returns the key's server identity in "host:port" form.
func (k SessionKey) HostPort() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

// Compare returns a total order over session keys,
// for use where deterministic iteration matters.
func (k SessionKey) Compare(o SessionKey) int {
	if c := cmp.Compare(k.Host, o.Host); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Port, o.Port); c != 0 {
		return c
	}
	if c := cmp.Compare(k.PrivacyMode, o.PrivacyMode); c != 0 {
		return c
	}
	if c := cmp.Compare(k.SocketTag, o.SocketTag); c != 0 {
		return c
	}
	return cmp.Compare(k.IsolationKey, o.IsolationKey)
}

// AliasKey pairs a SessionKey with the network destination ("host:port")
// that was actually requested.
//
// One live session may accumulate several alias keys as additional logical
// destinations pool onto it.
type AliasKey struct {
	// Destination is the host:port the caller asked to reach.
	// It may differ from Key.HostPort when the request was routed
	// through an aliased name.
	Destination string

	Key SessionKey
}

// Compare returns a total order over alias keys.
func (a AliasKey) Compare(o AliasKey) int {
	if c := cmp.Compare(a.Destination, o.Destination); c != 0 {
		return c
	}
	return a.Key.Compare(o.Key)
}
