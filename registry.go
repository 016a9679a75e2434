package talon

import (
	"net/netip"
	"slices"

	"github.com/gordian-engine/talon/tkey"
)

// registry holds the pooling tables.
//
// It is owned exclusively by the factory's control goroutine;
// no locking happens here. The secondary indices (aliases, IP map,
// peer-IP map) are kept consistent with the active-session table on
// every mutation, and removal is atomic across all of them.
type registry struct {
	// Sessions poolable for new requests, by session key.
	// A session appears once per alias key it has accumulated.
	activeSessions map[tkey.SessionKey]*Session

	// Every live session, including ones marked going away.
	allSessions map[*Session]struct{}

	// Alias keys accumulated per session.
	sessionAliases map[*Session]map[tkey.AliasKey]struct{}

	// Sessions by resolved peer address, in insertion order so that
	// IP-match tie-breaking is deterministic (oldest session wins).
	ipAliases map[netip.AddrPort][]*Session

	sessionPeerIP map[*Session]netip.AddrPort
}

func newRegistry() *registry {
	return &registry{
		activeSessions: make(map[tkey.SessionKey]*Session),
		allSessions:    make(map[*Session]struct{}),
		sessionAliases: make(map[*Session]map[tkey.AliasKey]struct{}),
		ipAliases:      make(map[netip.AddrPort][]*Session),
		sessionPeerIP:  make(map[*Session]netip.AddrPort),
	}
}

// register inserts a brand new session under alias,
// connected to peer.
func (r *registry) register(s *Session, alias tkey.AliasKey, peer netip.AddrPort) {
	r.allSessions[s] = struct{}{}
	r.activate(s, alias)

	r.ipAliases[peer] = append(r.ipAliases[peer], s)
	r.sessionPeerIP[s] = peer
}

// activate maps an additional alias onto an existing session,
// making it poolable under alias.Key.
func (r *registry) activate(s *Session, alias tkey.AliasKey) {
	r.activeSessions[alias.Key] = s

	aliases, ok := r.sessionAliases[s]
	if !ok {
		aliases = make(map[tkey.AliasKey]struct{})
		r.sessionAliases[s] = aliases
	}
	aliases[alias] = struct{}{}
}

// active returns the poolable session for key, if any.
func (r *registry) active(key tkey.SessionKey) (*Session, bool) {
	s, ok := r.activeSessions[key]
	return s, ok
}

// byPeer returns the sessions connected to peer, oldest first.
func (r *registry) byPeer(peer netip.AddrPort) []*Session {
	return r.ipAliases[peer]
}

// hasAliasDestination reports whether s has already been pooled
// for destination.
func (r *registry) hasAliasDestination(s *Session, destination string) bool {
	for alias := range r.sessionAliases[s] {
		if alias.Destination == destination {
			return true
		}
	}
	return false
}

// goingAway removes the session from every poolable index
// while leaving it in allSessions so it can drain.
func (r *registry) goingAway(s *Session) {
	for alias := range r.sessionAliases[s] {
		// Another session may have taken over the key since;
		// only entries still mapping to s are ours to remove.
		if r.activeSessions[alias.Key] == s {
			delete(r.activeSessions, alias.Key)
		}
	}
	delete(r.sessionAliases, s)

	if peer, ok := r.sessionPeerIP[s]; ok {
		remaining := slices.DeleteFunc(r.ipAliases[peer], func(o *Session) bool {
			return o == s
		})
		if len(remaining) == 0 {
			delete(r.ipAliases, peer)
		} else {
			r.ipAliases[peer] = remaining
		}
		delete(r.sessionPeerIP, s)
	}
}

// remove erases the session from every table.
func (r *registry) remove(s *Session) {
	r.goingAway(s)
	delete(r.allSessions, s)
}
