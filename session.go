package talon

import (
	"context"
	"crypto/x509"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/talon/tkey"
	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tquic"
)

// Session is one live pooled QUIC connection.
//
// Sessions are created by the factory and shared: one session may
// satisfy requests for several logical destinations (aliases).
// Consumers hold the *Session and open streams on it; all structural
// state (registry membership, network binding, migration bookkeeping)
// is owned by the factory's control goroutine.
type Session struct {
	log *slog.Logger
	f   *Factory

	// The session key the session was originally created for.
	// Aliases may add further keys in the registry, but the identity
	// used for trust decisions is fixed at creation.
	key tkey.SessionKey

	conn tquic.Conn

	// The verified chain presented during the handshake, leaf first.
	// Pooling decisions re-check this chain against new hosts.
	chain []*x509.Certificate

	peerAddr netip.AddrPort

	// Read by consumers, written by the control goroutine.
	network   atomic.Int64
	goingAway atomic.Bool
	closed    atomic.Bool
	lastUsed  atomic.Int64 // unix nanos on the factory clock

	// Everything below is owned by the control goroutine.

	migrationsOnWriteError    int
	migrationsOnPathDegrading int

	// True while a migration attempt is in flight for this session.
	migrating bool

	// Incremented for each migration attempt; completion events
	// carrying a stale generation are discarded.
	migrationGen uint64

	// Timer forcing migration back to the default network; nil when
	// the session is on the default network.
	nonDefaultDeadline *clock.Timer
}

// Key returns the session key the session was created for.
func (s *Session) Key() tkey.SessionKey { return s.key }

// PeerAddr returns the resolved address the session is connected to.
// It does not change on migration; only the local binding moves.
func (s *Session) PeerAddr() netip.AddrPort { return s.peerAddr }

// Network returns the network handle the session is currently bound to.
func (s *Session) Network() tnet.Network {
	return tnet.Network(s.network.Load())
}

// GoingAway reports whether the session has stopped accepting new
// pooled requests. Existing streams continue to drain.
func (s *Session) GoingAway() bool { return s.goingAway.Load() }

// OpenStream opens a new bidirectional stream on the session.
func (s *Session) OpenStream(ctx context.Context) (tquic.Stream, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	s.markUsed()
	return s.conn.OpenStreamSync(ctx)
}

// Close tears the session down and removes it from the pool.
func (s *Session) Close(reason error) {
	s.f.requestSessionClose(s, reason)
}

// ReportWriteError informs the factory that a socket write failed.
// Depending on configuration and remaining budget this triggers a
// migration attempt or closes the session; the error itself is
// absorbed and never surfaced to pending requests.
func (s *Session) ReportWriteError(err error) {
	s.f.postSessionEvent(sessionEvent{kind: sessWriteError, session: s, err: err})
}

// ReportPathDegrading informs the factory that the current path is
// degrading, possibly triggering migration to an alternate network.
func (s *Session) ReportPathDegrading() {
	s.f.postSessionEvent(sessionEvent{kind: sessPathDegrading, session: s})
}

// ReportBlackhole informs the factory that the session stopped making
// forward progress after its handshake had been confirmed.
func (s *Session) ReportBlackhole() {
	s.f.OnBlackholeAfterHandshakeConfirmed(s)
}

func (s *Session) markUsed() {
	s.lastUsed.Store(s.f.clk.Now().UnixNano())
}

// canPool reports whether this session may serve host under key.
// Trust requirements must hold for the new alias: identical privacy,
// tag, and isolation constraints, and a peer certificate that is
// actually valid for the new host.
//
// Only called from the control goroutine.
func (s *Session) canPool(host string, key tkey.SessionKey) bool {
	if s.goingAway.Load() || s.closed.Load() {
		return false
	}

	if s.key.PrivacyMode != key.PrivacyMode ||
		s.key.SocketTag != key.SocketTag ||
		s.key.IsolationKey != key.IsolationKey {
		return false
	}

	if len(s.chain) == 0 {
		return false
	}

	return s.chain[0].VerifyHostname(host) == nil
}
