package talon

import (
	"github.com/gordian-engine/talon/tnet"
)

// Application error codes sent in CONNECTION_CLOSE frames
// when the factory closes a connection itself.
const (
	closeCodeGoingAway     uint64 = 0x100
	closeCodeCertRejected  uint64 = 0x101
	closeCodeNetworkChange uint64 = 0x102
	closeCodeIdle          uint64 = 0x103
	closeCodeMigrationFail uint64 = 0x104
	closeCodeFactoryClosed uint64 = 0x105
)

type sessionEventKind uint8

const (
	// The owner asked for the session to drain without closing.
	sessGoingAway sessionEventKind = iota

	// The connection's context finished: the transport closed
	// underneath us (peer close, QUIC-level idle timeout).
	sessTransportClosed

	// Session.Close or a factory-wide teardown.
	sessExplicitClose

	// Trigger reports from the session's owner.
	sessWriteError
	sessPathDegrading
	sessBlackhole

	// The non-default-network deadline timer fired.
	sessDeadline
)

// sessionEvent marshals per-session triggers onto the control goroutine.
type sessionEvent struct {
	kind    sessionEventKind
	session *Session
	err     error
}

// migrationResult is posted by a migration worker goroutine.
type migrationResult struct {
	session *Session

	// Generation at the time the attempt started; stale results
	// (the session migrated again, or closed) are discarded.
	gen uint64

	trigger string
	network tnet.Network
	err     error

	// Whether a failed attempt should take the session down.
	closeOnFailure bool
}

func (f *Factory) handleSessionEvent(ev sessionEvent) {
	s := ev.session

	// The session may already be gone; every kind below is racy
	// with closure by design.
	if _, ok := f.reg.allSessions[s]; !ok {
		return
	}

	switch ev.kind {
	case sessGoingAway:
		f.markGoingAway(s)

	case sessTransportClosed:
		f.finalizeSession(s)

	case sessExplicitClose:
		f.closeSession(s, ev.err, closeCodeGoingAway)

	case sessWriteError:
		f.handleWriteError(s, ev.err)

	case sessPathDegrading:
		f.handlePathDegrading(s)

	case sessBlackhole:
		f.reducedIdle = true
		f.closeSession(s, ErrSessionBlackholed, closeCodeMigrationFail)

	case sessDeadline:
		f.handleNonDefaultDeadline(s)
	}
}

// markGoingAway pulls the session out of every poolable index.
// Streams already open keep working; the session stays tracked
// until the transport actually closes.
func (f *Factory) markGoingAway(s *Session) {
	if s.goingAway.Load() {
		return
	}

	s.log.Info("Session going away", "peer", s.peerAddr)
	s.goingAway.Store(true)
	f.reg.goingAway(s)
}

// closeSession actively closes the connection and forgets the session.
func (f *Factory) closeSession(s *Session, reason error, code uint64) {
	if s.closed.Load() {
		return
	}

	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	s.log.Info("Closing session", "peer", s.peerAddr, "reason", msg)

	_ = s.conn.CloseWithError(code, msg)
	f.finalizeSession(s)
}

// finalizeSession removes a session whose connection is closed
// (or closing) from all factory state.
func (f *Factory) finalizeSession(s *Session) {
	if s.closed.Load() {
		return
	}
	s.closed.Store(true)

	f.stopNonDefaultDeadline(s)
	f.reg.remove(s)
	f.metrics.activeSessions.Dec()
}

func (f *Factory) handleWriteError(s *Session, err error) {
	if !f.cfg.MigrateOnWriteError || !f.cfg.MigrateSessionsOnNetworkChange {
		f.closeSession(s, err, closeCodeMigrationFail)
		return
	}
	if s.migrating {
		return
	}

	if s.migrationsOnWriteError >= f.cfg.MaxMigrationsOnWriteError {
		f.closeSession(s, ErrMigrationBudgetExhausted, closeCodeMigrationFail)
		return
	}

	target := f.pickAlternateNetwork(s.Network())
	if target == tnet.InvalidNetwork {
		f.closeSession(s, ErrNoAlternateNetwork, closeCodeMigrationFail)
		return
	}

	s.migrationsOnWriteError++
	f.startMigration(s, "write_error", target, true)
}

func (f *Factory) handlePathDegrading(s *Session) {
	if !f.cfg.MigrateOnPathDegrading || !f.cfg.MigrateSessionsOnNetworkChange {
		return
	}
	if s.migrating {
		return
	}

	if s.migrationsOnPathDegrading >= f.cfg.MaxMigrationsOnPathDegrading {
		// Out of budget: stop accepting new pooled requests so the
		// degraded path does not pick up more traffic, but let
		// existing streams limp along.
		f.markGoingAway(s)
		return
	}

	target := f.pickAlternateNetwork(s.Network())
	if target == tnet.InvalidNetwork {
		s.log.Debug("Path degrading but no alternate network available")
		return
	}

	s.migrationsOnPathDegrading++
	f.startMigration(s, "path_degrading", target, false)
}

func (f *Factory) handleNonDefaultDeadline(s *Session) {
	s.nonDefaultDeadline = nil

	if s.migrating {
		// An attempt is in flight; its completion re-arms or clears
		// the deadline as appropriate.
		return
	}

	def := f.defaultNetwork
	if def == tnet.InvalidNetwork || def == s.Network() {
		return
	}

	// The session overstayed on a non-default network.
	// Failing to get back to the default closes it.
	f.startMigration(s, "deadline", def, true)
}

// startMigration launches a migration attempt for s toward target.
// Per-session, at most one attempt is in flight at a time.
func (f *Factory) startMigration(
	s *Session, trigger string, target tnet.Network, closeOnFailure bool,
) {
	s.migrating = true
	s.migrationGen++
	gen := s.migrationGen

	s.log.Info(
		"Starting session migration",
		"trigger", trigger,
		"from", s.Network(),
		"to", target,
	)

	go f.runMigration(s, gen, trigger, target, closeOnFailure)
}

// runMigration binds a fresh socket on the target network and rebinds
// the connection onto it, on a worker goroutine.
func (f *Factory) runMigration(
	s *Session, gen uint64, trigger string, target tnet.Network, closeOnFailure bool,
) {
	pc, err := f.cfg.Sockets.Bind(f.ctx, target, s.peerAddr)
	if err == nil {
		if err = s.conn.Rebind(f.ctx, pc); err != nil {
			_ = pc.Close()
		}
	}

	f.postMigrationResult(migrationResult{
		session:        s,
		gen:            gen,
		trigger:        trigger,
		network:        target,
		err:            err,
		closeOnFailure: closeOnFailure,
	})
}

func (f *Factory) handleMigrationResult(res migrationResult) {
	s := res.session

	if _, ok := f.reg.allSessions[s]; !ok {
		return
	}
	if res.gen != s.migrationGen {
		// A newer attempt superseded this one.
		return
	}
	s.migrating = false

	if res.err != nil {
		s.log.Warn(
			"Session migration failed",
			"trigger", res.trigger,
			"to", res.network,
			"err", res.err,
		)
		f.metrics.migrations.WithLabelValues(res.trigger, "error").Inc()

		if res.closeOnFailure {
			f.closeSession(s, res.err, closeCodeMigrationFail)
		}
		return
	}

	s.log.Info(
		"Session migrated",
		"trigger", res.trigger,
		"to", res.network,
	)
	s.network.Store(int64(res.network))
	f.metrics.migrations.WithLabelValues(res.trigger, "ok").Inc()

	if res.network != f.defaultNetwork && f.defaultNetwork != tnet.InvalidNetwork {
		f.armNonDefaultDeadline(s)
	} else {
		f.stopNonDefaultDeadline(s)
	}
}

func (f *Factory) armNonDefaultDeadline(s *Session) {
	f.stopNonDefaultDeadline(s)
	s.nonDefaultDeadline = f.clk.AfterFunc(
		f.cfg.MaxTimeOnNonDefaultNetwork,
		func() {
			f.postSessionEvent(sessionEvent{kind: sessDeadline, session: s})
		},
	)
}

func (f *Factory) stopNonDefaultDeadline(s *Session) {
	if s.nonDefaultDeadline != nil {
		s.nonDefaultDeadline.Stop()
		s.nonDefaultDeadline = nil
	}
}

// pickAlternateNetwork chooses a connected network other than exclude,
// preferring the default network.
func (f *Factory) pickAlternateNetwork(exclude tnet.Network) tnet.Network {
	if f.defaultNetwork != tnet.InvalidNetwork && f.defaultNetwork != exclude {
		return f.defaultNetwork
	}
	for _, n := range f.cfg.Notifier.ConnectedNetworks() {
		if n != exclude {
			return n
		}
	}
	return tnet.InvalidNetwork
}

// handleNetworkEvent applies a topology change to the whole pool.
func (f *Factory) handleNetworkEvent(ev tnet.Event) {
	f.log.Info("Network event", "kind", ev.Kind, "network", ev.Network)

	switch ev.Kind {
	case tnet.NetworkConnected:
		// Nothing to do eagerly; disconnect and made-default events
		// drive the actual movement.

	case tnet.NetworkDisconnected:
		f.handleNetworkDisconnected(ev.Network)

	case tnet.NetworkSoonToDisconnect:
		f.handleNetworkSoonToDisconnect(ev.Network)

	case tnet.NetworkMadeDefault:
		f.handleNetworkMadeDefault(ev.Network)

	case tnet.IPAddressChanged:
		f.handleIPAddressChanged()
	}

	f.defaultNetwork = f.cfg.Notifier.DefaultNetwork()
}

func (f *Factory) handleNetworkDisconnected(network tnet.Network) {
	wasDefault := network == f.defaultNetwork

	for _, s := range f.sessionsOn(network) {
		if wasDefault {
			// A new default means a fresh chance for the old
			// failure pattern to stop repeating.
			s.migrationsOnWriteError = 0
		}

		if !f.cfg.MigrateSessionsOnNetworkChange {
			f.closeSession(s, ErrNetworkChanged, closeCodeNetworkChange)
			continue
		}

		target := f.pickAlternateNetwork(network)
		if target == tnet.InvalidNetwork {
			f.closeSession(s, ErrNoAlternateNetwork, closeCodeNetworkChange)
			continue
		}
		f.startMigration(s, "disconnect", target, true)
	}
}

func (f *Factory) handleNetworkSoonToDisconnect(network tnet.Network) {
	if !f.cfg.MigrateSessionsOnNetworkChange || !f.cfg.MigrateSessionsEarly {
		return
	}

	for _, s := range f.sessionsOn(network) {
		if s.migrating {
			continue
		}
		target := f.pickAlternateNetwork(network)
		if target == tnet.InvalidNetwork {
			continue
		}
		// Best effort: the network is still up, so a failed early
		// migration leaves the session where it is.
		f.startMigration(s, "early", target, false)
	}
}

func (f *Factory) handleNetworkMadeDefault(network tnet.Network) {
	f.defaultNetwork = network

	for s := range f.reg.allSessions {
		if s.closed.Load() {
			continue
		}

		// A new default network resets migration budgets pool-wide.
		s.migrationsOnWriteError = 0
		s.migrationsOnPathDegrading = 0

		if !f.cfg.MigrateSessionsOnNetworkChange {
			continue
		}

		if s.Network() == network {
			f.stopNonDefaultDeadline(s)
			continue
		}

		if f.cfg.MigrateSessionsEarly && !s.migrating {
			f.startMigration(s, "made_default", network, false)
		} else if s.nonDefaultDeadline == nil {
			f.armNonDefaultDeadline(s)
		}
	}
}

func (f *Factory) handleIPAddressChanged() {
	if f.cfg.MigrateSessionsOnNetworkChange {
		// Migration-aware pools react to the network-scoped events
		// instead; a bare IP change is not actionable.
		return
	}

	switch f.cfg.IPChangePolicy {
	case GoAwayOnIPChange:
		for s := range f.reg.allSessions {
			f.markGoingAway(s)
		}
	default:
		for s := range f.reg.allSessions {
			f.closeSession(s, ErrNetworkChanged, closeCodeNetworkChange)
		}
	}
}

// sessionsOn snapshots the open sessions bound to network.
func (f *Factory) sessionsOn(network tnet.Network) []*Session {
	var out []*Session
	for s := range f.reg.allSessions {
		if s.closed.Load() || s.Network() != network {
			continue
		}
		out = append(out, s)
	}
	return out
}
