package talon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/gordian-engine/talon/tcert"
	"github.com/gordian-engine/talon/tkey"
	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tquic"
	"github.com/quic-go/quic-go"
)

// jobState tracks where a connection attempt is in its lifecycle.
// Transitions happen only on the control goroutine, driven by
// completion events from the job's worker goroutines.
type jobState uint8

const (
	jobResolving jobState = iota
	jobConnecting
)

// job is the in-flight connection attempt for one session key.
//
// The factory guarantees at most one job per key; every concurrent
// Create for the key joins the same job's waiter list.
type job struct {
	log *slog.Logger

	alias    tkey.AliasKey
	destHost string
	destPort uint16

	state jobState

	// Highest priority among the job's waiters. Owned by the control
	// goroutine; worker goroutines receive a snapshot at launch, so
	// bumps landing after resolution starts are best-effort.
	priority tnet.Priority

	flags tcert.Flags

	// QUIC configuration snapshotted at job creation.
	quic *quic.Config

	// Pending requests in arrival order; satisfied FIFO on success.
	waiters []*SessionRequest

	// Speculative certificate verification, nil when not racing.
	race *tcert.Race

	// Cancelling the context stops the job's worker goroutines.
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (j *job) addRequest(r *SessionRequest) {
	j.waiters = append(j.waiters, r)
}

// removeRequest withdraws r from the waiter list,
// reporting whether the list is now empty.
func (j *job) removeRequest(r *SessionRequest) bool {
	j.waiters = slices.DeleteFunc(j.waiters, func(w *SessionRequest) bool {
		return w == r
	})
	return len(j.waiters) == 0
}

type jobEventKind uint8

const (
	jobResolved jobEventKind = iota
	jobConnected
)

// jobEvent is a completion notice from a job worker goroutine,
// marshalled onto the control goroutine.
type jobEvent struct {
	kind jobEventKind
	job  *job

	err error

	// For jobResolved.
	addrs []netip.Addr

	// For jobConnected.
	conn    tquic.Conn
	chain   []*x509.Certificate
	peer    netip.AddrPort
	network tnet.Network
}

// runResolve performs host resolution on a worker goroutine.
// The priority is the caller's snapshot of the job's priority.
func (f *Factory) runResolve(j *job, priority tnet.Priority) {
	addrs, err := f.cfg.Resolver.Resolve(j.ctx, j.destHost, tnet.ResolveOptions{
		Priority: priority,
	})
	if err == nil && len(addrs) == 0 {
		err = errors.New("resolver returned no addresses")
	}

	f.postJobEvent(jobEvent{
		kind:  jobResolved,
		job:   j,
		addrs: addrs,
		err:   err,
	})
}

// runConnect binds a socket and drives the handshake on a worker
// goroutine, trying each resolved address in order.
//
// The whole attempt is bounded by MaxTimeBeforeHandshakeConfirmed.
func (f *Factory) runConnect(j *job, addrs []netip.Addr, network tnet.Network) {
	ctx, cancel := context.WithCancelCause(j.ctx)
	defer cancel(nil)

	timer := f.clk.AfterFunc(f.cfg.MaxTimeBeforeHandshakeConfirmed, func() {
		cancel(ErrHandshakeTimeout)
	})
	defer timer.Stop()

	var lastErr error
	for _, addr := range addrs {
		peer := netip.AddrPortFrom(addr, j.destPort)

		pc, err := f.cfg.Sockets.Bind(ctx, network, peer)
		if err != nil {
			lastErr = &HandshakeError{Destination: peer.String(), Err: err}
			continue
		}

		conn, err := f.cfg.Dialer.Dial(ctx, pc, peer, tquic.DialConfig{
			TLS:  f.tlsFor(j.alias.Key),
			QUIC: j.quic,
			Mode: f.cfg.HandshakeMode,
		})
		if err != nil {
			_ = pc.Close()
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
			lastErr = &HandshakeError{Destination: peer.String(), Err: err}
			if ctx.Err() != nil {
				// Timed out or cancelled; no point trying further addresses.
				break
			}
			continue
		}

		chain := conn.TLSConnectionState().PeerCertificates
		if err := f.verifyChain(ctx, j, chain); err != nil {
			_ = conn.CloseWithError(closeCodeCertRejected, "certificate verification failed")
			lastErr = err
			// A rejected chain will be rejected at every address.
			break
		}

		f.postJobEvent(jobEvent{
			kind:    jobConnected,
			job:     j,
			conn:    conn,
			chain:   chain,
			peer:    peer,
			network: network,
		})
		return
	}

	if lastErr == nil {
		lastErr = &HandshakeError{
			Destination: j.alias.Destination,
			Err:         errors.New("no usable address"),
		}
	}
	f.postJobEvent(jobEvent{kind: jobConnected, job: j, err: lastErr})
}

// verifyChain validates the chain presented by the live handshake.
//
// A finished race for the identical leaf is consumed instead of a
// fresh verification; a race that is late, mismatched, or absent
// means the chain is verified inline. Correctness never depends on
// the race having completed.
func (f *Factory) verifyChain(
	ctx context.Context, j *job, chain []*x509.Certificate,
) error {
	host := j.alias.Key.Host

	if len(chain) == 0 {
		return &CertificateError{
			Host: host,
			Err:  errors.New("no certificates presented"),
		}
	}

	if j.race != nil {
		select {
		case <-j.race.Done():
			if j.race.LeafFingerprint() == tcert.LeafFingerprint(chain) {
				if _, err := j.race.Result(); err != nil {
					return &CertificateError{Host: host, Err: err}
				}
				f.metrics.certRaces.WithLabelValues("used").Inc()
				return nil
			}
			// The live handshake presented different material than
			// what was raced; the raced result is worthless here.
			f.metrics.certRaces.WithLabelValues("mismatch").Inc()
		default:
			f.metrics.certRaces.WithLabelValues("late").Inc()
		}
	}

	_, err := f.cfg.Verifier.Verify(ctx, tcert.VerifyRequest{
		Host:  host,
		Chain: chain,
		Flags: j.flags,
	})
	if err != nil {
		return &CertificateError{Host: host, Err: err}
	}
	return nil
}

// tlsFor builds the TLS configuration for a dial to key's server.
//
// Chain verification is disabled at the TLS layer: the pool owns
// certificate policy through its Verifier (and the racing path),
// which sees the presented chain right after the handshake.
func (f *Factory) tlsFor(key tkey.SessionKey) *tls.Config {
	var conf *tls.Config
	if f.cfg.TLS != nil {
		conf = f.cfg.TLS.Clone()
	} else {
		conf = &tls.Config{}
	}

	conf.ServerName = key.Host
	conf.InsecureSkipVerify = true

	return conf
}

// handleJobEvent dispatches a worker completion on the control goroutine.
func (f *Factory) handleJobEvent(ev jobEvent) {
	j := ev.job

	// The job may have been destroyed (all waiters cancelled)
	// while this event was in flight.
	if cur, ok := f.activeJobs[j.alias.Key]; !ok || cur != j {
		if ev.conn != nil {
			_ = ev.conn.CloseWithError(closeCodeGoingAway, "connection attempt abandoned")
		}
		return
	}

	switch ev.kind {
	case jobResolved:
		f.handleJobResolved(ev)
	case jobConnected:
		f.handleJobConnected(ev)
	default:
		panic(errors.New("BUG: unknown job event kind"))
	}
}

func (f *Factory) handleJobResolved(ev jobEvent) {
	j := ev.job

	if j.state != jobResolving {
		panic(fmt.Errorf(
			"BUG: job for %s received resolution event in state %d",
			j.alias.Key.Host, j.state,
		))
	}

	if ev.err != nil {
		f.failJob(j, &ResolutionError{Host: j.destHost, Err: ev.err})
		return
	}

	// Pool by IP: an existing session already connected to one of the
	// resolved addresses serves this key without a new connection,
	// provided trust constraints hold.
	for _, addr := range ev.addrs {
		peer := netip.AddrPortFrom(addr, j.destPort)
		for _, s := range f.reg.byPeer(peer) {
			if !s.canPool(j.alias.Key.Host, j.alias.Key) {
				continue
			}

			j.log.Debug(
				"Pooling onto existing session by matching address",
				"peer", peer,
			)
			f.reg.activate(s, j.alias)
			s.markUsed()
			f.metrics.pooled.WithLabelValues("ip").Inc()
			f.completeJob(j, s)
			return
		}
	}

	j.state = jobConnecting

	network := tnet.InvalidNetwork
	if f.cfg.MigrateSessionsOnNetworkChange {
		// Bind to the current default network so later topology
		// events can reason about where this session lives.
		network = f.defaultNetwork
	}

	go f.runConnect(j, ev.addrs, network)
}

func (f *Factory) handleJobConnected(ev jobEvent) {
	j := ev.job

	if j.state != jobConnecting {
		panic(fmt.Errorf(
			"BUG: job for %s received connection event in state %d",
			j.alias.Key.Host, j.state,
		))
	}

	if ev.err != nil {
		f.failJob(j, ev.err)
		return
	}

	// A poolable session may have appeared for this key while the
	// handshake ran, via alias activation on another session. Handing
	// out that session instead keeps at most one active session per
	// key; the freshly handshaked connection is surplus.
	if existing := f.findExistingSession(j.alias.Destination, j.alias.Key); existing != nil {
		j.log.Debug("Discarding new connection in favor of pooled session")
		_ = ev.conn.CloseWithError(closeCodeGoingAway, "superseded by pooled session")

		if _, exact := f.reg.active(j.alias.Key); !exact {
			f.reg.activate(existing, j.alias)
			f.metrics.pooled.WithLabelValues("destination").Inc()
		} else {
			f.metrics.pooled.WithLabelValues("key").Inc()
		}
		existing.markUsed()
		f.completeJob(j, existing)
		return
	}

	s := &Session{
		log: f.log.With("sys", "session", "host", j.alias.Key.Host),
		f:   f,

		key:   j.alias.Key,
		conn:  ev.conn,
		chain: ev.chain,

		peerAddr: ev.peer,
	}
	s.network.Store(int64(ev.network))
	s.markUsed()

	f.reg.register(s, j.alias, ev.peer)
	f.store.Add(j.alias.Key.Host, ev.chain)
	f.metrics.activeSessions.Inc()

	// The watcher turns transport-level closure (peer close, idle
	// timeout at the QUIC layer) into an OnSessionClosed callback.
	go f.watchSession(s)

	if f.cfg.MigrateSessionsOnNetworkChange &&
		ev.network != tnet.InvalidNetwork &&
		ev.network != f.defaultNetwork {
		f.armNonDefaultDeadline(s)
	}

	f.completeJob(j, s)
}

// completeJob resolves every waiter with s, in arrival order,
// and destroys the job.
func (f *Factory) completeJob(j *job, s *Session) {
	for _, w := range j.waiters {
		w.complete(s, nil)
	}
	f.destroyJob(j)
	f.metrics.jobs.WithLabelValues("ok").Inc()
}

// failJob resolves every waiter with the identical error
// and destroys the job. No partial success is possible.
func (f *Factory) failJob(j *job, err error) {
	j.log.Debug("Connection attempt failed", "err", err)

	for _, w := range j.waiters {
		w.complete(nil, err)
	}
	f.destroyJob(j)
	f.metrics.jobs.WithLabelValues("error").Inc()
}

func (f *Factory) destroyJob(j *job) {
	j.cancel(nil)
	delete(f.activeJobs, j.alias.Key)
	f.metrics.activeJobs.Dec()
}
