package talon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/talon/tcert"
	"github.com/gordian-engine/talon/tkey"
	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tquic"
	"github.com/quic-go/quic-go"
)

// Factory owns the pool of QUIC sessions and the jobs creating them.
//
// All pool state is confined to a single control goroutine; the
// exported methods communicate with it over channels. Worker
// goroutines (resolution, handshakes, migrations) report back the
// same way, so no locks guard the pooling tables.
type Factory struct {
	log *slog.Logger
	cfg Config
	clk clock.Clock

	ctx context.Context

	reg        *registry
	activeJobs map[tkey.SessionKey]*job

	store *tcert.Store
	racer *tcert.Racer

	// Owned by the control goroutine; refreshed on notifier events.
	defaultNetwork tnet.Network

	// Set after a blackhole report; future connections get a reduced
	// idle timeout so a recurrence is detected quickly.
	reducedIdle bool

	// Create, cancel, and priority updates share one channel so the
	// control goroutine observes them in the order callers issued
	// them; a cancel can never overtake the create it targets.
	requests chan poolRequest

	probeRequests    chan probeRequest
	closeAllRequests chan closeAllRequest

	sessionEvents    chan sessionEvent
	jobEvents        chan jobEvent
	migrationResults chan migrationResult

	netEvents   <-chan tnet.Event
	unsubscribe func()

	metrics *factoryMetrics

	done chan struct{}
}

// poolRequest is one caller operation for the control goroutine.
// Exactly one field is set.
type poolRequest struct {
	create   *createRequest
	cancel   *SessionRequest
	priority *priorityUpdate
}

type createRequest struct {
	req  *SessionRequest
	opts CreateOptions

	destHost string
	destPort uint16
}

type priorityUpdate struct {
	req      *SessionRequest
	priority tnet.Priority
}

type probeRequest struct {
	destination string
	key         tkey.SessionKey

	resp chan bool
}

type closeAllRequest struct {
	reason error
	resp   chan struct{}
}

// New returns an initialized factory whose control goroutine runs
// until ctx is cancelled. It panics on invalid configuration.
func New(ctx context.Context, log *slog.Logger, cfg Config) *Factory {
	cfg.validate()
	cfg = cfg.withDefaults()

	store := tcert.NewStore(cfg.CertStoreSize)

	var racer *tcert.Racer
	if cfg.RaceCertVerification {
		racer = tcert.NewRacer(
			log.With("sys", "certracer"),
			cfg.Verifier,
			store,
		)
	}

	netEvents, unsubscribe := cfg.Notifier.Subscribe()

	f := &Factory{
		log: log,
		cfg: cfg,
		clk: cfg.Clock,

		ctx: ctx,

		reg:        newRegistry(),
		activeJobs: make(map[tkey.SessionKey]*job),

		store: store,
		racer: racer,

		defaultNetwork: cfg.Notifier.DefaultNetwork(),

		requests:         make(chan poolRequest, 16),
		probeRequests:    make(chan probeRequest),
		closeAllRequests: make(chan closeAllRequest),

		sessionEvents:    make(chan sessionEvent, 16),
		jobEvents:        make(chan jobEvent, 16),
		migrationResults: make(chan migrationResult, 8),

		netEvents:   netEvents,
		unsubscribe: unsubscribe,

		metrics: newFactoryMetrics(cfg.Metrics),

		done: make(chan struct{}),
	}

	go f.mainLoop(ctx)

	return f
}

// Wait blocks until the factory's control goroutine has finished.
// Typically called during shutdown, after cancelling the context
// passed to New.
func (f *Factory) Wait() {
	<-f.done
}

// Create requests a session for key reaching destination ("host:port").
//
// When a poolable session already exists, the request completes
// immediately without any new connection attempt. Otherwise the
// request joins the single in-flight job for key, creating the job
// if necessary.
func (f *Factory) Create(
	ctx context.Context, destination string, key tkey.SessionKey, opts CreateOptions,
) (*SessionRequest, error) {
	destHost, portStr, err := net.SplitHostPort(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	destPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid destination port %q: %w", portStr, err)
	}

	req := &SessionRequest{
		f: f,

		key:         key,
		destination: destination,

		done: make(chan struct{}),
	}

	cr := createRequest{
		req:  req,
		opts: opts,

		destHost: destHost,
		destPort: uint16(destPort),
	}

	select {
	case f.requests <- poolRequest{create: &cr}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, ErrFactoryClosed
	}

	return req, nil
}

// CancelRequest withdraws a pending request. The request completes
// with [ErrRequestCancelled]; a request that already completed is
// left untouched. Cancelling never disturbs the underlying job's
// other waiters.
func (f *Factory) CancelRequest(r *SessionRequest) {
	select {
	case f.requests <- poolRequest{cancel: r}:
	case <-f.ctx.Done():
	}
}

// CanUseExistingSession reports whether a Create for key reaching
// destination would be satisfied synchronously from the pool.
// It never mutates the pool.
func (f *Factory) CanUseExistingSession(destination string, key tkey.SessionKey) bool {
	pr := probeRequest{
		destination: destination,
		key:         key,

		resp: make(chan bool, 1),
	}

	select {
	case f.probeRequests <- pr:
	case <-f.ctx.Done():
		return false
	}

	select {
	case ok := <-pr.resp:
		return ok
	case <-f.ctx.Done():
		return false
	}
}

// CloseAllSessions actively closes every live session with reason.
// It returns once the pool is empty.
func (f *Factory) CloseAllSessions(reason error) {
	cr := closeAllRequest{
		reason: reason,
		resp:   make(chan struct{}),
	}

	select {
	case f.closeAllRequests <- cr:
	case <-f.ctx.Done():
		return
	}

	select {
	case <-cr.resp:
	case <-f.ctx.Done():
	}
}

// OnSessionGoingAway marks s as draining: it stops serving new
// requests under any of its keys but stays alive for open streams.
func (f *Factory) OnSessionGoingAway(s *Session) {
	f.postSessionEvent(sessionEvent{kind: sessGoingAway, session: s})
}

// OnSessionClosed informs the factory that s's connection has closed
// at the transport layer, removing it from all tables.
func (f *Factory) OnSessionClosed(s *Session) {
	f.postSessionEvent(sessionEvent{kind: sessTransportClosed, session: s})
}

// OnBlackholeAfterHandshakeConfirmed closes a session that stopped
// making forward progress after its handshake was confirmed.
func (f *Factory) OnBlackholeAfterHandshakeConfirmed(s *Session) {
	f.postSessionEvent(sessionEvent{kind: sessBlackhole, session: s})
}

func (f *Factory) requestSessionClose(s *Session, reason error) {
	f.postSessionEvent(sessionEvent{kind: sessExplicitClose, session: s, err: reason})
}

func (f *Factory) setRequestPriority(r *SessionRequest, p tnet.Priority) {
	select {
	case f.requests <- poolRequest{priority: &priorityUpdate{req: r, priority: p}}:
	case <-f.ctx.Done():
	}
}

func (f *Factory) postSessionEvent(ev sessionEvent) {
	select {
	case f.sessionEvents <- ev:
	case <-f.ctx.Done():
	}
}

func (f *Factory) postJobEvent(ev jobEvent) {
	select {
	case f.jobEvents <- ev:
	case <-f.ctx.Done():
		if ev.conn != nil {
			_ = ev.conn.CloseWithError(closeCodeFactoryClosed, "factory closed")
		}
	}
}

func (f *Factory) postMigrationResult(res migrationResult) {
	select {
	case f.migrationResults <- res:
	case <-f.ctx.Done():
	}
}

// watchSession turns the connection's context finishing into a
// transport-closed event, so peer-initiated closure and QUIC-level
// idle timeouts clean up pool state like any other closure.
func (f *Factory) watchSession(s *Session) {
	select {
	case <-s.conn.Context().Done():
		f.postSessionEvent(sessionEvent{kind: sessTransportClosed, session: s})
	case <-f.ctx.Done():
	}
}

func (f *Factory) mainLoop(ctx context.Context) {
	defer close(f.done)
	defer f.unsubscribe()

	var idleTick <-chan time.Time
	if f.cfg.IdleConnectionTimeout > 0 {
		ticker := f.clk.Ticker(f.cfg.IdleConnectionTimeout)
		defer ticker.Stop()
		idleTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			f.log.Info(
				"Factory context cancelled; shutting down",
				"cause", context.Cause(ctx),
			)
			f.shutdown()
			return

		case r := <-f.requests:
			f.handleRequest(r)

		case pr := <-f.probeRequests:
			pr.resp <- f.findExistingSession(pr.destination, pr.key) != nil

		case cr := <-f.closeAllRequests:
			f.handleCloseAll(cr)

		case ev := <-f.sessionEvents:
			f.handleSessionEvent(ev)

		case ev := <-f.jobEvents:
			f.handleJobEvent(ev)

		case res := <-f.migrationResults:
			f.handleMigrationResult(res)

		case ev := <-f.netEvents:
			f.handleNetworkEvent(ev)

		case <-idleTick:
			f.sweepIdleSessions()
		}
	}
}

func (f *Factory) handleRequest(pr poolRequest) {
	switch {
	case pr.create != nil:
		f.handleCreate(*pr.create)
	case pr.cancel != nil:
		f.handleCancel(pr.cancel)
	case pr.priority != nil:
		f.handlePriorityUpdate(*pr.priority)
	default:
		panic(errors.New("BUG: empty pool request"))
	}
}

func (f *Factory) handleCreate(cr createRequest) {
	req := cr.req
	key := req.key

	// A request that somehow completed while queued
	// must not seed a job with no live waiters.
	if req.completed {
		return
	}

	if s := f.findExistingSession(req.destination, key); s != nil {
		if _, exact := f.reg.active(key); !exact {
			// Poolable via an alias for a different key;
			// record the new alias before handing it out.
			f.reg.activate(s, tkey.AliasKey{Destination: req.destination, Key: key})
			f.metrics.pooled.WithLabelValues("destination").Inc()
		} else {
			f.metrics.pooled.WithLabelValues("key").Inc()
		}
		s.markUsed()
		req.complete(s, nil)
		return
	}

	if j, ok := f.activeJobs[key]; ok {
		j.addRequest(req)
		if cr.opts.Priority > j.priority {
			j.priority = cr.opts.Priority
		}
		return
	}

	jctx, cancel := context.WithCancelCause(f.ctx)
	j := &job{
		log: f.log.With("sys", "job", "host", key.Host),

		alias:    tkey.AliasKey{Destination: req.destination, Key: key},
		destHost: cr.destHost,
		destPort: cr.destPort,

		state: jobResolving,

		priority: cr.opts.Priority,
		flags:    cr.opts.CertVerifyFlags,

		quic: f.dialQUICConfig(),

		ctx:    jctx,
		cancel: cancel,
	}
	j.addRequest(req)

	if f.racer != nil {
		// Speculative verification of the chain this host presented
		// last time, overlapping resolution and the handshake.
		j.race = f.racer.Start(f.ctx, key.Host, cr.opts.CertVerifyFlags)
	}

	f.activeJobs[key] = j
	f.metrics.activeJobs.Inc()

	go f.runResolve(j, j.priority)
}

// After a confirmed-then-blackholed session, new connections get a
// much shorter idle timeout so repeated blackholing fails fast.
const reducedIdleTimeout = 10 * time.Second

func (f *Factory) dialQUICConfig() *quic.Config {
	base := f.cfg.QUIC
	if base == nil {
		base = tquic.DefaultQUICConfig()
	}
	if !f.reducedIdle {
		return base
	}

	conf := base.Clone()
	conf.MaxIdleTimeout = reducedIdleTimeout
	return conf
}

// findExistingSession returns a live poolable session for key,
// first by exact key, then by a trust-compatible session already
// serving the same destination.
func (f *Factory) findExistingSession(destination string, key tkey.SessionKey) *Session {
	if s, ok := f.reg.active(key); ok {
		return s
	}

	for s := range f.reg.sessionAliases {
		if !f.reg.hasAliasDestination(s, destination) {
			continue
		}
		if s.canPool(key.Host, key) {
			return s
		}
	}
	return nil
}

func (f *Factory) handleCancel(r *SessionRequest) {
	if r.completed {
		return
	}

	// The job may already be gone; cancellation stays a no-op then.
	if j, ok := f.activeJobs[r.key]; ok {
		if empty := j.removeRequest(r); empty {
			j.log.Debug("Last waiter cancelled; abandoning connection attempt")
			f.destroyJob(j)
			f.metrics.jobs.WithLabelValues("cancelled").Inc()
		}
	}

	r.complete(nil, ErrRequestCancelled)
}

func (f *Factory) handlePriorityUpdate(pu priorityUpdate) {
	if pu.req.completed {
		return
	}
	if j, ok := f.activeJobs[pu.req.key]; ok && pu.priority > j.priority {
		j.priority = pu.priority
	}
}

func (f *Factory) handleCloseAll(cr closeAllRequest) {
	for _, s := range f.snapshotSessions() {
		f.closeSession(s, cr.reason, closeCodeGoingAway)
	}
	close(cr.resp)
}

func (f *Factory) sweepIdleSessions() {
	cutoff := f.clk.Now().Add(-f.cfg.IdleConnectionTimeout).UnixNano()

	for _, s := range f.snapshotSessions() {
		if s.lastUsed.Load() <= cutoff {
			f.closeSession(s, ErrIdleTimeout, closeCodeIdle)
		}
	}
}

func (f *Factory) shutdown() {
	for _, s := range f.snapshotSessions() {
		f.closeSession(s, ErrFactoryClosed, closeCodeFactoryClosed)
	}

	for _, j := range f.activeJobs {
		f.failJob(j, ErrFactoryClosed)
	}

	// Requests still sitting in the buffered channel were accepted
	// before the context was cancelled; their callers are blocked on
	// Done and must hear the failure.
	for {
		select {
		case pr := <-f.requests:
			if pr.create != nil {
				pr.create.req.complete(nil, ErrFactoryClosed)
			}
		default:
			return
		}
	}
}

func (f *Factory) snapshotSessions() []*Session {
	out := make([]*Session, 0, len(f.reg.allSessions))
	for s := range f.reg.allSessions {
		out = append(out, s)
	}
	return out
}
