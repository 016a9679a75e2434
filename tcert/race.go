package tcert

import (
	"context"
	"crypto/x509"
	"log/slog"
	"sync"
)

// Race is one speculative verification in flight (or finished).
//
// The same Race value is shared by every connection attempt for the
// same server identity; its result is broadcast exactly once by
// closing the Done channel.
type Race struct {
	host   string
	leafFP Fingerprint

	done chan struct{}

	// Set before done is closed, read-only afterwards.
	result Result
	err    error
}

// Done is closed when the race has a result.
func (r *Race) Done() <-chan struct{} {
	return r.done
}

// Result reports the verification outcome.
// It must only be called after Done is closed.
func (r *Race) Result() (Result, error) {
	return r.result, r.err
}

// LeafFingerprint identifies the chain this race verified.
// A consumer whose live handshake presented a different leaf
// must discard the race and verify inline.
func (r *Race) LeafFingerprint() Fingerprint {
	return r.leafFP
}

// Racer starts speculative certificate verifications ahead of
// connection setup, using chains remembered in a [Store].
//
// At most one race is in flight per server identity;
// concurrent starts for the same host share the same Race.
type Racer struct {
	log *slog.Logger

	v     Verifier
	store *Store

	mu     sync.Mutex
	racing map[string]*Race
}

// NewRacer returns a Racer verifying with v,
// racing only hosts that have a chain cached in store.
func NewRacer(log *slog.Logger, v Verifier, store *Store) *Racer {
	return &Racer{
		log: log,

		v:     v,
		store: store,

		racing: make(map[string]*Race),
	}
}

// Racing reports whether a speculative verification for host is
// currently in flight. A race is no longer in flight once its
// result has been recorded and its Done channel closed.
func (rc *Racer) Racing(host string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.racing[host]
	return ok
}

// Start begins (or joins) a speculative verification for host.
//
// It returns nil when racing is not applicable,
// meaning no chain is cached for the host.
// Cancelling ctx fails the race; consumers treat a failed or
// mismatched race as absent and verify inline instead,
// so a discarded race has no side effects.
func (rc *Racer) Start(ctx context.Context, host string, flags Flags) *Race {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if r, ok := rc.racing[host]; ok {
		return r
	}

	chain, ok := rc.store.Cached(host)
	if !ok {
		return nil
	}

	r := &Race{
		host:   host,
		leafFP: LeafFingerprint(chain),
		done:   make(chan struct{}),
	}
	rc.racing[host] = r

	go rc.run(ctx, r, chain, flags)

	return r
}

func (rc *Racer) run(
	ctx context.Context, r *Race, chain []*x509.Certificate, flags Flags,
) {
	res, err := rc.v.Verify(ctx, VerifyRequest{
		Host:  r.host,
		Chain: chain,
		Flags: flags,
	})

	r.result = res
	r.err = err
	close(r.done)

	rc.mu.Lock()
	delete(rc.racing, r.host)
	rc.mu.Unlock()

	if err != nil {
		// Not an error condition for the pool:
		// a rejected race just means the live handshake
		// will be verified inline.
		rc.log.Debug(
			"Speculative certificate verification rejected",
			"host", r.host,
			"err", err,
		)
	}
}
