package tnettest

import (
	"context"
	"net/netip"
	"sync"

	"github.com/gordian-engine/talon/tnet"
)

// Resolution is one scripted answer for [Resolver].
type Resolution struct {
	Addrs []netip.Addr
	Err   error
}

// Resolver is a scripted [tnet.Resolver] for tests.
//
// Lookups for hosts with a scripted result complete immediately.
// Lookups for other hosts block until a result is scripted
// via SetResult, or until the context is done,
// which lets tests hold a job in its resolving state.
type Resolver struct {
	mu      sync.Mutex
	results map[string]Resolution
	waiters map[string][]chan Resolution

	// Calls counts Resolve invocations per host.
	calls map[string]int

	// Priorities records the priority of each Resolve call per host.
	priorities map[string][]tnet.Priority
}

func NewResolver() *Resolver {
	return &Resolver{
		results:    make(map[string]Resolution),
		waiters:    make(map[string][]chan Resolution),
		calls:      make(map[string]int),
		priorities: make(map[string][]tnet.Priority),
	}
}

// SetResult scripts the answer for host,
// releasing any Resolve calls currently blocked on it.
func (r *Resolver) SetResult(host string, res Resolution) {
	r.mu.Lock()
	r.results[host] = res
	waiters := r.waiters[host]
	delete(r.waiters, host)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}

// Calls reports how many times host has been resolved.
func (r *Resolver) Calls(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[host]
}

// Priorities reports the priority of every Resolve call
// for host so far, in order.
func (r *Resolver) Priorities(host string) []tnet.Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tnet.Priority, len(r.priorities[host]))
	copy(out, r.priorities[host])
	return out
}

func (r *Resolver) Resolve(
	ctx context.Context, host string, opts tnet.ResolveOptions,
) ([]netip.Addr, error) {
	r.mu.Lock()
	r.calls[host]++
	r.priorities[host] = append(r.priorities[host], opts.Priority)

	if res, ok := r.results[host]; ok {
		r.mu.Unlock()
		return res.Addrs, res.Err
	}

	ch := make(chan Resolution, 1)
	r.waiters[host] = append(r.waiters[host], ch)
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case res := <-ch:
		return res.Addrs, res.Err
	}
}
