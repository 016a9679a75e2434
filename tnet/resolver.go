package tnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Priority orders competing resolution and connection work.
// Higher values are more urgent.
type Priority int

const (
	PriorityIdle    Priority = 0
	PriorityLow     Priority = 1
	PriorityMedium  Priority = 2
	PriorityHigh    Priority = 3
	PriorityHighest Priority = 4
)

// ResolveOptions carries per-request resolution parameters.
type ResolveOptions struct {
	Priority Priority
}

// Resolver turns a host name into candidate addresses.
//
// Resolve blocks until resolution completes or ctx is done;
// callers needing asynchrony run it on their own goroutine.
type Resolver interface {
	Resolve(ctx context.Context, host string, opts ResolveOptions) ([]netip.Addr, error)
}

// NetResolver is a Resolver backed by the standard library resolver.
//
// The zero value uses net.DefaultResolver.
type NetResolver struct {
	// Inner overrides the resolver used for lookups.
	Inner *net.Resolver
}

func (r NetResolver) Resolve(
	ctx context.Context, host string, _ ResolveOptions,
) ([]netip.Addr, error) {
	// An IP literal resolves to itself without a lookup.
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	inner := r.Inner
	if inner == nil {
		inner = net.DefaultResolver
	}

	addrs, err := inner.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", host, err)
	}

	return addrs, nil
}

// CachingResolver wraps another Resolver with a bounded TTL cache,
// so that repeated session requests to the same host
// don't pay resolution latency every time.
type CachingResolver struct {
	inner Resolver

	cache *expirable.LRU[string, []netip.Addr]
}

// NewCachingResolver returns a CachingResolver holding
// up to size entries for at most ttl each.
func NewCachingResolver(inner Resolver, size int, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		cache: expirable.NewLRU[string, []netip.Addr](size, nil, ttl),
	}
}

func (r *CachingResolver) Resolve(
	ctx context.Context, host string, opts ResolveOptions,
) ([]netip.Addr, error) {
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}

	addrs, err := r.inner.Resolve(ctx, host, opts)
	if err != nil {
		// Negative results are not cached;
		// a transient failure should not poison later requests.
		return nil, err
	}

	r.cache.Add(host, addrs)
	return addrs, nil
}
