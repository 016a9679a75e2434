package tnet_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tnet/tnettest"
	"github.com/stretchr/testify/require"
)

func TestNetResolver_ipLiteral(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var r tnet.NetResolver
	addrs, err := r.Resolve(ctx, "93.184.216.34", tnet.ResolveOptions{})
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, addrs)
}

func TestCachingResolver_cachesSuccesses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := tnettest.NewResolver()
	inner.SetResult("example.com", tnettest.Resolution{
		Addrs: []netip.Addr{netip.MustParseAddr("93.184.216.34")},
	})

	r := tnet.NewCachingResolver(inner, 16, time.Minute)

	for range 3 {
		addrs, err := r.Resolve(ctx, "example.com", tnet.ResolveOptions{})
		require.NoError(t, err)
		require.Len(t, addrs, 1)
	}

	require.Equal(t, 1, inner.Calls("example.com"))
}

func TestCachingResolver_doesNotCacheFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := tnettest.NewResolver()
	resolveErr := errors.New("no such host")
	inner.SetResult("missing.example", tnettest.Resolution{Err: resolveErr})

	r := tnet.NewCachingResolver(inner, 16, time.Minute)

	for range 2 {
		_, err := r.Resolve(ctx, "missing.example", tnet.ResolveOptions{})
		require.ErrorIs(t, err, resolveErr)
	}

	require.Equal(t, 2, inner.Calls("missing.example"))
}
