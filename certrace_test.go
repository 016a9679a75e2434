package talon

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/talon/internal/ttest"
	"github.com/gordian-engine/talon/tcert"
	"github.com/gordian-engine/talon/tcert/tcerttest"
	"github.com/gordian-engine/talon/tkey"
	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tnet/tnettest"
	"github.com/gordian-engine/talon/tquic/tquictest"
	"github.com/stretchr/testify/require"
)

// These tests live in the factory's own package so they can observe
// the racer directly: synchronizing on Racing makes the handoff from
// a finished race to the dialing job deterministic.

const raceWaitTimeout = 5 * time.Second

type raceFixture struct {
	resolver *tnettest.Resolver
	verifier *tcerttest.Verifier
	dialer   *tquictest.Dialer
	ca       *tcerttest.CA

	cfg Config
}

func newRaceFixture(t *testing.T) *raceFixture {
	t.Helper()

	ca, err := tcerttest.NewCA()
	require.NoError(t, err)

	fx := &raceFixture{
		resolver: tnettest.NewResolver(),
		verifier: tcerttest.NewVerifier(),
		dialer:   tquictest.NewDialer(),
		ca:       ca,
	}

	fx.cfg = Config{
		Resolver: fx.resolver,
		Verifier: fx.verifier,
		Notifier: tnettest.NewNotifier(tnet.Network(1)),
		Sockets:  tnettest.NewSocketFactory(),
		Dialer:   fx.dialer,

		Clock: clock.NewMock(),

		RaceCertVerification: true,
	}

	return fx
}

func raceKey(host string) tkey.SessionKey {
	return tkey.SessionKey{Host: host, Port: 443}
}

func awaitRequest(t *testing.T, req *SessionRequest) (*Session, error) {
	t.Helper()

	select {
	case <-req.Done():
		return req.Session(), req.Err()
	case <-time.After(raceWaitTimeout):
		t.Fatal("timed out waiting for session request")
		return nil, nil
	}
}

func TestFactory_RaceCertVerification_resultConsumed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newRaceFixture(t)

	cert, err := fx.ca.NewServerCert("a.example")
	require.NoError(t, err)
	chain := cert.Chain(fx.ca)

	remote1 := netip.MustParseAddrPort("192.0.2.1:443")
	fx.resolver.SetResult("a.example", tnettest.Resolution{Addrs: []netip.Addr{remote1.Addr()}})
	fx.dialer.SetOutcome(remote1, tquictest.DialOutcome{Conn: tquictest.NewConn(remote1, chain)})
	fx.verifier.SetOutcome("a.example", tcerttest.Outcome{
		Result: tcert.Result{VerifiedChain: chain},
	})

	f := New(ctx, ttest.NewLogger(t), fx.cfg)
	t.Cleanup(f.Wait)

	// First connection: nothing cached, so verification is inline,
	// and the presented chain is cached for next time.
	req, err := f.Create(ctx, "a.example:443", raceKey("a.example"), CreateOptions{})
	require.NoError(t, err)
	s, err := awaitRequest(t, req)
	require.NoError(t, err)
	require.Equal(t, 1, fx.verifier.Calls("a.example"))

	s.Close(nil)
	require.Eventually(t, func() bool {
		return !f.CanUseExistingSession("a.example:443", raceKey("a.example"))
	}, raceWaitTimeout, 10*time.Millisecond)

	// Second connection: point the host at a remote with no scripted
	// dial outcome, so the handshake stalls while the raced
	// verification of the cached chain runs to completion.
	remote2 := netip.MustParseAddrPort("192.0.2.2:443")
	fx.resolver.SetResult("a.example", tnettest.Resolution{Addrs: []netip.Addr{remote2.Addr()}})

	req2, err := f.Create(ctx, "a.example:443", raceKey("a.example"), CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fx.verifier.Calls("a.example") == 2
	}, raceWaitTimeout, 10*time.Millisecond)

	// Racing goes false only after the race records its outcome,
	// so releasing the dial now guarantees the result is available.
	require.Eventually(t, func() bool {
		return !f.racer.Racing("a.example")
	}, raceWaitTimeout, time.Millisecond)

	// The handshake presents the identical chain,
	// so the raced result is consumed without a third verification.
	fx.dialer.SetOutcome(remote2, tquictest.DialOutcome{Conn: tquictest.NewConn(remote2, chain)})

	_, err = awaitRequest(t, req2)
	require.NoError(t, err)
	require.Equal(t, 2, fx.verifier.Calls("a.example"))
}

func TestFactory_RaceCertVerification_mismatchVerifiesInline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newRaceFixture(t)

	oldCert, err := fx.ca.NewServerCert("a.example")
	require.NoError(t, err)
	oldChain := oldCert.Chain(fx.ca)

	remote1 := netip.MustParseAddrPort("192.0.2.1:443")
	fx.resolver.SetResult("a.example", tnettest.Resolution{Addrs: []netip.Addr{remote1.Addr()}})
	fx.dialer.SetOutcome(remote1, tquictest.DialOutcome{Conn: tquictest.NewConn(remote1, oldChain)})
	fx.verifier.SetOutcome("a.example", tcerttest.Outcome{
		Result: tcert.Result{VerifiedChain: oldChain},
	})

	f := New(ctx, ttest.NewLogger(t), fx.cfg)
	t.Cleanup(f.Wait)

	req, err := f.Create(ctx, "a.example:443", raceKey("a.example"), CreateOptions{})
	require.NoError(t, err)
	s, err := awaitRequest(t, req)
	require.NoError(t, err)

	s.Close(nil)
	require.Eventually(t, func() bool {
		return !f.CanUseExistingSession("a.example:443", raceKey("a.example"))
	}, raceWaitTimeout, 10*time.Millisecond)

	// The server has rotated its certificate since the chain was
	// cached: the raced result cannot be used, and the new chain is
	// verified inline.
	newCert, err := fx.ca.NewServerCert("a.example")
	require.NoError(t, err)
	newChain := newCert.Chain(fx.ca)

	remote2 := netip.MustParseAddrPort("192.0.2.2:443")
	fx.resolver.SetResult("a.example", tnettest.Resolution{Addrs: []netip.Addr{remote2.Addr()}})

	req2, err := f.Create(ctx, "a.example:443", raceKey("a.example"), CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fx.verifier.Calls("a.example") == 2
	}, raceWaitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !f.racer.Racing("a.example")
	}, raceWaitTimeout, time.Millisecond)

	fx.dialer.SetOutcome(remote2, tquictest.DialOutcome{Conn: tquictest.NewConn(remote2, newChain)})

	s2, err := awaitRequest(t, req2)
	require.NoError(t, err)
	require.NotNil(t, s2)
	require.Equal(t, 3, fx.verifier.Calls("a.example"))
}
