// Package talontest provides a wired-up test fixture for the factory,
// combining the scripted fakes from the collaborator test packages.
package talontest

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/talon"
	"github.com/gordian-engine/talon/internal/ttest"
	"github.com/gordian-engine/talon/tcert"
	"github.com/gordian-engine/talon/tcert/tcerttest"
	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tnet/tnettest"
	"github.com/gordian-engine/talon/tquic/tquictest"
	"github.com/stretchr/testify/require"
)

// Fixture bundles a factory configuration whose collaborators are all
// scripted fakes, plus the fakes themselves so tests can drive them.
//
// Tests adjust Config before calling NewFactory, typically to enable
// migration or racing for the scenario at hand.
type Fixture struct {
	t *testing.T

	Log *slog.Logger

	Clock    *clock.Mock
	Resolver *tnettest.Resolver
	Verifier *tcerttest.Verifier
	Notifier *tnettest.Notifier
	Sockets  *tnettest.SocketFactory
	Dialer   *tquictest.Dialer

	// CA signs the chains handed to scripted connections.
	CA *tcerttest.CA

	Config talon.Config
}

// NewFixture returns a fixture whose notifier starts with the given
// connected networks, the first one being the default.
func NewFixture(t *testing.T, networks ...tnet.Network) *Fixture {
	t.Helper()

	ca, err := tcerttest.NewCA()
	require.NoError(t, err)

	fx := &Fixture{
		t: t,

		Log: ttest.NewLogger(t),

		Clock:    clock.NewMock(),
		Resolver: tnettest.NewResolver(),
		Verifier: tcerttest.NewVerifier(),
		Notifier: tnettest.NewNotifier(networks...),
		Sockets:  tnettest.NewSocketFactory(),
		Dialer:   tquictest.NewDialer(),

		CA: ca,
	}

	fx.Config = talon.Config{
		Resolver: fx.Resolver,
		Verifier: fx.Verifier,
		Notifier: fx.Notifier,
		Sockets:  fx.Sockets,
		Dialer:   fx.Dialer,

		Clock: fx.Clock,
	}

	return fx
}

// NewFactory starts a factory from the fixture's current Config.
//
// The test is responsible for cancelling ctx before it ends;
// cleanup waits for the factory's control goroutine to finish.
func (fx *Fixture) NewFactory(ctx context.Context) *talon.Factory {
	fx.t.Helper()

	f := talon.New(ctx, fx.Log, fx.Config)
	fx.t.Cleanup(f.Wait)

	return f
}

// Script wires the happy path for host: it resolves to remote's
// address, dialing remote succeeds with a connection presenting a
// CA-signed chain for host, and the verifier accepts that chain.
// The scripted connection is returned for later inspection.
func (fx *Fixture) Script(host string, remote netip.AddrPort) *tquictest.Conn {
	fx.t.Helper()

	cert, err := fx.CA.NewServerCert(host)
	require.NoError(fx.t, err)
	chain := cert.Chain(fx.CA)

	conn := tquictest.NewConn(remote, chain)

	fx.Resolver.SetResult(host, tnettest.Resolution{
		Addrs: []netip.Addr{remote.Addr()},
	})
	fx.Dialer.SetOutcome(remote, tquictest.DialOutcome{Conn: conn})
	fx.Verifier.SetOutcome(host, tcerttest.Outcome{
		Result: tcert.Result{VerifiedChain: chain},
	})

	return conn
}
