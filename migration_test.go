package talon_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/talon"
	"github.com/gordian-engine/talon/talontest"
	"github.com/gordian-engine/talon/tnet"
	"github.com/stretchr/testify/require"
)

// establish runs the happy path and returns the live session.
func establish(
	t *testing.T, ctx context.Context, f *talon.Factory, host string,
) *talon.Session {
	t.Helper()

	req, err := f.Create(ctx, host+":443", key443(host), talon.CreateOptions{})
	require.NoError(t, err)
	s, err := await(t, req)
	require.NoError(t, err)
	return s
}

func TestMigration_OnNetworkDisconnected(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")
	require.Equal(t, tnet.Network(1), s.Network())

	fx.Notifier.Disconnect(1)

	require.Eventually(t, func() bool {
		return s.Network() == 2
	}, waitTimeout, 10*time.Millisecond)

	require.Len(t, conn.Rebinds(), 1)
	require.Equal(t, []tnet.Network{1, 2}, fx.Sockets.Binds())

	// Migration preserves identity: same key, same peer,
	// still poolable.
	require.Equal(t, key443("a.example"), s.Key())
	require.Equal(t, remote, s.PeerAddr())
	require.True(t, f.CanUseExistingSession("a.example:443", key443("a.example")))

	closed, _, _ := conn.Closed()
	require.False(t, closed)
}

func TestMigration_OnNetworkDisconnected_noAlternateCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1)
	fx.Config.MigrateSessionsOnNetworkChange = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	establish(t, ctx, f, "a.example")

	fx.Notifier.Disconnect(1)

	require.Eventually(t, func() bool {
		closed, _, msg := conn.Closed()
		return closed && msg == talon.ErrNoAlternateNetwork.Error()
	}, waitTimeout, 10*time.Millisecond)
}

func TestMigration_RebindFailureCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)
	conn.SetRebindError(errors.New("path validation failed"))

	f := fx.NewFactory(ctx)
	establish(t, ctx, f, "a.example")

	// A disconnect leaves no way back; a failed migration is fatal.
	fx.Notifier.Disconnect(1)

	require.Eventually(t, func() bool {
		closed, _, _ := conn.Closed()
		return closed
	}, waitTimeout, 10*time.Millisecond)

	// The socket bound for the failed attempt is released.
	require.Eventually(t, func() bool {
		rebinds := conn.Rebinds()
		if len(rebinds) != 1 {
			return false
		}
		_, err := rebinds[0].WriteTo(nil, nil)
		return errors.Is(err, net.ErrClosed)
	}, waitTimeout, 10*time.Millisecond)
}

func TestMigration_WriteError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true
	fx.Config.MigrateOnWriteError = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	s.ReportWriteError(errors.New("sendmsg: network is unreachable"))

	require.Eventually(t, func() bool {
		return s.Network() == 2
	}, waitTimeout, 10*time.Millisecond)

	closed, _, _ := conn.Closed()
	require.False(t, closed)
	require.True(t, f.CanUseExistingSession("a.example:443", key443("a.example")))
}

func TestMigration_WriteErrorBudgetExhaustion(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true
	fx.Config.MigrateOnWriteError = true
	fx.Config.MaxMigrationsOnWriteError = 2

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	writeErr := errors.New("sendmsg: network is unreachable")

	// Two migrations fit the budget, ping-ponging between networks.
	s.ReportWriteError(writeErr)
	require.Eventually(t, func() bool {
		return s.Network() == 2
	}, waitTimeout, 10*time.Millisecond)

	s.ReportWriteError(writeErr)
	require.Eventually(t, func() bool {
		return s.Network() == 1
	}, waitTimeout, 10*time.Millisecond)

	// The third write error exceeds the budget.
	s.ReportWriteError(writeErr)
	require.Eventually(t, func() bool {
		closed, _, msg := conn.Closed()
		return closed && msg == talon.ErrMigrationBudgetExhausted.Error()
	}, waitTimeout, 10*time.Millisecond)
}

func TestMigration_WriteError_disabledCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	s.ReportWriteError(errors.New("sendmsg: operation not permitted"))

	require.Eventually(t, func() bool {
		closed, _, _ := conn.Closed()
		return closed
	}, waitTimeout, 10*time.Millisecond)
}

func TestMigration_PathDegrading(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true
	fx.Config.MigrateOnPathDegrading = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	s.ReportPathDegrading()

	require.Eventually(t, func() bool {
		return s.Network() == 2
	}, waitTimeout, 10*time.Millisecond)
}

func TestMigration_PathDegrading_failureIsAbsorbed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true
	fx.Config.MigrateOnPathDegrading = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)
	conn.SetRebindError(errors.New("path validation failed"))

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	s.ReportPathDegrading()

	require.Eventually(t, func() bool {
		return len(conn.Rebinds()) == 1
	}, waitTimeout, 10*time.Millisecond)

	// The old path keeps serving; a degraded session beats none.
	closed, _, _ := conn.Closed()
	require.False(t, closed)
	require.Equal(t, tnet.Network(1), s.Network())
	require.True(t, f.CanUseExistingSession("a.example:443", key443("a.example")))
}

func TestMigration_EarlyMigrationOnNewDefault(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true
	fx.Config.MigrateSessionsEarly = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")
	require.Equal(t, tnet.Network(1), s.Network())

	fx.Notifier.MakeDefault(2)

	require.Eventually(t, func() bool {
		return s.Network() == 2
	}, waitTimeout, 10*time.Millisecond)
}

func TestMigration_NonDefaultNetworkDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1, 2)
	fx.Config.MigrateSessionsOnNetworkChange = true
	fx.Config.MaxTimeOnNonDefaultNetwork = time.Minute

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	// Knock the session off the default network,
	// then bring the default back.
	fx.Notifier.Disconnect(1)
	require.Eventually(t, func() bool {
		return s.Network() == 2
	}, waitTimeout, 10*time.Millisecond)

	fx.Notifier.Connect(1)
	fx.Notifier.MakeDefault(1)

	// Once the deadline passes, the session is forced back
	// onto the default network.
	require.Eventually(t, func() bool {
		fx.Clock.Add(time.Minute)
		return s.Network() == 1
	}, waitTimeout, 10*time.Millisecond)

	require.Len(t, conn.Rebinds(), 2)
	closed, _, _ := conn.Closed()
	require.False(t, closed)
}

func TestIPChange_ClosesSessionsWhenMigrationDisabled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1)

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	establish(t, ctx, f, "a.example")

	fx.Notifier.ChangeIPAddress()

	require.Eventually(t, func() bool {
		closed, _, msg := conn.Closed()
		return closed && msg == talon.ErrNetworkChanged.Error()
	}, waitTimeout, 10*time.Millisecond)
}

func TestIPChange_GoAwayPolicyDrainsSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1)
	fx.Config.IPChangePolicy = talon.GoAwayOnIPChange

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	s := establish(t, ctx, f, "a.example")

	fx.Notifier.ChangeIPAddress()

	require.Eventually(t, func() bool {
		return s.GoingAway()
	}, waitTimeout, 10*time.Millisecond)

	require.False(t, f.CanUseExistingSession("a.example:443", key443("a.example")))

	// Drained, not closed.
	closed, _, _ := conn.Closed()
	require.False(t, closed)
	_, err := s.OpenStream(ctx)
	require.NoError(t, err)
}

func TestIPChange_IgnoredWhenMigrationEnabled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := talontest.NewFixture(t, 1)
	fx.Config.MigrateSessionsOnNetworkChange = true

	remote := netip.MustParseAddrPort("192.0.2.1:443")
	conn := fx.Script("a.example", remote)

	f := fx.NewFactory(ctx)
	establish(t, ctx, f, "a.example")

	fx.Notifier.ChangeIPAddress()

	// Still poolable afterwards; only network-scoped events move
	// migration-enabled sessions.
	require.Eventually(t, func() bool {
		return f.CanUseExistingSession("a.example:443", key443("a.example"))
	}, waitTimeout, 10*time.Millisecond)

	closed, _, _ := conn.Closed()
	require.False(t, closed)
}
