package talon

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/talon/tcert"
	"github.com/gordian-engine/talon/tnet"
	"github.com/gordian-engine/talon/tquic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
)

// IPChangePolicy selects what happens to live sessions when the
// local IP address changes while connection migration is disabled.
type IPChangePolicy uint8

const (
	// CloseOnIPChange closes every session immediately.
	// This is the default: servers historically did not support
	// seamless roaming, so a stale binding is worth little.
	CloseOnIPChange IPChangePolicy = iota

	// GoAwayOnIPChange marks every active session as going away:
	// existing streams drain, but no new requests pool onto them.
	GoAwayOnIPChange
)

// Config is the configuration for a [Factory].
type Config struct {
	// Resolver turns destinations into candidate addresses. Required.
	Resolver tnet.Resolver

	// Verifier validates server certificate chains. Required.
	Verifier tcert.Verifier

	// Notifier publishes network topology changes. Required.
	// It is always injected explicitly; there is no global notifier.
	Notifier tnet.Notifier

	// Sockets produces datagram sockets for new and migrating sessions.
	// Defaults to [tnet.UDPSocketFactory].
	Sockets tnet.SocketFactory

	// Dialer establishes connections over those sockets.
	// Defaults to [tquic.QUICDialer].
	Dialer tquic.Dialer

	// TLS is the base TLS configuration, cloned for every dial.
	// The factory sets ServerName per session key, and disables the
	// dialer's built-in chain verification in favor of Verifier,
	// mirroring how the pool owns certificate policy.
	TLS *tls.Config

	// QUIC is passed through to every dial.
	// Nil means [tquic.DefaultQUICConfig].
	QUIC *quic.Config

	// HandshakeMode selects whether jobs wait for full handshake
	// confirmation or complete at 0-RTT.
	HandshakeMode tquic.HandshakeMode

	// Clock is the time source for every timeout and deadline.
	// Defaults to the real clock; tests inject a mock.
	Clock clock.Clock

	// IdleConnectionTimeout closes sessions with no activity.
	// Zero disables the idle sweep.
	IdleConnectionTimeout time.Duration

	// MaxTimeBeforeHandshakeConfirmed bounds a job's connect phase.
	// Zero means the 10 second default.
	MaxTimeBeforeHandshakeConfirmed time.Duration

	// RaceCertVerification speculatively verifies cached certificate
	// chains in parallel with resolution and connection setup.
	RaceCertVerification bool

	// CertStoreSize bounds the cached-chain store used for racing.
	// Zero means the default of 100 hosts.
	CertStoreSize int

	// MigrateSessionsOnNetworkChange enables connection migration in
	// response to network topology events. When disabled, sessions on a
	// disconnected network are closed, and IPChangePolicy applies to
	// IP address changes.
	MigrateSessionsOnNetworkChange bool

	// MigrateSessionsEarly proactively migrates sessions back to the
	// default network as soon as one is announced, instead of waiting
	// for the non-default-network deadline.
	MigrateSessionsEarly bool

	// MigrateOnWriteError enables migration attempts when a session
	// reports a socket write error.
	MigrateOnWriteError bool

	// MigrateOnPathDegrading enables migration attempts when a session
	// reports a degrading path.
	MigrateOnPathDegrading bool

	// MaxMigrationsOnWriteError bounds consecutive write-error
	// migrations per session. Zero means the default of 5.
	MaxMigrationsOnWriteError int

	// MaxMigrationsOnPathDegrading bounds consecutive path-degrading
	// migrations per session. Zero means the default of 5.
	MaxMigrationsOnPathDegrading int

	// MaxTimeOnNonDefaultNetwork bounds how long a migrated session may
	// stay off the default network before a forced migration back is
	// attempted. Zero means the default of 128 seconds.
	MaxTimeOnNonDefaultNetwork time.Duration

	// IPChangePolicy applies when the local IP address changes and
	// MigrateSessionsOnNetworkChange is false.
	IPChangePolicy IPChangePolicy

	// Metrics, when non-nil, receives the factory's collectors.
	Metrics prometheus.Registerer
}

const (
	defaultMaxTimeBeforeHandshakeConfirmed = 10 * time.Second
	defaultCertStoreSize                   = 100
	defaultMaxMigrationsOnWriteError       = 5
	defaultMaxMigrationsOnPathDegrading    = 5
	defaultMaxTimeOnNonDefaultNetwork      = 128 * time.Second
)

// validate panics if there are any illegal settings in the configuration.
func (c Config) validate() {
	// If there are multiple reasons we could panic,
	// collect them all in one go
	// so we can give a maximally helpful error.
	var panicErrs error

	if c.Resolver == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.Resolver may not be nil"),
		)
	}

	if c.Verifier == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.Verifier may not be nil"),
		)
	}

	if c.Notifier == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("Config.Notifier may not be nil"),
		)
	}

	if c.MaxMigrationsOnWriteError < 0 || c.MaxMigrationsOnPathDegrading < 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("migration budgets may not be negative"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// withDefaults returns a copy of c with zero-valued tunables
// replaced by their defaults.
func (c Config) withDefaults() Config {
	if c.Sockets == nil {
		c.Sockets = tnet.UDPSocketFactory{}
	}
	if c.Dialer == nil {
		c.Dialer = tquic.QUICDialer{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MaxTimeBeforeHandshakeConfirmed == 0 {
		c.MaxTimeBeforeHandshakeConfirmed = defaultMaxTimeBeforeHandshakeConfirmed
	}
	if c.CertStoreSize == 0 {
		c.CertStoreSize = defaultCertStoreSize
	}
	if c.MaxMigrationsOnWriteError == 0 {
		c.MaxMigrationsOnWriteError = defaultMaxMigrationsOnWriteError
	}
	if c.MaxMigrationsOnPathDegrading == 0 {
		c.MaxMigrationsOnPathDegrading = defaultMaxMigrationsOnPathDegrading
	}
	if c.MaxTimeOnNonDefaultNetwork == 0 {
		c.MaxTimeOnNonDefaultNetwork = defaultMaxTimeOnNonDefaultNetwork
	}
	return c
}
