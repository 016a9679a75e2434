package talon

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions the pool raises itself.
// Collaborator failures (resolution, handshake, certificate rejection)
// are wrapped in the typed errors below instead.
var (
	// ErrFactoryClosed indicates the factory's context was cancelled
	// before the request could complete.
	ErrFactoryClosed = errors.New("session factory closed")

	// ErrRequestCancelled completes a request withdrawn via CancelRequest.
	ErrRequestCancelled = errors.New("session request cancelled")

	// ErrNetworkChanged closes sessions when the local IP address changes
	// and the factory is configured to close rather than drain.
	ErrNetworkChanged = errors.New("local network changed")

	// ErrNoAlternateNetwork closes a session whose network disconnected
	// while no other network was available to migrate to.
	ErrNoAlternateNetwork = errors.New("no alternate network available")

	// ErrMigrationBudgetExhausted closes a session that hit its
	// migration attempt limit for a trigger type.
	ErrMigrationBudgetExhausted = errors.New("migration budget exhausted")

	// ErrSessionBlackholed closes a session reported as blackholed
	// after its handshake had been confirmed.
	ErrSessionBlackholed = errors.New("session blackholed after handshake confirmed")

	// ErrIdleTimeout closes a session with no recent activity.
	ErrIdleTimeout = errors.New("session idle timeout")

	// ErrHandshakeTimeout fails a job whose handshake was not
	// confirmed within MaxTimeBeforeHandshakeConfirmed.
	ErrHandshakeTimeout = errors.New("handshake not confirmed in time")

	// ErrSessionClosed is returned from session operations
	// after the session has closed.
	ErrSessionClosed = errors.New("session closed")
)

// ResolutionError reports a failed host resolution.
// Recoverable at the request layer: a fresh Create may retry.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// HandshakeError reports a failed connection attempt or handshake.
type HandshakeError struct {
	Destination string
	Err         error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.Destination, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// CertificateError reports a certificate chain rejected for a host.
// Recoverable only if the caller supplies different trust parameters.
type CertificateError struct {
	Host string
	Err  error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate verification for %q failed: %v", e.Host, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }
