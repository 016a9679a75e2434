package talon

import (
	"github.com/gordian-engine/talon/tcert"
	"github.com/gordian-engine/talon/tkey"
	"github.com/gordian-engine/talon/tnet"
)

// CreateOptions carries per-request parameters for [Factory.Create].
type CreateOptions struct {
	Priority tnet.Priority

	// CertVerifyFlags are passed through to the certificate verifier.
	CertVerifyFlags tcert.Flags
}

// SessionRequest is the pending token returned by [Factory.Create].
//
// Done is closed when the request completes, whether it was satisfied
// synchronously from the pool, asynchronously by a job, cancelled,
// or failed. Session and Err are valid once Done is closed.
type SessionRequest struct {
	f *Factory

	key         tkey.SessionKey
	destination string

	done chan struct{}

	// Written exactly once by the factory's control goroutine
	// before done is closed; read-only afterwards.
	session *Session
	err     error

	// Control-goroutine bookkeeping.
	completed bool
}

// Key returns the session key this request was created with.
func (r *SessionRequest) Key() tkey.SessionKey { return r.key }

// Destination returns the host:port this request asked to reach.
func (r *SessionRequest) Destination() string { return r.destination }

// Done is closed once the request has a final outcome.
func (r *SessionRequest) Done() <-chan struct{} { return r.done }

// Session returns the satisfied session, or nil on failure.
// Only valid after Done is closed.
func (r *SessionRequest) Session() *Session { return r.session }

// Err returns the failure, or nil on success.
// Only valid after Done is closed.
func (r *SessionRequest) Err() error { return r.err }

// SetPriority adjusts the request's priority while it is pending.
// The owning job adopts the highest priority among its waiters.
func (r *SessionRequest) SetPriority(p tnet.Priority) {
	r.f.setRequestPriority(r, p)
}

// complete finishes the request.
// It must only be called from the factory's control goroutine,
// and is a no-op if the request already completed.
func (r *SessionRequest) complete(s *Session, err error) {
	if r.completed {
		return
	}
	r.completed = true

	r.session = s
	r.err = err
	close(r.done)
}
