package tcerttest

import (
	"context"
	"sync"

	"github.com/gordian-engine/talon/tcert"
)

// Outcome is one scripted answer for [Verifier].
type Outcome struct {
	Result tcert.Result
	Err    error
}

// Verifier is a scripted [tcert.Verifier] for tests.
//
// Verifications for hosts with a scripted outcome complete immediately;
// verifications for other hosts block until one is scripted,
// or until the context is done.
type Verifier struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	waiters  map[string][]chan Outcome
	calls    map[string]int
}

func NewVerifier() *Verifier {
	return &Verifier{
		outcomes: make(map[string]Outcome),
		waiters:  make(map[string][]chan Outcome),
		calls:    make(map[string]int),
	}
}

// SetOutcome scripts the verification outcome for host,
// releasing any Verify calls currently blocked on it.
func (v *Verifier) SetOutcome(host string, o Outcome) {
	v.mu.Lock()
	v.outcomes[host] = o
	waiters := v.waiters[host]
	delete(v.waiters, host)
	v.mu.Unlock()

	for _, ch := range waiters {
		ch <- o
	}
}

// Calls reports how many times host has been verified.
func (v *Verifier) Calls(host string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[host]
}

func (v *Verifier) Verify(
	ctx context.Context, req tcert.VerifyRequest,
) (tcert.Result, error) {
	v.mu.Lock()
	v.calls[req.Host]++

	if o, ok := v.outcomes[req.Host]; ok {
		v.mu.Unlock()
		return o.Result, o.Err
	}

	ch := make(chan Outcome, 1)
	v.waiters[req.Host] = append(v.waiters[req.Host], ch)
	v.mu.Unlock()

	select {
	case <-ctx.Done():
		return tcert.Result{}, context.Cause(ctx)
	case o := <-ch:
		return o.Result, o.Err
	}
}
