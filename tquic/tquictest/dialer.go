package tquictest

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/gordian-engine/talon/tquic"
)

// DialOutcome is one scripted answer for [Dialer].
type DialOutcome struct {
	Conn tquic.Conn
	Err  error
}

// Dialer is a scripted [tquic.Dialer] for tests.
//
// Dials to a remote with a scripted outcome complete immediately;
// dials to other remotes block until an outcome is scripted,
// or until the context is done,
// which lets tests hold a job in its handshaking state.
type Dialer struct {
	mu       sync.Mutex
	outcomes map[netip.AddrPort]DialOutcome
	waiters  map[netip.AddrPort][]chan DialOutcome
	dials    map[netip.AddrPort]int
}

func NewDialer() *Dialer {
	return &Dialer{
		outcomes: make(map[netip.AddrPort]DialOutcome),
		waiters:  make(map[netip.AddrPort][]chan DialOutcome),
		dials:    make(map[netip.AddrPort]int),
	}
}

// SetOutcome scripts the result of dialing remote,
// releasing any Dial calls currently blocked on it.
func (d *Dialer) SetOutcome(remote netip.AddrPort, o DialOutcome) {
	d.mu.Lock()
	d.outcomes[remote] = o
	waiters := d.waiters[remote]
	delete(d.waiters, remote)
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- o
	}
}

// Dials reports how many times remote has been dialed.
func (d *Dialer) Dials(remote netip.AddrPort) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[remote]
}

// TotalDials reports how many Dial calls happened across all remotes.
func (d *Dialer) TotalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.dials {
		n += c
	}
	return n
}

func (d *Dialer) Dial(
	ctx context.Context, _ net.PacketConn, remote netip.AddrPort, _ tquic.DialConfig,
) (tquic.Conn, error) {
	d.mu.Lock()
	d.dials[remote]++

	if o, ok := d.outcomes[remote]; ok {
		d.mu.Unlock()
		return o.Conn, o.Err
	}

	ch := make(chan DialOutcome, 1)
	d.waiters[remote] = append(d.waiters[remote], ch)
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case o := <-ch:
		return o.Conn, o.Err
	}
}
