package tnettest

import (
	"slices"
	"sync"

	"github.com/gordian-engine/talon/tnet"
)

// Notifier is a controllable [tnet.Notifier] for tests.
//
// Tests drive topology changes through the Connect, Disconnect,
// MakeDefault, and ChangeIPAddress methods, which update the
// synchronous query state and then publish the matching event
// to every subscriber.
type Notifier struct {
	mu sync.Mutex

	connected  []tnet.Network
	defaultNet tnet.Network

	subs map[chan tnet.Event]struct{}
}

// NewNotifier returns a Notifier whose connected set contains
// the given networks, with the first one as the default.
func NewNotifier(connected ...tnet.Network) *Notifier {
	n := &Notifier{
		connected:  slices.Clone(connected),
		defaultNet: tnet.InvalidNetwork,
		subs:       make(map[chan tnet.Event]struct{}),
	}
	if len(connected) > 0 {
		n.defaultNet = connected[0]
	}
	return n
}

func (n *Notifier) Subscribe() (<-chan tnet.Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Large buffer so a test can publish several events
	// before the subscriber catches up.
	ch := make(chan tnet.Event, 64)
	n.subs[ch] = struct{}{}

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, ch)
	}
}

func (n *Notifier) ConnectedNetworks() []tnet.Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.connected)
}

func (n *Notifier) DefaultNetwork() tnet.Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.defaultNet
}

// Connect adds network to the connected set and publishes NetworkConnected.
func (n *Notifier) Connect(network tnet.Network) {
	n.mu.Lock()
	if !slices.Contains(n.connected, network) {
		n.connected = append(n.connected, network)
	}
	n.publishLocked(tnet.Event{Kind: tnet.NetworkConnected, Network: network})
	n.mu.Unlock()
}

// Disconnect removes network from the connected set
// and publishes NetworkDisconnected.
func (n *Notifier) Disconnect(network tnet.Network) {
	n.mu.Lock()
	n.connected = slices.DeleteFunc(n.connected, func(c tnet.Network) bool {
		return c == network
	})
	if n.defaultNet == network {
		n.defaultNet = tnet.InvalidNetwork
	}
	n.publishLocked(tnet.Event{Kind: tnet.NetworkDisconnected, Network: network})
	n.mu.Unlock()
}

// SoonToDisconnect publishes NetworkSoonToDisconnect without
// changing the connected set.
func (n *Notifier) SoonToDisconnect(network tnet.Network) {
	n.mu.Lock()
	n.publishLocked(tnet.Event{Kind: tnet.NetworkSoonToDisconnect, Network: network})
	n.mu.Unlock()
}

// MakeDefault marks network as default (connecting it if needed)
// and publishes NetworkMadeDefault.
func (n *Notifier) MakeDefault(network tnet.Network) {
	n.mu.Lock()
	if !slices.Contains(n.connected, network) {
		n.connected = append(n.connected, network)
	}
	n.defaultNet = network
	n.publishLocked(tnet.Event{Kind: tnet.NetworkMadeDefault, Network: network})
	n.mu.Unlock()
}

// ChangeIPAddress publishes IPAddressChanged.
func (n *Notifier) ChangeIPAddress() {
	n.mu.Lock()
	n.publishLocked(tnet.Event{Kind: tnet.IPAddressChanged, Network: tnet.InvalidNetwork})
	n.mu.Unlock()
}

func (n *Notifier) publishLocked(e tnet.Event) {
	for ch := range n.subs {
		ch <- e
	}
}
