package tnettest

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gordian-engine/talon/tnet"
)

// SocketFactory is a [tnet.SocketFactory] for tests,
// producing inert packet conns and recording which network
// each socket was bound to.
type SocketFactory struct {
	mu    sync.Mutex
	binds []tnet.Network
}

func NewSocketFactory() *SocketFactory {
	return &SocketFactory{}
}

// Binds returns the network handle of every Bind call so far, in order.
func (f *SocketFactory) Binds() []tnet.Network {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tnet.Network, len(f.binds))
	copy(out, f.binds)
	return out
}

func (f *SocketFactory) Bind(
	_ context.Context, network tnet.Network, _ netip.AddrPort,
) (net.PacketConn, error) {
	f.mu.Lock()
	f.binds = append(f.binds, network)
	f.mu.Unlock()

	return &fakePacketConn{network: network}, nil
}

// fakePacketConn satisfies net.PacketConn without any I/O.
// The fake dialer used alongside it never reads or writes packets,
// but close state is tracked so tests can assert that abandoned
// sockets are released.
type fakePacketConn struct {
	network tnet.Network

	mu     sync.Mutex
	closed bool
}

func (c *fakePacketConn) ReadFrom([]byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (c *fakePacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return len(p), nil
}

func (c *fakePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.closed = true
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr {
	// Encode the bound network in the port so tests can assert on it.
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(c.network) + 1}
}

func (c *fakePacketConn) SetDeadline(time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error { return nil }
