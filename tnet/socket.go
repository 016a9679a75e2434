package tnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// SocketFactory produces datagram sockets for QUIC transports.
//
// Bind produces an unconnected local socket suitable for reaching remote,
// optionally bound to a specific network handle so that a session's traffic
// stays on that network during and after migration.
type SocketFactory interface {
	Bind(ctx context.Context, network Network, remote netip.AddrPort) (net.PacketConn, error)
}

// UDPSocketFactory is the default SocketFactory, binding plain UDP sockets.
//
// The standard library exposes no portable way to pin a socket to a platform
// network handle, so UDPSocketFactory ignores the handle and binds to the
// unspecified address of the matching family. Platform integrations that can
// honor handles supply their own SocketFactory.
type UDPSocketFactory struct{}

func (UDPSocketFactory) Bind(
	_ context.Context, _ Network, remote netip.AddrPort,
) (net.PacketConn, error) {
	var laddr *net.UDPAddr
	if remote.Addr().Is4() || remote.Addr().Is4In6() {
		laddr = &net.UDPAddr{IP: net.IPv4zero}
	} else {
		laddr = &net.UDPAddr{IP: net.IPv6unspecified}
	}

	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket for %s: %w", remote, err)
	}

	return pc, nil
}
