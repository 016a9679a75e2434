package tquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
)

// HandshakeMode selects how far Dial drives the handshake
// before returning a usable connection.
type HandshakeMode uint8

const (
	// HandshakeConfirmed waits for the full handshake.
	HandshakeConfirmed HandshakeMode = iota

	// Handshake0RTT returns as soon as 0-RTT data can be sent,
	// when the TLS session cache permits it.
	Handshake0RTT
)

// DialConfig carries per-dial parameters.
type DialConfig struct {
	// TLS must have ServerName set to the session key's host.
	TLS *tls.Config

	// QUIC may be nil, in which case [DefaultQUICConfig] applies.
	QUIC *quic.Config

	Mode HandshakeMode
}

// Dialer establishes QUIC connections over sockets
// produced by the socket factory.
type Dialer interface {
	Dial(ctx context.Context, pc net.PacketConn, remote netip.AddrPort, cfg DialConfig) (Conn, error)
}

// DefaultQUICConfig is the QUIC configuration used
// when a [DialConfig] carries none.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		// The pool enforces its own handshake deadline on top of this,
		// but quic-go's default of 5s is higher latency than we want
		// before giving up on an unresponsive address.
		HandshakeIdleTimeout: 2 * time.Second,

		// The pool also runs its own idle sweep; this is the
		// transport-level backstop for a dead peer.
		MaxIdleTimeout: 30 * time.Second,

		// Pooled connections sit idle between requests.
		// Keepalives hold NAT bindings open in the meantime.
		KeepAlivePeriod: 15 * time.Second,
	}
}

var _ Dialer = QUICDialer{}

// QUICDialer is the production [Dialer], backed by quic-go.
type QUICDialer struct{}

func (QUICDialer) Dial(
	ctx context.Context, pc net.PacketConn, remote netip.AddrPort, cfg DialConfig,
) (Conn, error) {
	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}

	// One transport per socket; Rebind creates replacements as needed.
	tr := &quic.Transport{Conn: pc}

	raddr := net.UDPAddrFromAddrPort(remote)

	var qc quic.Connection
	var err error
	if cfg.Mode == Handshake0RTT {
		qc, err = tr.DialEarly(ctx, raddr, cfg.TLS, quicConf)
	} else {
		qc, err = tr.Dial(ctx, raddr, cfg.TLS, quicConf)
	}
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", remote, err)
	}

	return WrapConn(qc, tr), nil
}
