package tquictest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/netip"
	"sync"

	"github.com/gordian-engine/talon/tquic"
)

// Conn is a scripted [tquic.Conn] for tests.
//
// It performs no I/O; streams are inert and Rebind only records
// the socket it was offered (or fails, if scripted to).
type Conn struct {
	remote netip.AddrPort
	chain  []*x509.Certificate

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closeCode uint64
	closeMsg  string
	closed    bool

	rebinds   []net.PacketConn
	rebindErr error
}

// NewConn returns a test conn that claims to be connected to remote
// and to have received chain (leaf first) during its handshake.
func NewConn(remote netip.AddrPort, chain []*x509.Certificate) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		remote: remote,
		chain:  chain,

		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) OpenStreamSync(ctx context.Context) (tquic.Stream, error) {
	select {
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	default:
		return nopStream{}, nil
	}
}

func (c *Conn) CloseWithError(code uint64, msg string) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeMsg = msg
	}
	c.mu.Unlock()

	c.cancel()
	return nil
}

func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) TLSConnectionState() tls.ConnectionState {
	return tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  c.chain,
	}
}

// SetRebindError makes subsequent Rebind calls fail with err.
func (c *Conn) SetRebindError(err error) {
	c.mu.Lock()
	c.rebindErr = err
	c.mu.Unlock()
}

// Rebinds returns the sockets offered to Rebind so far,
// including offers that failed.
func (c *Conn) Rebinds() []net.PacketConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]net.PacketConn, len(c.rebinds))
	copy(out, c.rebinds)
	return out
}

func (c *Conn) Rebind(_ context.Context, pc net.PacketConn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rebinds = append(c.rebinds, pc)
	return c.rebindErr
}

// Closed reports whether the conn has been closed,
// along with the application code and message it was closed with.
func (c *Conn) Closed() (bool, uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeMsg
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *Conn) RemoteAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.remote)
}

type nopStream struct{}

func (nopStream) Read([]byte) (int, error)  { return 0, nil }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error              { return nil }
