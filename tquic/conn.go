package tquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// Stream is a bidirectional QUIC stream.
// quic-go's streams satisfy it directly.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Conn is the lower-level connection abstraction the session pool
// creates, pools, and tears down.
//
// This is a subset of quic.Connection plus Rebind, which moves the
// connection's transport to a new local socket (connection migration).
type Conn interface {
	OpenStreamSync(ctx context.Context) (Stream, error)

	CloseWithError(code uint64, msg string) error

	// Context is done once the connection is closed,
	// whether locally or by the peer.
	Context() context.Context

	// TLSConnectionState exposes the handshake's TLS details,
	// in particular the peer certificate chain.
	TLSConnectionState() tls.ConnectionState

	// Rebind validates a path over the given socket and,
	// on success, switches the connection to it.
	// The previous socket is retired but kept open until the
	// connection closes, so in-flight packets are not lost.
	Rebind(ctx context.Context, pc net.PacketConn) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

var _ Conn = (*ConnAdapter)(nil)

// ConnAdapter implements [Conn] over a quic.Connection
// and the *quic.Transport that currently carries it.
type ConnAdapter struct {
	qc quic.Connection

	mu     sync.Mutex
	tr     *quic.Transport
	closed bool

	// Transports replaced by Rebind, released when the conn closes.
	retired []*quic.Transport

	releaseOnce sync.Once
}

// WrapConn wraps qc, carried by transport tr, as a [Conn].
//
// Every socket the connection uses is closed once the connection
// closes, whether locally or by the peer.
func WrapConn(qc quic.Connection, tr *quic.Transport) *ConnAdapter {
	c := &ConnAdapter{qc: qc, tr: tr}

	// Peer-initiated and transport-level closes never go through
	// CloseWithError, so the sockets are released on Context too.
	go func() {
		<-qc.Context().Done()
		c.release()
	}()

	return c
}

func (c *ConnAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *ConnAdapter) CloseWithError(code uint64, msg string) error {
	err := c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
	c.release()
	return err
}

// release closes the current and retired transports along with
// their sockets. The sockets were handed to us by the socket
// factory, and Transport.Close does not close a socket the
// transport did not create itself, so they are closed explicitly.
func (c *ConnAdapter) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		trs := append(c.retired, c.tr)
		c.tr = nil
		c.retired = nil
		c.mu.Unlock()

		for _, tr := range trs {
			if tr == nil {
				continue
			}
			pc := tr.Conn
			_ = tr.Close()
			if pc != nil {
				_ = pc.Close()
			}
		}
	})
}

func (c *ConnAdapter) Context() context.Context {
	return c.qc.Context()
}

func (c *ConnAdapter) TLSConnectionState() tls.ConnectionState {
	return c.qc.ConnectionState().TLS
}

func (c *ConnAdapter) Rebind(ctx context.Context, pc net.PacketConn) error {
	next := &quic.Transport{Conn: pc}

	path, err := c.qc.AddPath(next)
	if err != nil {
		_ = next.Close()
		return fmt.Errorf("failed to add path on new socket: %w", err)
	}

	if err := path.Probe(ctx); err != nil {
		_ = path.Close()
		_ = next.Close()
		return fmt.Errorf("path validation failed: %w", err)
	}

	if err := path.Switch(); err != nil {
		_ = path.Close()
		_ = next.Close()
		return fmt.Errorf("failed to switch to validated path: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		// The connection closed while the path was validating.
		// The caller still owns pc; only the transport is ours.
		c.mu.Unlock()
		_ = next.Close()
		return net.ErrClosed
	}
	c.retired = append(c.retired, c.tr)
	c.tr = next
	c.mu.Unlock()

	return nil
}

func (c *ConnAdapter) LocalAddr() net.Addr { return c.qc.LocalAddr() }

func (c *ConnAdapter) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }
