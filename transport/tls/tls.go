// Package tls implements the TLS transport layer: it wraps an inner
// byte-stream connection (normally the socket layer) with a TLS context
// built from server parameters, performing the handshake before handing
// the connection to the caller's handler.
//
// There is no third-party TLS library in the retrieved dependency pack —
// crypto/tls is the idiomatic and in practice only choice for Go server
// TLS termination, so this layer uses it directly (see DESIGN.md).
package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/localrivet/gobroker/transport"
)

// Config configures the TLS layer, per spec §6: an inner transport config
// (the Listener to wrap) plus server parameters (certificate chain, key,
// client-auth policy, ALPN list) expressed as a standard *tls.Config,
// which the excluded "TLS key material loading" collaborator is
// responsible for populating.
type Config struct {
	Inner        transport.Listener
	ServerParams *tls.Config
}

// Listener wraps an inner transport.Listener with a TLS handshake.
type Listener struct {
	transport.BaseLayer
	inner  transport.Listener
	params *tls.Config
}

// New wraps cfg.Inner with TLS using cfg.ServerParams.
func New(cfg Config) *Listener {
	return &Listener{inner: cfg.Inner, params: cfg.ServerParams}
}

// Serve delegates accept to the inner layer; the inner layer's accept
// loop blocks only on the lowest-layer socket accept, so the TLS
// handshake below runs in the goroutine the inner layer already spawned
// per connection, never stalling acceptance of the next raw connection.
func (l *Listener) Serve(ctx context.Context, handler transport.ConnHandler) error {
	return l.inner.Serve(ctx, func(ctx context.Context, inner transport.Conn) error {
		netConn, ok := inner.(net.Conn)
		if !ok {
			return fmt.Errorf("tls: inner connection does not support TLS (not a net.Conn)")
		}
		tlsConn := tls.Server(netConn, l.params)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tls: handshake: %w", err)
		}
		conn := &Conn{inner: inner, tlsConn: tlsConn}
		defer func() {
			// Best-effort close-notify on clean exit; errors here are
			// not actionable since the underlying socket is about to
			// be closed by the caller regardless.
			_ = tlsConn.CloseWrite()
		}()
		return handler(ctx, conn)
	})
}

// Close closes the inner listener.
func (l *Listener) Close() error { return l.inner.Close() }

// Conn is a TLS-terminated connection.
type Conn struct {
	inner   transport.Conn
	tlsConn *tls.Conn
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) Read(p []byte) (int, error)  { return c.tlsConn.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.tlsConn.Write(p) }

// Flush has nothing of its own to do beyond what Close/CloseWrite already
// handle for TLS records; the inner layer's Flush is delegated to in case
// it buffers.
func (c *Conn) Flush() error { return c.inner.Flush() }

func (c *Conn) Close() error { return c.tlsConn.Close() }

// Info returns the inner layer's info augmented with the peer certificate
// chain presented during the handshake, if any.
func (c *Conn) Info() transport.ConnInfo {
	info := c.inner.Info()
	state := c.tlsConn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		info.TLSPeerCertificates = state.PeerCertificates
	}
	return info
}
