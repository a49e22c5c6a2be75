// Package socket implements the innermost transport layer: a raw TCP
// listener and connection. It is the layer every other layer (TLS,
// WebSocket, MQTT framing) wraps.
package socket

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/localrivet/gobroker/transport"
)

// Config configures the socket layer, per the recognized options in
// spec §6.
type Config struct {
	// BindAddress is the host:port (or :port) to listen on.
	BindAddress string

	// ListenQueueSize is the requested backlog for pending connections.
	// The Go standard library does not expose a portable way to set the
	// listen(2) backlog on *net.TCPListener, so this is recorded for
	// callers and future platform-specific wiring rather than applied.
	ListenQueueSize int
}

// Listener is the socket transport layer's Listener implementation.
type Listener struct {
	transport.BaseLayer
	ln *net.TCPListener
}

// Listen binds cfg.BindAddress and returns a Listener ready to Serve.
func Listen(cfg Config) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("socket: resolve %q: %w", cfg.BindAddress, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %q: %w", cfg.BindAddress, err)
	}
	return &Listener{ln: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Socket is the lowest layer: it has no handshake of its own, so
// each accepted connection is handed directly to handler on its own
// goroutine, which is also exactly the scheduling point above which any
// higher layer's handshake runs without blocking the next Accept.
func (l *Listener) Serve(ctx context.Context, handler transport.ConnHandler) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		raw, err := l.ln.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("socket: accept: %w", err)
			}
		}
		conn := &Conn{conn: raw}
		done := make(chan struct{})
		go func() {
			// Cancelling ctx must close this connection's own socket, not
			// just the listener: the handler's blocking read otherwise
			// never wakes up and the goroutine leaks (spec §5 Cancellation).
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()
		go func() {
			defer close(done)
			defer conn.Close()
			if err := handler(ctx, conn); err != nil {
				l.Logger().Error("socket connection handler failed", "remote", conn.Info().RemoteAddr, "error", err)
			}
		}()
	}
}

// Close closes the listening socket. Connections already accepted are
// unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound local address, useful when
// BindAddress used port 0 and the caller needs to discover which port the
// kernel assigned.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Conn is an accepted raw TCP connection. It implements net.Conn by
// delegating to the wrapped *net.TCPConn, so that higher layers needing a
// genuine net.Conn (the TLS layer) can recover one via a type assertion on
// the transport.Conn interface.
type Conn struct {
	conn *net.TCPConn
}

var _ transport.Conn = (*Conn)(nil)
var _ net.Conn = (*Conn)(nil)

func (c *Conn) Read(p []byte) (int, error) { return c.conn.Read(p) }

// Write writes every byte of p or returns an error, relying on the
// guarantee net.Conn.Write already provides: it returns n == len(p) or a
// non-nil error, never a short write without one, so no loop is needed here.
func (c *Conn) Write(p []byte) (int, error) { return c.conn.Write(p) }

// Flush is a no-op: a raw socket has no layer-local buffer to flush.
func (c *Conn) Flush() error { return nil }

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) Info() transport.ConnInfo {
	return transport.ConnInfo{RemoteAddr: c.conn.RemoteAddr().String()}
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Dial opens a raw TCP connection to addr, for use by layers that need a
// client-side connection (tests, or a broker acting as a bridge).
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %q: %w", addr, err)
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		_ = raw.Close()
		return nil, fmt.Errorf("socket: dial %q: not a TCP connection", addr)
	}
	return &Conn{conn: tcpConn}, nil
}
