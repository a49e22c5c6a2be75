// Package websocket implements the WebSocket transport layer: it reads
// the HTTP upgrade request off an inner byte-stream connection, accepts
// it, and exposes a binary-message stream on top using
// github.com/gobwas/ws — the same WebSocket dependency the teacher
// library requires directly for its own transport stack.
//
// MQTT clients that use WebSocket framing negotiate the "mqtt"
// subprotocol; this layer assumes the client offers it and neither
// validates nor negotiates the subprotocol list, and ConnInfo carries no
// subprotocol field.
package websocket

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/localrivet/gobroker/transport"
)

// Config configures the WebSocket layer: just the inner byte-stream
// transport to upgrade, per spec §6.
type Config struct {
	Inner transport.Listener
}

// Listener wraps an inner transport.Listener with a WebSocket upgrade
// handshake.
type Listener struct {
	transport.BaseLayer
	inner transport.Listener
}

// New wraps cfg.Inner with a WebSocket upgrade handshake.
func New(cfg Config) *Listener {
	return &Listener{inner: cfg.Inner}
}

// Serve delegates accept to the inner layer; like the TLS layer, the
// upgrade handshake runs inside the goroutine the inner layer already
// spawned per connection.
func (l *Listener) Serve(ctx context.Context, handler transport.ConnHandler) error {
	return l.inner.Serve(ctx, func(ctx context.Context, inner transport.Conn) error {
		req := &http.Request{Header: make(http.Header)}

		upgrader := ws.Upgrader{
			OnRequest: func(uri []byte) error {
				u, err := url.ParseRequestURI(string(uri))
				if err != nil {
					return fmt.Errorf("websocket: invalid request URI: %w", err)
				}
				req.URL = u
				req.RequestURI = string(uri)
				req.Method = http.MethodGet
				return nil
			},
			OnHeader: func(key, value []byte) (ws.RejectOption, error) {
				req.Header.Add(string(key), string(value))
				return nil, nil
			},
		}

		hs, err := upgrader.Upgrade(inner)
		if err != nil {
			return fmt.Errorf("websocket: upgrade: %w", err)
		}

		conn := &Conn{inner: inner, req: req, protocol: hs.Protocol}
		defer func() {
			_ = wsutil.WriteServerMessage(inner, ws.OpClose,
				ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		}()
		return handler(ctx, conn)
	})
}

// Close closes the inner listener.
func (l *Listener) Close() error { return l.inner.Close() }

// Conn adapts a sequence of WebSocket binary messages into a byte stream:
// Read drains the current message's payload before pulling the next frame
// off the wire, so higher layers (the MQTT framer) see a plain byte
// stream regardless of how the bytes were chunked into WS frames.
type Conn struct {
	inner    transport.Conn
	req      *http.Request
	protocol string

	pending bytes.Reader
	buf     []byte
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) Read(p []byte) (int, error) {
	if c.pending.Len() == 0 {
		if err := c.nextMessage(); err != nil {
			return 0, err
		}
	}
	return c.pending.Read(p)
}

func (c *Conn) nextMessage() error {
	for {
		msg, err := wsutil.ReadClientData(c.inner)
		if err != nil {
			return fmt.Errorf("websocket: read frame: %w", err)
		}
		switch msg.OpCode {
		case ws.OpClose:
			return fmt.Errorf("websocket: %w", errClosedByPeer)
		case ws.OpPing:
			if werr := wsutil.WriteServerMessage(c.inner, ws.OpPong, msg.Payload); werr != nil {
				return fmt.Errorf("websocket: pong: %w", werr)
			}
			continue
		case ws.OpBinary, ws.OpText:
			c.buf = append(c.buf[:0], msg.Payload...)
			c.pending.Reset(c.buf)
			return nil
		default:
			continue
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := wsutil.WriteServerBinary(c.inner, p); err != nil {
		return 0, fmt.Errorf("websocket: write: %w", err)
	}
	return len(p), nil
}

// Flush delegates to the inner layer; WebSocket framing itself has
// nothing further to flush once a frame has been written.
func (c *Conn) Flush() error { return c.inner.Flush() }

func (c *Conn) Close() error { return c.inner.Close() }

// Info returns the inner layer's info augmented with the original HTTP
// upgrade request head.
func (c *Conn) Info() transport.ConnInfo {
	info := c.inner.Info()
	info.Request = c.req
	return info
}

type closedByPeer struct{}

func (closedByPeer) Error() string { return "connection closed by peer" }

var errClosedByPeer error = closedByPeer{}
