// Package mqtt implements the MQTT framing transport layer: it wraps a
// byte-stream connection (socket, optionally TLS- and/or WebSocket-
// wrapped) and exposes parsed MQTT control packets instead of raw bytes,
// maintaining the per-connection leftover buffer described in spec §4.C.
package mqtt

import (
	"context"
	"fmt"

	"github.com/localrivet/gobroker/transport"
	"github.com/localrivet/gobroker/wire"
)

// Config configures the MQTT framing layer: just the inner byte-stream
// transport to frame, per spec §6.
type Config struct {
	Inner transport.Listener
}

// PacketHandler processes one connection's packet stream. It is the
// MQTT-layer analogue of transport.ConnHandler.
type PacketHandler func(ctx context.Context, conn *Conn) error

// Listener wraps an inner transport.Listener, handing each accepted
// connection to a PacketHandler via a fresh Conn.
type Listener struct {
	transport.BaseLayer
	inner transport.Listener
}

// New wraps cfg.Inner with MQTT framing.
func New(cfg Config) *Listener {
	return &Listener{inner: cfg.Inner}
}

// Serve accepts byte-stream connections from the inner layer and invokes
// handler with an MQTT-framed Conn for each.
func (l *Listener) Serve(ctx context.Context, handler PacketHandler) error {
	return l.inner.Serve(ctx, func(ctx context.Context, inner transport.Conn) error {
		return handler(ctx, &Conn{inner: inner, framer: wire.NewFramer()})
	})
}

// Close closes the inner listener.
func (l *Listener) Close() error { return l.inner.Close() }

// Conn is an MQTT-framed connection: Send/Receive exchange whole packets
// instead of bytes, and the leftover buffer is owned exclusively by this
// Conn, serialized across receive calls per spec §5.
type Conn struct {
	inner  transport.Conn
	framer *wire.Framer
}

// byteSource adapts transport.Conn's io.Reader side to wire.ByteSource.
type byteSource struct {
	inner transport.Conn
}

func (b byteSource) Receive(maxBytes int) ([]byte, error) {
	buf := make([]byte, maxBytes)
	n, err := b.inner.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// ReceiveMessage returns exactly one parsed packet, fetching more bytes
// from the inner connection as needed and storing any trailing bytes as
// the new leftover.
func (c *Conn) ReceiveMessage() (wire.Packet, error) {
	return c.framer.ReceiveMessage(byteSource{c.inner})
}

// ConsumeMessages repeatedly parses and invokes fn for each packet until
// fn reports done, preserving the remaining leftover for a later call.
func (c *Conn) ConsumeMessages(fn func(wire.Packet) (done bool, err error)) error {
	return c.framer.ConsumeMessages(byteSource{c.inner}, fn)
}

// Send serializes pkt and writes it to the inner connection.
func (c *Conn) Send(pkt wire.Packet) error {
	if err := pkt.Write(c.inner); err != nil {
		return fmt.Errorf("mqtt: write packet: %w", err)
	}
	return nil
}

// Flush flushes the inner connection.
func (c *Conn) Flush() error { return c.inner.Flush() }

// Close closes the inner connection.
func (c *Conn) Close() error { return c.inner.Close() }

// Info returns the inner connection's accumulated metadata.
func (c *Conn) Info() transport.ConnInfo { return c.inner.Info() }
