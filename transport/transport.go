// Package transport defines the layered transport abstraction the broker
// core is built on: Socket -> TLS -> WebSocket -> MQTT framing. Each layer
// wraps an inner layer and delegates I/O to it after applying its own
// framing or handshake, exposing the same small surface — Read, Write,
// Flush, Close, Info — so the layer above never needs to know how many
// layers sit underneath it.
//
// Concurrency: a Listener's Serve loop blocks only on accepting the next
// raw connection at the lowest layer; any handshake a layer performs
// (TLS, WebSocket upgrade) runs on its own goroutine so a slow handshake
// never stalls acceptance of further connections.
package transport

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// Conn is one accepted, layered connection. Read/Write move bytes through
// every layer below; Flush pushes any buffered layer state; Info exposes
// whatever metadata the layers below
// collected (peer certificates, the original HTTP upgrade request).
type Conn interface {
	io.Reader
	io.Writer

	// Flush pushes out any data buffered by this layer or any layer
	// below it. A pure byte-stream socket has nothing to flush.
	Flush() error

	// Close tears down this connection and every layer below it.
	Close() error

	// Info reports layer-contributed connection metadata.
	Info() ConnInfo
}

// ConnInfo aggregates metadata contributed by whichever layers handled a
// connection.
type ConnInfo struct {
	RemoteAddr string

	// TLSPeerCertificates is set by the TLS layer when the client
	// presents a certificate chain.
	TLSPeerCertificates []*x509.Certificate

	// Request is the original HTTP upgrade request, set by the
	// WebSocket layer.
	Request *http.Request
}

// ConnHandler processes one fully-handshaken connection. It owns conn for
// the duration of the call; returning closes the connection.
type ConnHandler func(ctx context.Context, conn Conn) error

// Listener accepts connections at one transport layer and, for each one,
// applies this layer's own handshake/framing before invoking handler (or
// handing the connection to the next layer up, which does the same).
type Listener interface {
	// Serve blocks accepting connections until ctx is cancelled or the
	// lowest layer's listener fails. Each accepted connection is
	// handled on its own goroutine.
	Serve(ctx context.Context, handler ConnHandler) error

	// Close closes the underlying listening socket.
	Close() error
}

// BaseLayer provides the logger plumbing shared by every layer
// implementation: a settable *slog.Logger that lazily falls back to a
// stderr text handler.
type BaseLayer struct {
	logger *slog.Logger
}

// SetLogger sets the structured logger used by this layer.
func (b *BaseLayer) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// Logger returns the configured logger, creating a default stderr
// text-handler logger at INFO level if none was set.
func (b *BaseLayer) Logger() *slog.Logger {
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return b.logger
}
