package websocket

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gobroker/transport"
	"github.com/localrivet/gobroker/transport/socket"
)

// TestServeUpgradesAndExchangesBinaryFrames dials a real WebSocket client
// handshake against the websocket transport layer, then exchanges one
// binary message each way, exercising the gobwas/ws upgrade and frame I/O
// this layer is built on.
func TestServeUpgradesAndExchangesBinaryFrames(t *testing.T) {
	sock, err := socket.Listen(socket.Config{BindAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	addr := sock.Addr()

	wsListener := New(Config{Inner: sock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan transport.ConnInfo, 1)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- wsListener.Serve(ctx, func(ctx context.Context, conn transport.Conn) error {
			accepted <- conn.Info()

			buf := make([]byte, 64)
			n, err := conn.Read(buf)
			if err != nil {
				return err
			}
			_, err = conn.Write(buf[:n])
			return err
		})
	}()

	url := fmt.Sprintf("ws://%s/mqtt", addr)
	clientConn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case info := <-accepted:
		require.NotNil(t, info.Request)
		assert.Equal(t, "/mqtt", info.Request.RequestURI[:len("/mqtt")])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upgrade to complete")
	}

	require.NoError(t, wsutil.WriteClientBinary(clientConn, []byte("ping")))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := wsutil.ReadServerMessage(clientConn, nil)
	require.NoError(t, err)
	require.Len(t, msg, 1)
	assert.Equal(t, "ping", string(msg[0].Payload))

	cancel()
	<-serveErr
}
