package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gobroker/transport"
	"github.com/localrivet/gobroker/transport/socket"
)

func generateSelfSignedCert(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "gobroker-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, cert
}

// TestServeCompletesHandshakeAndExposesPeerCertificate wraps a socket
// listener with TLS, has a client present a client certificate, and checks
// the TLS layer surfaces it via Conn.Info().TLSPeerCertificates.
func TestServeCompletesHandshakeAndExposesPeerCertificate(t *testing.T) {
	serverCert, _ := generateSelfSignedCert(t)
	clientCert, clientLeaf := generateSelfSignedCert(t)

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(clientLeaf)

	sock, err := socket.Listen(socket.Config{BindAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	addr := sock.Addr()

	tlsListener := New(Config{
		Inner: sock,
		ServerParams: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    clientCAs,
			MinVersion:   tls.VersionTLS12,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan transport.ConnInfo, 1)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- tlsListener.Serve(ctx, func(ctx context.Context, conn transport.Conn) error {
			accepted <- conn.Info()
			buf := make([]byte, 2)
			_, _ = conn.Read(buf)
			return nil
		})
	}()

	rawClient, err := socket.Dial(ctx, addr)
	require.NoError(t, err)
	defer rawClient.Close()

	clientConn := tls.Client(rawClient, &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
	})
	require.NoError(t, clientConn.HandshakeContext(ctx))
	defer clientConn.Close()

	select {
	case info := <-accepted:
		require.Len(t, info.TLSPeerCertificates, 1)
		assert.Equal(t, "gobroker-test", info.TLSPeerCertificates[0].Subject.CommonName)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for TLS handshake to complete")
	}

	cancel()
	<-serveErr
}
