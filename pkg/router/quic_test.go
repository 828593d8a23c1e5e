package router

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
	}
	return key
}

func generateCert(t *testing.T, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey, cn string, isCA bool) ([]byte, *x509.Certificate) {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: cn},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
		parent = tmpl
		parentKey = key
	} else {
		tmpl.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("failed to generate certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %s", err)
	}
	return der, cert
}

func tlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	_, ca := generateCert(t, nil, nil, caKey, "self-signed", true)
	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	confs := make([]*tls.Config, 0, len(names))
	for _, name := range names {
		key := generateKeyPair(t)
		der, leaf := generateCert(t, ca, caKey, key, name, false)
		confs = append(confs, &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			}},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return confs
}

func newTestQUICContext(t *testing.T, name string, tlsConf *tls.Config) *QUICContext {
	t.Helper()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})

	qc, err := NewQUICContext(&QUICConfig{
		TlsConfig:   tlsConf,
		BindAddr:    "127.0.0.1",
		DialTimeout: 2 * time.Second,
		MetricSink:  metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler:  handler,
	})
	require.NoError(t, err)
	return qc
}

func TestQUICContext(t *testing.T) {
	confs := tlsConfigs(t, "backend", "client")
	backendCtx := newTestQUICContext(t, "backend", confs[0])
	defer backendCtx.Close()
	clientCtx := newTestQUICContext(t, "client", confs[1])
	defer clientCtx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := backendCtx.Listen()
	require.NoError(t, err)
	defer ln.Close()

	sock, err := clientCtx.NewSocket([]byte("client-1"))
	require.NoError(t, err)
	defer sock.Close()

	t.Run("invalid address", func(t *testing.T) {
		err := sock.Connect(ctx, NewEndpoint("not an address"))
		require.ErrorIs(t, err, ErrInvalidAddr)
	})

	ep := Endpoint{RoutingID: []byte("backend-1"), Address: ln.Addr()}
	require.NoError(t, sock.Connect(ctx, ep))

	t.Run("round trip", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return sock.Send([][]byte{ep.RoutingID, {}, []byte("ping")}) == nil
		}, 5*time.Second, 50*time.Millisecond)

		in, err := ln.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("client-1"), {}, []byte("ping")}, in)

		require.NoError(t, ln.Send([][]byte{in[0], []byte("pong"), []byte("extra")}))
		require.True(t, sock.Poll(5*time.Second))
		parts, err := sock.Recv()
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("backend-1"), []byte("pong"), []byte("extra")}, parts)
	})

	t.Run("identity from certificate", func(t *testing.T) {
		anon, err := clientCtx.NewSocket(nil)
		require.NoError(t, err)
		defer anon.Close()
		require.NoError(t, anon.Connect(ctx, ep))

		require.Eventually(t, func() bool {
			return anon.Send([][]byte{ep.RoutingID, []byte("hello")}) == nil
		}, 5*time.Second, 50*time.Millisecond)

		in, err := ln.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("client"), []byte("hello")}, in)
	})

	require.NoError(t, sock.Close())
	require.ErrorIs(t, sock.Send([][]byte{ep.RoutingID, []byte("late")}), ErrClosed)
}
