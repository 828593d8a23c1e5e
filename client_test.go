package dealer

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/discovery"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, n *router.Network, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithRouter(n),
		WithMetricSink(nil),
		WithTimings(testTimings),
		WithDiscoveryInterval(10 * time.Millisecond),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestClient(t *testing.T) {
	defer leaktest.Check(t)()
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", echo)
	defer b1.stop()
	b2 := startBackend(t, n, "b2:5000", func(req *Request) [][][]byte {
		return [][][]byte{req.Ack(), req.Chunk([]byte("from b2")), req.Choke()}
	})
	defer b2.stop()

	c := newTestClient(t, n,
		WithService("echo", []string{"ping"}, discovery.NewStatic([]Endpoint{b1.ep}), Policy{Timeout: 1, MaxRetries: 1}),
		WithService("echo-v2", []string{"ping"}, discovery.NewStatic([]Endpoint{b2.ep}), Policy{}),
		WithService("other", []string{"ping"}, discovery.NewStatic([]Endpoint{b2.ep}), Policy{}),
	)
	defer c.Close()
	require.NoError(t, c.Refresh(t.Context()))
	require.Equal(t, []string{"echo", "echo-v2", "other"}, c.Services())

	policy, err := c.PolicyFor("echo")
	require.NoError(t, err)
	require.Equal(t, Policy{Timeout: 1, MaxRetries: 1}, policy)
	_, err = c.PolicyFor("nope")
	require.ErrorIs(t, err, ErrUnknownSvc)

	resp, err := c.Send("echo/ping", []byte("hi"), nil)
	require.NoError(t, err)
	chunks, err := resp.Collect(t.Context())
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("hi")}, chunks)

	_, err = c.Send("nope/ping", nil, nil)
	require.ErrorIs(t, err, ErrUnknownSvc)
	_, err = c.Send("echo", nil, nil)
	require.ErrorIs(t, err, ErrInvalidPath)

	t.Run("send many", func(t *testing.T) {
		for range 2 {
			responses, err := c.SendMany("echo.*/ping", []byte("all"), &Policy{Timeout: 1})
			require.NoError(t, err)
			require.Len(t, responses, 2)

			var got []string
			for _, resp := range responses {
				chunks, err := resp.Collect(t.Context())
				require.NoError(t, err)
				got = append(got, string(chunks[0]))
			}
			require.ElementsMatch(t, []string{"all", "from b2"}, got)
		}
		require.Equal(t, 1, c.patterns.Len(), "compiled patterns are reused")

		_, err := c.SendMany("ech/ping", nil, nil)
		require.ErrorIs(t, err, ErrNoMatch, "patterns match whole names")
		_, err = c.SendMany("(/ping", nil, nil)
		require.ErrorIs(t, err, ErrNoMatch)
	})

	_, ok := c.Service("echo")
	require.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Send("echo/ping", nil, nil)
	require.ErrorIs(t, err, ErrServiceClosed)
}

func TestClientPersistence(t *testing.T) {
	defer leaktest.Check(t)()
	n := router.NewNetwork()
	store := storage.NewMemory()
	hosts := discovery.NewStatic([]Endpoint{router.NewEndpoint("b1:5000")})

	c := newTestClient(t, n,
		WithStore(store),
		WithService("echo", []string{"ping"}, hosts, Policy{Persistent: true}),
	)
	_, err := c.Send("echo/ping", []byte("keep me"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())
	require.NoError(t, c.Close())
	require.Equal(t, 1, store.Len(), "pending persistent messages survive the client")

	// A new process finds the message and sends it again.
	b1 := startBackend(t, n, "b1:5000", echo)
	defer b1.stop()
	c = newTestClient(t, n,
		WithStore(store),
		WithService("echo", []string{"ping"}, discovery.NewStatic([]Endpoint{b1.ep}), Policy{Persistent: true}),
	)
	defer c.Close()

	stored, err := c.StoredMessages("echo")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	resp, err := c.Resend(stored[0])
	require.NoError(t, err)
	chunks, err := resp.Collect(t.Context())
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("keep me")}, chunks)
	require.Zero(t, store.Len())

	t.Run("remove without sending", func(t *testing.T) {
		msg := NewMessage(Path{Service: "echo", Handle: "ping"}, []byte("x"), Policy{Persistent: true})
		require.NoError(t, msg.persist(store))
		require.NoError(t, c.RemoveStored(msg))
		require.Zero(t, store.Len())
	})
}

func TestClientOptions(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrInvalidCfg, "a transport is required")

	_, err = New(WithRouter(router.NewNetwork()), WithGossipService("echo", []string{"ping"}, Policy{}))
	require.ErrorIs(t, err, ErrInvalidCfg, "gossip services need gossip")

	_, err = New(WithRouter(router.NewNetwork()), WithService("echo", nil, discovery.NewStatic(nil), Policy{}))
	require.ErrorIs(t, err, ErrInvalidCfg)

	c, err := New(WithRouter(router.NewNetwork()), WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.StoredMessages("")
	require.ErrorIs(t, err, ErrNoStorage)
}
