package dealer

import (
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/stretchr/testify/require"
)

func newTestBalancer(n *router.Network) *Balancer {
	return NewBalancer(BalancerConfig{
		Identity:   []byte("svc/h/test"),
		Router:     n,
		MetricSink: &metrics.BlackholeSink{},
	})
}

func receiveFrame(t *testing.T, b *Balancer) *ResponseFrame {
	t.Helper()
	require.True(t, b.HasPendingResponse(time.Second))
	frame, err := b.Receive()
	require.NoError(t, err)
	require.NotNil(t, frame)
	return frame
}

func TestBalancerRoundRobin(t *testing.T) {
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", echo)
	b2 := startBackend(t, n, "b2:5000", echo)

	b := newTestBalancer(n)
	defer b.Disconnect()
	require.ErrorIs(t, b.Connect(nil), ErrNoEndpoints)
	require.NoError(t, b.Connect([]Endpoint{b2.ep, b1.ep}))
	require.True(t, b.Connected())
	require.Equal(t, []Endpoint{b1.ep, b2.ep}, b.Endpoints())

	var routes []string
	for range 4 {
		ep, err := b.Send(testMessage(Policy{}))
		require.NoError(t, err)
		routes = append(routes, ep.Route())
	}
	require.Equal(t, []string{"b1:5000", "b2:5000", "b1:5000", "b2:5000"}, routes)

	require.Eventually(t, func() bool {
		return len(b1.received()) == 2 && len(b2.received()) == 2
	}, time.Second, time.Millisecond)

	frame := receiveFrame(t, b)
	require.Equal(t, RPCAck, frame.Code)
	require.Contains(t, []string{"b1:5000", "b2:5000"}, frame.Route)

	t.Run("disconnected", func(t *testing.T) {
		b.Disconnect()
		b.Disconnect()
		require.False(t, b.Connected())
		require.False(t, b.HasPendingResponse(0))
		frame, err := b.Receive()
		require.NoError(t, err)
		require.Nil(t, frame)

		_, err = b.Send(testMessage(Policy{}))
		require.ErrorIs(t, err, ErrDisconnected)
		require.Len(t, b.Endpoints(), 2, "endpoints survive a disconnect")
	})
}

func TestBalancerConnectFailure(t *testing.T) {
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", echo)

	b := newTestBalancer(n)
	defer b.Disconnect()

	err := b.Connect([]Endpoint{b1.ep, router.NewEndpoint("ghost:5000")})
	var berr *BalancerError
	require.True(t, errors.As(err, &berr))
	require.Equal(t, "ghost:5000", berr.Address)
	require.ErrorIs(t, err, router.ErrConnRefused)
	require.ErrorContains(t, err, "ghost:5000")
}

func TestBalancerUpdateEndpoints(t *testing.T) {
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", silent)
	b2 := startBackend(t, n, "b2:5000", silent)
	b3 := startBackend(t, n, "b3:5000", silent)

	b := newTestBalancer(n)
	defer b.Disconnect()
	require.NoError(t, b.Connect([]Endpoint{b1.ep}))

	missing, err := b.UpdateEndpoints([]Endpoint{b1.ep})
	require.NoError(t, err)
	require.Empty(t, missing)

	missing, err = b.UpdateEndpoints([]Endpoint{b1.ep, b2.ep})
	require.NoError(t, err)
	require.Empty(t, missing, "growing keeps the socket")

	missing, err = b.UpdateEndpoints([]Endpoint{b3.ep, b2.ep})
	require.NoError(t, err)
	require.Equal(t, []Endpoint{b1.ep}, missing)
	require.True(t, b.Connected())

	for range 2 {
		_, err := b.Send(testMessage(Policy{}))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(b2.received()) == 1 && len(b3.received()) == 1
	}, time.Second, time.Millisecond)
	require.Empty(t, b1.received())

	missing, err = b.UpdateEndpoints(nil)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	_, err = b.Send(testMessage(Policy{}))
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestBalancerConverges(t *testing.T) {
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", silent)
	b2 := startBackend(t, n, "b2:5000", silent)
	b3 := startBackend(t, n, "b3:5000", silent)

	sendTo := func(t *testing.T, b *Balancer, want ...*backend) {
		t.Helper()
		before := make([]int, len(want))
		for i, be := range want {
			before[i] = len(be.received())
		}
		for range want {
			_, err := b.Send(testMessage(Policy{}))
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool {
			for i, be := range want {
				if len(be.received()) != before[i]+1 {
					return false
				}
			}
			return true
		}, time.Second, time.Millisecond)
	}

	t.Run("through an empty set", func(t *testing.T) {
		b := newTestBalancer(n)
		defer b.Disconnect()
		require.NoError(t, b.Connect([]Endpoint{b1.ep}))
		sendTo(t, b, b1)

		missing, err := b.UpdateEndpoints(nil)
		require.NoError(t, err)
		require.Equal(t, []Endpoint{b1.ep}, missing)
		require.True(t, b.Connected())
		require.False(t, b.Ready())
		_, err = b.Send(testMessage(Policy{}))
		require.ErrorIs(t, err, ErrNoEndpoints)

		missing, err = b.UpdateEndpoints([]Endpoint{b1.ep})
		require.NoError(t, err)
		require.Empty(t, missing)
		require.True(t, b.Ready())
		sendTo(t, b, b1)
	})

	t.Run("through a disjoint set", func(t *testing.T) {
		b := newTestBalancer(n)
		defer b.Disconnect()
		require.NoError(t, b.Connect([]Endpoint{b1.ep, b2.ep}))
		sendTo(t, b, b1, b2)

		missing, err := b.UpdateEndpoints([]Endpoint{b3.ep})
		require.NoError(t, err)
		require.Equal(t, []Endpoint{b1.ep, b2.ep}, missing)
		sendTo(t, b, b3)

		missing, err = b.UpdateEndpoints([]Endpoint{b2.ep, b1.ep})
		require.NoError(t, err)
		require.Equal(t, []Endpoint{b3.ep}, missing)
		require.Equal(t, []Endpoint{b1.ep, b2.ep}, b.Endpoints())
		sendTo(t, b, b1, b2)
	})

	t.Run("updates while disconnected are recorded", func(t *testing.T) {
		b := newTestBalancer(n)
		require.NoError(t, b.Connect([]Endpoint{b1.ep}))
		b.Disconnect()

		missing, err := b.UpdateEndpoints([]Endpoint{b2.ep})
		require.NoError(t, err)
		require.Equal(t, []Endpoint{b1.ep}, missing)
		require.False(t, b.Ready())
		_, err = b.Send(testMessage(Policy{}))
		require.ErrorIs(t, err, ErrDisconnected)

		require.NoError(t, b.Connect(b.Endpoints()))
		defer b.Disconnect()
		sendTo(t, b, b2)
	})

	t.Run("connect replaces the set", func(t *testing.T) {
		b := newTestBalancer(n)
		defer b.Disconnect()
		require.NoError(t, b.Connect([]Endpoint{b1.ep, b2.ep}))
		sendTo(t, b, b1, b2)
		reqs := b1.received()
		last := reqs[len(reqs)-1]

		require.NoError(t, b.Connect([]Endpoint{b3.ep}))
		require.Equal(t, []Endpoint{b3.ep}, b.Endpoints())
		require.ErrorIs(t, b1.ln.Send(last.Ack()), router.ErrHostUnreachable, "dropped peers are released")
		sendTo(t, b, b3)
	})
}

func TestBalancerDiscardsMalformed(t *testing.T) {
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", func(req *Request) [][][]byte {
		bad := req.Ack()
		bad[1] = mustPack(int64(99))
		return [][][]byte{bad, req.Choke()}
	})

	b := newTestBalancer(n)
	defer b.Disconnect()
	require.NoError(t, b.Connect([]Endpoint{b1.ep}))
	_, err := b.Send(testMessage(Policy{}))
	require.NoError(t, err)

	require.True(t, b.HasPendingResponse(time.Second))
	_, err = b.Receive()
	require.ErrorIs(t, err, ErrUnknownRPCCode)
	var berr *BalancerError
	require.False(t, errors.As(err, &berr), "protocol errors are not fatal")

	frame := receiveFrame(t, b)
	require.Equal(t, RPCChoke, frame.Code)
}
