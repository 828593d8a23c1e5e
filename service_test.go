package dealer

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, n *router.Network) *Service {
	t.Helper()
	s, err := NewService("echo", ServiceConfig{
		Router:     n,
		Timings:    testTimings,
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	return s
}

func echoMessage(handle, payload string) *Message {
	return NewMessage(Path{Service: "echo", Handle: handle}, []byte(payload), Policy{Timeout: 1})
}

func TestServiceParksUntilHandleAppears(t *testing.T) {
	defer leaktest.Check(t)()
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", echo)
	defer b1.stop()

	s := newTestService(t, n)
	defer s.Close()

	resp, err := s.Send(echoMessage("ping", "early"))
	require.NoError(t, err)
	require.True(t, s.IsAlive())
	require.Empty(t, s.Handles())

	require.NoError(t, s.RefreshHandles(map[string][]Endpoint{"ping": {b1.ep}}))
	require.Equal(t, []string{"ping"}, s.Handles())

	chunk, err := resp.Get(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("early"), chunk)
	_, err = resp.Get(time.Second)
	require.ErrorIs(t, err, ErrResponseDone)

	resp, err = s.Send(echoMessage("ping", "direct"))
	require.NoError(t, err)
	chunks, err := resp.Collect(t.Context())
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("direct")}, chunks)
}

func TestServiceRetiresHandles(t *testing.T) {
	defer leaktest.Check(t)()
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", silent)
	defer b1.stop()

	s := newTestService(t, n)
	defer s.Close()

	require.NoError(t, s.RefreshHandles(map[string][]Endpoint{
		"ping": {b1.ep},
		"pong": {b1.ep},
	}))
	require.Equal(t, []string{"ping", "pong"}, s.Handles())

	resp, err := s.Send(echoMessage("pong", "waiting"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b1.received()) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.RefreshHandles(map[string][]Endpoint{"ping": {b1.ep}}))
	require.Equal(t, []string{"ping"}, s.Handles())

	// The message of the retired handle is handed to its next incarnation.
	b1.setScript(echo)
	require.NoError(t, s.UpdateEndpoints("pong", []Endpoint{b1.ep}))
	chunk, err := resp.Get(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("waiting"), chunk)
}

func TestServiceRejections(t *testing.T) {
	defer leaktest.Check(t)()
	n := router.NewNetwork()
	s := newTestService(t, n)

	_, err := s.Send(NewMessage(Path{Service: "other", Handle: "ping"}, nil, Policy{}))
	require.ErrorIs(t, err, ErrUnknownSvc)

	require.NoError(t, s.UpdateEndpoints("ping", nil), "nothing to spawn")
	require.Empty(t, s.Handles())

	t.Run("dead handle", func(t *testing.T) {
		require.NoError(t, s.UpdateEndpoints("ping", []Endpoint{router.NewEndpoint("ghost:1")}))
		h, ok := s.Handle("ping")
		require.True(t, ok)
		require.NoError(t, h.signal(control{cmd: ctrlConnect}))
		<-h.Done()

		require.False(t, s.IsAlive())
		_, err := s.Send(echoMessage("ping", "x"))
		require.ErrorIs(t, err, ErrServiceUnavailable)
		require.ErrorIs(t, err, ErrHandleDead)
	})

	t.Run("closed", func(t *testing.T) {
		require.ErrorIs(t, s.Close(), ErrNoEndpoints, "the failure of the handle is reported")
		require.NoError(t, s.Close())
		require.False(t, s.IsAlive())
		_, err := s.Send(echoMessage("ping", "x"))
		require.ErrorIs(t, err, ErrServiceClosed)
		require.ErrorIs(t, s.UpdateEndpoints("ping", []Endpoint{router.NewEndpoint("b:1")}), ErrServiceClosed)
	})
}

func TestServiceCloseFailsPending(t *testing.T) {
	defer leaktest.Check(t)()
	n := router.NewNetwork()
	b1 := startBackend(t, n, "b1:5000", silent)
	defer b1.stop()

	s := newTestService(t, n)
	require.NoError(t, s.UpdateEndpoints("ping", []Endpoint{b1.ep}))

	sent, err := s.Send(echoMessage("ping", "in flight"))
	require.NoError(t, err)
	parked, err := s.Send(echoMessage("later", "parked"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b1.received()) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	for _, resp := range []*Response{sent, parked} {
		_, err := resp.Get(time.Second)
		requireResponseError(t, err, ServerError)
	}
}
