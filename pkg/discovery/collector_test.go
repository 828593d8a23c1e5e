package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockFetcher struct {
	m mock.Mock
}

func (f *MockFetcher) Fetch(ctx context.Context) ([]router.Endpoint, bool, error) {
	args := f.m.Called(ctx)
	eps, _ := args.Get(0).([]router.Endpoint)
	return eps, args.Bool(1), args.Error(2)
}

type update struct {
	service string
	handles map[string][]router.Endpoint
}

func TestCollector(t *testing.T) {
	defer leaktest.Check(t)()

	var (
		lk      sync.Mutex
		updates []update
	)
	eps := []router.Endpoint{router.NewEndpoint("a:1")}
	broken := &MockFetcher{}
	broken.m.On("Fetch", mock.Anything).Return(nil, false, errors.New("boom"))
	c, err := NewCollector(CollectorConfig{
		Interval: 10 * time.Millisecond,
		Sources: []Source{
			{Service: "broken", Handles: []string{"x"}, Fetcher: broken},
			{Service: "echo", Handles: []string{"ping", "pong"}, Fetcher: NewStatic(eps)},
		},
		OnUpdate: func(service string, handles map[string][]router.Endpoint) {
			lk.Lock()
			defer lk.Unlock()
			updates = append(updates, update{service, handles})
		},
	})
	require.NoError(t, err)

	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Stop()
	c.Stop()

	lk.Lock()
	defer lk.Unlock()
	require.Len(t, updates, 1, "static hosts change once")
	require.Equal(t, "echo", updates[0].service)
	require.Equal(t, map[string][]router.Endpoint{"ping": eps, "pong": eps}, updates[0].handles)

	err = c.Poll(context.Background())
	require.ErrorContains(t, err, "broken")
	broken.m.AssertCalled(t, "Fetch", mock.Anything)
}

func TestCollectorRequiresCallback(t *testing.T) {
	_, err := NewCollector(CollectorConfig{})
	require.ErrorIs(t, err, ErrInvalidCfg)
}
