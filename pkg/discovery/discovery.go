// Package discovery finds the endpoints of backend services.
//
// A Fetcher produces the endpoint set of one service, from a hosts file,
// an HTTP URL, a static list or the gossip cluster the backends join. A
// Collector polls fetchers and reports the services whose set changed.
package discovery

import (
	"context"
	"errors"
	"sync"

	"github.com/raskyld/dealer/pkg/router"
)

const DefaultPort = 5000

var (
	ErrInvalidHost      = errors.New("discovery: invalid host")
	ErrUnexpectedStatus = errors.New("discovery: unexpected http status")
	ErrGossipClosed     = errors.New("discovery: gossip is closed")
	ErrJoinCluster      = errors.New("discovery: could not join cluster")
	ErrInvalidCfg       = errors.New("discovery: invalid config")
)

var (
	MetricDiscoveryFetchCount      = []string{"dealer", "discovery", "fetch", "count"}
	MetricDiscoveryFetchErrorCount = []string{"dealer", "discovery", "fetch", "error", "count"}
	MetricDiscoveryUpdateCount     = []string{"dealer", "discovery", "update", "count"}
	MetricDiscoveryMemberEvent     = []string{"dealer", "discovery", "member", "event", "count"}
)

// Fetcher returns the current endpoints of a service and whether they
// changed since the previous call.
type Fetcher interface {
	Fetch(ctx context.Context) (endpoints []router.Endpoint, changed bool, err error)
}

// tracker remembers the last set returned by a fetcher.
type tracker struct {
	last   []router.Endpoint
	primed bool
}

func (t *tracker) observe(next []router.Endpoint) bool {
	changed := !t.primed || !router.EqualEndpoints(t.last, next)
	t.last = next
	t.primed = true
	return changed
}

// Static always returns the same endpoints, changed only on the first
// call.
type Static struct {
	endpoints []router.Endpoint

	lk      sync.Mutex
	tracker tracker
}

func NewStatic(endpoints []router.Endpoint) *Static {
	return &Static{endpoints: router.SortEndpoints(endpoints)}
}

func (s *Static) Fetch(context.Context) ([]router.Endpoint, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.endpoints, s.tracker.observe(s.endpoints), nil
}
