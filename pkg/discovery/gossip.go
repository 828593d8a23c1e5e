package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/telemetry"
)

// Tags a backend sets on its cluster member to be discovered.
const (
	TagService = "dealer.service"
	TagRoute   = "dealer.route"
	TagAddr    = "dealer.addr"
)

// Advertisement is what a backend publishes about itself.
type Advertisement struct {
	Service string
	// Route defaults to Addr.
	Route string
	Addr  string
}

func (adv Advertisement) tags() map[string]string {
	if adv.Service == "" {
		return nil
	}
	route := adv.Route
	if route == "" {
		route = adv.Addr
	}
	return map[string]string{
		TagService: adv.Service,
		TagRoute:   route,
		TagAddr:    adv.Addr,
	}
}

// GossipConfig configures a Gossip member.
type GossipConfig struct {
	NodeName   string
	BindAddr   string
	BindPort   int
	Neighbours []string

	// Profile selects the memberlist tuning: "lan" (default), "wan" or
	// "local".
	Profile string

	// Advertise is set by backends, clients leave it empty.
	Advertise Advertisement

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Gossip is a member of the cluster in which backends advertise the
// services they serve.
type Gossip struct {
	serf    *serf.Serf
	eventCh chan serf.Event
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	neighbours []string

	lk       sync.Mutex
	versions map[string]uint64
	shutdown bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func memberlistProfile(name string) (*memberlist.Config, error) {
	switch name {
	case "", "lan":
		return memberlist.DefaultLANConfig(), nil
	case "wan":
		return memberlist.DefaultWANConfig(), nil
	case "local":
		return memberlist.DefaultLocalConfig(), nil
	default:
		return nil, fmt.Errorf("%w: unknown gossip profile %q", ErrInvalidCfg, name)
	}
}

func NewGossip(cfg GossipConfig) (*Gossip, error) {
	mlCfg, err := memberlistProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}

	g := &Gossip{
		eventCh:    make(chan serf.Event, 512),
		stopCh:     make(chan struct{}),
		neighbours: cfg.Neighbours,
		versions:   make(map[string]uint64),
		mLabels:    cfg.MetricLabels,
	}

	if cfg.LogHandler == nil {
		cfg.LogHandler = slog.Default().Handler()
	}
	g.logger = slog.New(cfg.LogHandler)
	if cfg.MetricSink == nil {
		g.msink = metrics.Default()
	} else {
		g.msink = cfg.MetricSink
	}

	// memberlist and serf still emit through armon/go-metrics.
	legLabels := make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		legLabels[i] = leg_metrics.Label{Name: label.Name, Value: label.Value}
	}

	serfCfg := serf.DefaultConfig()
	serfCfg.MemberlistConfig = mlCfg
	if cfg.NodeName != "" {
		serfCfg.NodeName = cfg.NodeName
	}
	mlCfg.Name = serfCfg.NodeName
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.MetricLabels = legLabels

	serfCfg.Tags = cfg.Advertise.tags()
	serfCfg.EventCh = g.eventCh
	serfCfg.DisableCoordinates = true
	serfCfg.ValidateNodeNames = true
	serfCfg.MetricLabels = legLabels
	serfCfg.LogOutput = nil
	serfCfg.Logger = slog.NewLogLogger(cfg.LogHandler, slog.LevelDebug)
	mlCfg.Logger = serfCfg.Logger

	s, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.serf = s

	g.wg.Add(1)
	go g.handleEvents()
	return g, nil
}

// Addr is the host:port other members can join.
func (g *Gossip) Addr() string {
	m := g.serf.LocalMember()
	return net.JoinHostPort(m.Addr.String(), strconv.Itoa(int(m.Port)))
}

// Join contacts the neighbours, and the extra addresses given.
func (g *Gossip) Join(extra ...string) error {
	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return ErrGossipClosed
	}
	g.lk.Unlock()

	addrs := append(append([]string(nil), g.neighbours...), extra...)
	if len(addrs) == 0 {
		return nil
	}
	joined, err := g.serf.Join(addrs, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.logger.Info("cluster joined")
	if joined != len(addrs) {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(addrs),
		)
	}
	return nil
}

// Advertise replaces what this member publishes.
func (g *Gossip) Advertise(adv Advertisement) error {
	return g.serf.SetTags(adv.tags())
}

// Endpoints of the alive members serving service.
func (g *Gossip) Endpoints(service string) []router.Endpoint {
	var endpoints []router.Endpoint
	for _, m := range g.serf.Members() {
		if m.Status != serf.StatusAlive || m.Tags[TagService] != service {
			continue
		}
		addr := m.Tags[TagAddr]
		if addr == "" {
			continue
		}
		route := m.Tags[TagRoute]
		if route == "" {
			route = addr
		}
		endpoints = append(endpoints, router.Endpoint{RoutingID: []byte(route), Address: addr})
	}
	return router.SortEndpoints(endpoints)
}

// Fetcher returns a Fetcher of the endpoints of service, it reports a
// change only after membership events concerning service.
func (g *Gossip) Fetcher(service string) Fetcher {
	return &gossipFetcher{gossip: g, service: service}
}

func (g *Gossip) version(service string) uint64 {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.versions[service]
}

func (g *Gossip) handleEvents() {
	defer g.wg.Done()
	for {
		var ev serf.Event
		select {
		case ev = <-g.eventCh:
		case <-g.stopCh:
			return
		}

		mev, ok := ev.(serf.MemberEvent)
		if !ok {
			continue
		}
		g.msink.IncrCounterWithLabels(
			MetricDiscoveryMemberEvent,
			1.0,
			telemetry.With(g.mLabels, telemetry.LabelSource.M(mev.Type.String())),
		)

		g.lk.Lock()
		for _, m := range mev.Members {
			if svc := m.Tags[TagService]; svc != "" {
				g.versions[svc]++
			}
		}
		g.lk.Unlock()

		for _, m := range mev.Members {
			g.logger.Info(
				"member event",
				"event", mev.Type.String(),
				telemetry.LabelPeerID.L(m.Name),
				telemetry.LabelPeerAddr.L(net.JoinHostPort(m.Addr.String(), strconv.Itoa(int(m.Port)))),
				telemetry.LabelService.L(m.Tags[TagService]),
			)
		}
	}
}

// Close leaves the cluster and stops the member.
func (g *Gossip) Close() error {
	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return nil
	}
	g.shutdown = true
	g.lk.Unlock()

	if err := g.serf.Leave(); err != nil {
		g.logger.Warn("error leaving cluster", "error", err)
	}
	err := g.serf.Shutdown()

	// serf never closes the event channel.
	close(g.stopCh)
	g.wg.Wait()
	return err
}

type gossipFetcher struct {
	gossip  *Gossip
	service string

	lk      sync.Mutex
	seen    uint64
	tracker tracker
}

func (f *gossipFetcher) Fetch(ctx context.Context) ([]router.Endpoint, bool, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	if err := ctx.Err(); err != nil {
		return f.tracker.last, false, err
	}

	version := f.gossip.version(f.service)
	if f.tracker.primed && version == f.seen {
		return f.tracker.last, false, nil
	}
	f.seen = version
	endpoints := f.gossip.Endpoints(f.service)
	return endpoints, f.tracker.observe(endpoints), nil
}
