package dealer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/raskyld/dealer/pkg/discovery"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/telemetry"
)

const defaultPatternCacheSize = 128

// Client sends messages to the services it was configured with and keeps
// their handles connected to the hosts discovery finds.
type Client struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	router    router.Context
	quic      *router.QUICContext
	gossip    *discovery.Gossip
	collector *discovery.Collector
	patterns  *lru.Cache

	// services and policies are immutable after New.
	services map[string]*Service
	policies map[string]Policy

	lk     sync.Mutex
	closed bool
}

// New creates a client and starts discovering the hosts of its services.
func New(opts ...Option) (_ *Client, err error) {
	c := &Client{
		services: make(map[string]*Service),
		policies: make(map[string]Policy),
	}
	for _, opt := range opts {
		if err := opt(&c.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.config.logHandler != nil {
		c.logger = slog.New(c.config.logHandler)
	} else {
		c.logger = slog.Default()
	}
	if c.config.msink == nil {
		c.config.msink = metrics.Default()
	}
	c.msink = c.config.msink

	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.router = c.config.router
	if c.router == nil {
		if c.config.quicCfg.TlsConfig == nil {
			return nil, fmt.Errorf("%w: a router or a tls config is required", ErrInvalidCfg)
		}
		c.quic, err = router.NewQUICContext(&c.config.quicCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		c.router = c.quic
	}

	size := c.config.patternCacheSize
	if size == 0 {
		size = defaultPatternCacheSize
	}
	c.patterns, err = lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	if gcfg := c.config.gossipCfg; gcfg != nil {
		gcfg.MetricLabels = c.config.metricLabels
		gcfg.MetricSink = c.msink
		c.gossip, err = discovery.NewGossip(*gcfg)
		if err != nil {
			return nil, err
		}
		if err := c.gossip.Join(); err != nil {
			c.logger.Warn("gossip join failed, waiting for peers to join us", "error", err)
		}
	}

	sources := make([]discovery.Source, 0, len(c.config.services))
	for _, def := range c.config.services {
		svc, err := NewService(def.name, ServiceConfig{
			Router:       c.router,
			Store:        c.config.store,
			Timings:      c.config.timings,
			MetricLabels: c.config.metricLabels,
			MetricSink:   c.msink,
			LogHandler:   c.config.logHandler,
		})
		if err != nil {
			return nil, err
		}
		c.services[def.name] = svc
		c.policies[def.name] = def.policy

		fetcher := def.fetcher
		if fetcher == nil {
			if c.gossip == nil {
				return nil, fmt.Errorf("%w: service %s needs gossip", ErrInvalidCfg, def.name)
			}
			fetcher = c.gossip.Fetcher(def.name)
		}
		sources = append(sources, discovery.Source{Service: def.name, Handles: def.handles, Fetcher: fetcher})
	}

	c.collector, err = discovery.NewCollector(discovery.CollectorConfig{
		Interval:     c.config.discoveryInterval,
		Sources:      sources,
		OnUpdate:     c.onHosts,
		MetricLabels: c.config.metricLabels,
		MetricSink:   c.msink,
		LogHandler:   c.config.logHandler,
	})
	if err != nil {
		return nil, err
	}
	c.collector.Start(context.Background())
	return c, nil
}

// NewFromConfig creates a client from a YAML file, opts are applied
// after the options derived from the file.
func NewFromConfig(path string, opts ...Option) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	fileOpts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return New(append(fileOpts, opts...)...)
}

func (c *Client) onHosts(service string, handles map[string][]Endpoint) {
	svc, ok := c.services[service]
	if !ok {
		return
	}
	if err := svc.RefreshHandles(handles); err != nil {
		c.logger.Error("could not refresh handles", telemetry.LabelService.L(service), "error", err)
	}
}

// Refresh polls discovery now instead of waiting for the next interval.
func (c *Client) Refresh(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.collector.Poll(ctx)
}

func (c *Client) usable() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return ErrServiceClosed
	}
	return nil
}

// Service returns the service named name.
func (c *Client) Service(name string) (*Service, bool) {
	svc, ok := c.services[name]
	return svc, ok
}

// Services lists the configured services in order.
func (c *Client) Services() []string {
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicyFor returns the default policy of service.
func (c *Client) PolicyFor(service string) (Policy, error) {
	policy, ok := c.policies[service]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownSvc, service)
	}
	return policy, nil
}

// Send sends payload to path, "<service>/<handle>". A nil policy selects
// the default policy of the service.
func (c *Client) Send(path string, payload []byte, policy *Policy) (*Response, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return c.send(p, payload, policy)
}

func (c *Client) send(path Path, payload []byte, policy *Policy) (*Response, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	svc, ok := c.services[path.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSvc, path.Service)
	}
	effective := c.policies[path.Service]
	if policy != nil {
		effective = *policy
	}
	return svc.Send(NewMessage(path, payload, effective))
}

// SendMany sends payload to the handle of every service whose name fully
// matches the regular expression before the '/' of pattern.
func (c *Client) SendMany(pattern string, payload []byte, policy *Policy) ([]*Response, error) {
	p, err := ParsePath(pattern)
	if err != nil {
		return nil, err
	}
	re, err := c.compile(p.Service)
	if err != nil {
		return nil, err
	}

	var (
		responses []*Response
		merr      *multierror.Error
	)
	for _, name := range c.Services() {
		if !re.MatchString(name) {
			continue
		}
		resp, err := c.send(Path{Service: name, Handle: p.Handle}, payload, policy)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		responses = append(responses, resp)
	}
	if responses == nil && merr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, p.Service)
	}
	return responses, merr.ErrorOrNil()
}

func (c *Client) compile(expr string) (*regexp.Regexp, error) {
	if v, ok := c.patterns.Get(expr); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMatch, err)
	}
	c.patterns.Add(expr, re)
	return re, nil
}

// StoredMessages lists the persistent messages of service waiting in the
// store, service empty meaning all of them.
func (c *Client) StoredMessages(service string) ([]*Message, error) {
	if c.config.store == nil {
		return nil, ErrNoStorage
	}
	return StoredMessages(c.config.store, service)
}

// Resend sends a message restored from the store again.
func (c *Client) Resend(msg *Message) (*Response, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	svc, ok := c.services[msg.path.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSvc, msg.path.Service)
	}
	return svc.Send(msg)
}

// RemoveStored drops a persisted message without sending it.
func (c *Client) RemoveStored(msg *Message) error {
	if c.config.store == nil {
		return ErrNoStorage
	}
	if msg.store == nil {
		msg.store = c.config.store
	}
	return msg.purge()
}

// Close stops discovery and every service. Persistent messages not
// completed yet stay in the store.
func (c *Client) Close() error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return nil
	}
	c.closed = true
	c.lk.Unlock()

	var merr *multierror.Error
	if c.collector != nil {
		c.collector.Stop()
	}
	for _, name := range c.Services() {
		if err := c.services[name].Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("service %s: %w", name, err))
		}
	}
	if c.gossip != nil {
		merr = multierror.Append(merr, c.gossip.Close())
	}
	if c.quic != nil {
		if err := c.quic.Close(); err != nil && !errors.Is(err, router.ErrClosed) {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
