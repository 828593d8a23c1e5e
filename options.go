package dealer

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/discovery"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/storage"
)

type serviceDef struct {
	name    string
	handles []string
	policy  Policy

	// fetcher is nil for services discovered through gossip.
	fetcher discovery.Fetcher
}

type config struct {
	router   router.Context
	quicCfg  router.QUICConfig
	store    storage.Store
	timings  Timings
	services []serviceDef

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	discoveryInterval time.Duration
	gossipCfg         *discovery.GossipConfig

	patternCacheSize int
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.quicCfg.LogHandler = handler
		if c.gossipCfg != nil {
			c.gossipCfg.LogHandler = handler
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the client.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.quicCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the client.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.quicCfg.MetricLabels = labels
		return nil
	}
}

// WithRouter makes handles create their sockets from rc instead of a QUIC
// context owned by the client.
func WithRouter(rc router.Context) Option {
	return func(c *config) error {
		if rc == nil {
			return fmt.Errorf("router context is nil")
		}
		c.router = rc
		return nil
	}
}

// WithTlsConfig set the `tls.Config` of the QUIC transport. Backends
// resolve the identity of handles from their certificates, so mTLS is
// expected in production.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return router.ErrNoTLSConfig
		}
		c.quicCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithListenOn specifies which UDP interface the QUIC transport binds.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.quicCfg.BindAddr = addr
		c.quicCfg.BindPort = port
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// backend to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.quicCfg.DialTimeout = timeout
		return nil
	}
}

// WithStore keeps persistent messages in store until they complete.
func WithStore(store storage.Store) Option {
	return func(c *config) error {
		c.store = store
		return nil
	}
}

// WithTimings tunes the dispatch loops.
func WithTimings(timings Timings) Option {
	return func(c *config) error {
		c.timings = timings
		return nil
	}
}

// WithDiscoveryInterval controls how often hosts are fetched.
func WithDiscoveryInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return fmt.Errorf("negative discovery interval")
		}
		c.discoveryInterval = interval
		return nil
	}
}

// WithGossip joins the gossip cluster in which backends advertise
// themselves, it is required by services registered with
// WithGossipService.
func WithGossip(cfg discovery.GossipConfig) Option {
	return func(c *config) error {
		if cfg.LogHandler == nil {
			cfg.LogHandler = c.logHandler
		}
		c.gossipCfg = &cfg
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// gossip cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		if c.gossipCfg == nil {
			return fmt.Errorf("neighbours given without gossip")
		}
		c.gossipCfg.Neighbours = neighbours
		return nil
	}
}

// WithService registers a service whose hosts come from fetcher. Every
// handle connects to all the hosts, policy is the default policy of
// the service.
func WithService(name string, handles []string, fetcher discovery.Fetcher, policy Policy) Option {
	return func(c *config) error {
		if fetcher == nil {
			return fmt.Errorf("service %s: no fetcher", name)
		}
		return c.addService(serviceDef{name: name, handles: handles, fetcher: fetcher, policy: policy})
	}
}

// WithGossipService registers a service discovered through gossip.
func WithGossipService(name string, handles []string, policy Policy) Option {
	return func(c *config) error {
		return c.addService(serviceDef{name: name, handles: handles, policy: policy})
	}
}

// WithPatternCacheSize bounds how many compiled service patterns
// SendMany keeps.
func WithPatternCacheSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("pattern cache size must be positive")
		}
		c.patternCacheSize = size
		return nil
	}
}

func (c *config) addService(def serviceDef) error {
	if def.name == "" {
		return fmt.Errorf("service name is empty")
	}
	if len(def.handles) == 0 {
		return fmt.Errorf("service %s: no handles", def.name)
	}
	for _, other := range c.services {
		if other.name == def.name {
			return fmt.Errorf("service %s: registered twice", def.name)
		}
	}
	c.services = append(c.services, def)
	return nil
}
