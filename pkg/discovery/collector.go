package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/telemetry"
)

const DefaultInterval = 5 * time.Second

// Source binds a service and its handles to the fetcher of its hosts.
// Every handle of a service connects to the same endpoints.
type Source struct {
	Service string
	Handles []string
	Fetcher Fetcher
}

// UpdateFunc receives the endpoints of each handle of a service whose
// hosts changed.
type UpdateFunc func(service string, handles map[string][]router.Endpoint)

type CollectorConfig struct {
	Interval time.Duration
	Sources  []Source
	OnUpdate UpdateFunc

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Collector polls its sources periodically.
type Collector struct {
	cfg    CollectorConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	lk     sync.Mutex
	tasks  *taskgroup.Group
	cancel context.CancelFunc
}

func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.OnUpdate == nil {
		return nil, fmt.Errorf("%w: an update callback is required", ErrInvalidCfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	c := &Collector{cfg: cfg}
	if cfg.LogHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.MetricSink
	}
	return c, nil
}

// Poll fetches every source once. A failing source keeps its previous
// endpoints and does not prevent the others from being polled.
func (c *Collector) Poll(ctx context.Context) error {
	var merr *multierror.Error
	for _, src := range c.cfg.Sources {
		labels := telemetry.With(c.cfg.MetricLabels, telemetry.LabelService.M(src.Service))
		c.msink.IncrCounterWithLabels(MetricDiscoveryFetchCount, 1.0, labels)

		endpoints, changed, err := src.Fetcher.Fetch(ctx)
		if err != nil {
			c.msink.IncrCounterWithLabels(MetricDiscoveryFetchErrorCount, 1.0, labels)
			c.logger.Warn("could not fetch hosts", telemetry.LabelService.L(src.Service), "error", err)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", src.Service, err))
			continue
		}
		if !changed {
			continue
		}

		c.msink.IncrCounterWithLabels(MetricDiscoveryUpdateCount, 1.0, labels)
		c.logger.Info("hosts changed", telemetry.LabelService.L(src.Service), "endpoints", len(endpoints))
		handles := make(map[string][]router.Endpoint, len(src.Handles))
		for _, name := range src.Handles {
			handles[name] = endpoints
		}
		c.cfg.OnUpdate(src.Service, handles)
	}
	return merr.ErrorOrNil()
}

// Start polls immediately then every interval until Stop.
func (c *Collector) Start(ctx context.Context) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.tasks != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(func() error {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			c.Poll(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// Stop halts polling and waits for the pass in progress.
func (c *Collector) Stop() {
	c.lk.Lock()
	tasks, cancel := c.tasks, c.cancel
	c.tasks, c.cancel = nil, nil
	c.lk.Unlock()

	if tasks == nil {
		return
	}
	cancel()
	tasks.Wait()
}
