package dealer

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/telemetry"
)

// BalancerConfig configures a Balancer.
type BalancerConfig struct {
	// Identity announced to backends.
	Identity []byte

	// Router creates the socket, it is shared by every balancer.
	Router router.Context

	// ConnectTimeout bounds each call to router.Socket.Connect.
	ConnectTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Balancer spreads messages over the endpoints of a handle in round-robin
// and decodes the responses. It is owned by a single goroutine.
type Balancer struct {
	cfg    BalancerConfig
	name   string
	logger *slog.Logger
	msink  metrics.MetricSink

	// connected is set between Connect and Disconnect. The socket may be
	// missing meanwhile, when the endpoint set is empty or reopening failed.
	connected bool
	sock      router.Socket
	endpoints []Endpoint
	next      int
}

func NewBalancer(cfg BalancerConfig) *Balancer {
	b := &Balancer{
		cfg:  cfg,
		name: string(cfg.Identity),
	}
	if cfg.ConnectTimeout == 0 {
		b.cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.LogHandler == nil {
		b.logger = slog.Default()
	} else {
		b.logger = slog.New(cfg.LogHandler)
	}
	b.logger = b.logger.With(telemetry.LabelIdentity.L(b.name))
	if cfg.MetricSink == nil {
		b.msink = metrics.Default()
	} else {
		b.msink = cfg.MetricSink
	}
	return b
}

// Endpoints returns the current sorted endpoint set.
func (b *Balancer) Endpoints() []Endpoint {
	return slices.Clone(b.endpoints)
}

// Connected reports whether the balancer was connected and not
// disconnected since.
func (b *Balancer) Connected() bool {
	return b.connected
}

// Ready reports whether Send can reach an endpoint.
func (b *Balancer) Ready() bool {
	return b.connected && b.sock != nil && len(b.endpoints) > 0
}

// Connect attaches to every endpoint, stopping at the first failure. On a
// connected balancer it converges like UpdateEndpoints, which callers
// needing the lost endpoints should use instead.
func (b *Balancer) Connect(endpoints []Endpoint) error {
	sorted := router.SortEndpoints(endpoints)
	if len(sorted) == 0 {
		return ErrNoEndpoints
	}
	if b.connected {
		_, err := b.UpdateEndpoints(sorted)
		return err
	}

	b.connected = true
	b.endpoints = sorted
	b.next = 0
	if b.sock == nil {
		if err := b.open(); err != nil {
			return err
		}
	}
	return b.attach(sorted)
}

// Disconnect releases the socket, the endpoint set is kept.
func (b *Balancer) Disconnect() {
	b.connected = false
	b.close()
}

// UpdateEndpoints converges to next and returns the endpoints which
// disappeared. A router socket cannot forget a peer, so losing any
// endpoint recreates the socket and reconnects to the whole set.
// A disconnected balancer only records the set.
func (b *Balancer) UpdateEndpoints(next []Endpoint) ([]Endpoint, error) {
	sorted := router.SortEndpoints(next)
	reopen := b.connected && b.sock == nil && len(sorted) > 0
	if router.EqualEndpoints(b.endpoints, sorted) && !reopen {
		return nil, nil
	}

	missing, added := router.DiffEndpoints(b.endpoints, sorted)
	b.endpoints = sorted
	if b.next >= len(sorted) {
		b.next = 0
	}
	if len(missing) > 0 || len(added) > 0 {
		b.msink.IncrCounterWithLabels(MetricEndpointUpdateCount, 1.0, b.cfg.MetricLabels)
	}

	switch {
	case !b.connected:
		return missing, nil
	case len(sorted) == 0:
		if b.sock != nil {
			b.logger.Info("endpoint set emptied, releasing socket", "missing", len(missing))
			b.close()
		}
		return missing, nil
	case reopen:
		b.logger.Info("endpoints available, reopening socket", "endpoints", len(sorted))
	case len(missing) > 0:
		b.logger.Info("endpoints lost, recreating socket", "missing", len(missing))
		b.msink.IncrCounterWithLabels(MetricSocketRecreateCount, 1.0, b.cfg.MetricLabels)
		b.close()
	default:
		return nil, b.attach(added)
	}

	if err := b.open(); err != nil {
		return missing, err
	}
	return missing, b.attach(sorted)
}

// Send frames msg for the next endpoint in rotation and returns it.
func (b *Balancer) Send(msg *Message) (Endpoint, error) {
	if len(b.endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	if b.sock == nil {
		return Endpoint{}, ErrDisconnected
	}

	if b.next >= len(b.endpoints) {
		b.next = 0
	}
	ep := b.endpoints[b.next]
	b.next++

	payload, err := msg.Payload()
	if err != nil {
		return ep, &BalancerError{Identity: b.name, Op: "load", Address: ep.Address, Err: err}
	}
	parts, err := encodeRequest(ep, msg, payload)
	if err != nil {
		return ep, &BalancerError{Identity: b.name, Op: "encode", Address: ep.Address, Err: err}
	}
	if err := b.sock.Send(parts); err != nil {
		return ep, &BalancerError{Identity: b.name, Op: "send", Address: ep.Address, Err: err}
	}
	return ep, nil
}

// Receive decodes the next pending response without blocking, it returns
// nil when nothing is pending. Frame sets which cannot be decoded are
// discarded and reported with an error which is not a *BalancerError.
func (b *Balancer) Receive() (*ResponseFrame, error) {
	if b.sock == nil {
		return nil, nil
	}
	parts, err := b.sock.Recv()
	if err != nil {
		return nil, &BalancerError{Identity: b.name, Op: "receive", Err: err}
	}
	if parts == nil {
		return nil, nil
	}

	frame, err := decodeResponse(parts)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownRPCCode) {
			reason = "unknown_rpc_code"
		}
		b.msink.IncrCounterWithLabels(
			MetricResponseDiscardedCount,
			1.0,
			telemetry.With(b.cfg.MetricLabels, telemetry.LabelError.M(reason)),
		)
		return nil, err
	}
	return frame, nil
}

// HasPendingResponse waits at most timeout for a response. Without a
// socket it only waits.
func (b *Balancer) HasPendingResponse(timeout time.Duration) bool {
	if b.sock == nil {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return false
	}
	return b.sock.Poll(timeout)
}

func (b *Balancer) close() {
	if b.sock == nil {
		return
	}
	if err := b.sock.Close(); err != nil {
		b.logger.Warn("error closing socket", "error", err)
	}
	b.sock = nil
}

func (b *Balancer) open() error {
	sock, err := b.cfg.Router.NewSocket(b.cfg.Identity)
	if err != nil {
		return &BalancerError{Identity: b.name, Op: "open", Err: err}
	}
	b.sock = sock
	return nil
}

func (b *Balancer) attach(endpoints []Endpoint) error {
	for _, ep := range endpoints {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConnectTimeout)
		err := b.sock.Connect(ctx, ep)
		cancel()
		if err != nil {
			return &BalancerError{Identity: b.name, Op: "connect", Address: ep.Address, Err: err}
		}
		b.logger.Debug("attached to endpoint", "endpoint", ep)
	}
	return nil
}
