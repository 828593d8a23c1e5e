package dealer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/storage"
	"github.com/raskyld/dealer/pkg/telemetry"
)

// Timings of the dispatch loop.
type Timings struct {
	// ControlInterval is how often the control channel is polled.
	ControlInterval time.Duration

	// BatchSize is how many new messages are sent per iteration.
	BatchSize int

	// FastPoll is the response poll timeout while responses keep coming,
	// LongPoll the one used once none arrived for IdleThreshold.
	FastPoll      time.Duration
	LongPoll      time.Duration
	IdleThreshold time.Duration

	// ExpiryInterval is how often expired messages are processed.
	ExpiryInterval time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ControlInterval: 200 * time.Millisecond,
		BatchSize:       100,
		FastPoll:        0,
		LongPoll:        100 * time.Millisecond,
		IdleThreshold:   5 * time.Second,
		ExpiryInterval:  time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.ControlInterval <= 0 {
		t.ControlInterval = def.ControlInterval
	}
	if t.BatchSize <= 0 {
		t.BatchSize = def.BatchSize
	}
	if t.FastPoll < 0 {
		t.FastPoll = def.FastPoll
	}
	if t.LongPoll <= 0 {
		t.LongPoll = def.LongPoll
	}
	if t.IdleThreshold <= 0 {
		t.IdleThreshold = def.IdleThreshold
	}
	if t.ExpiryInterval <= 0 {
		t.ExpiryInterval = def.ExpiryInterval
	}
	return t
}

// HandleConfig configures a Handle.
type HandleConfig struct {
	// Router creates the socket of the handle.
	Router router.Context

	// Identity announced to backends, unique by default.
	Identity []byte

	// Store receives persistent messages, they are not persisted when nil.
	Store storage.Store

	Timings Timings

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// ResponseCallback receives the responses of a handle, it is invoked by
// the dispatch loop and must not block.
type ResponseCallback func(frame *ResponseFrame)

type controlCommand uint8

const (
	ctrlConnect controlCommand = iota + 1
	ctrlUpdate
	ctrlDisconnect
	ctrlKill
)

func (cmd controlCommand) String() string {
	switch cmd {
	case ctrlConnect:
		return "connect"
	case ctrlUpdate:
		return "update"
	case ctrlDisconnect:
		return "disconnect"
	case ctrlKill:
		return "kill"
	default:
		return "unknown"
	}
}

type control struct {
	cmd       controlCommand
	endpoints []Endpoint
}

// Handle runs the dispatch loop of one handle of a service: it is the
// only goroutine touching its MessageCache and Balancer, the rest of the
// world talks to it through Enqueue and control commands.
type Handle struct {
	path     Path
	cfg      HandleConfig
	logger   *slog.Logger
	msink    metrics.MetricSink
	mLabels  []metrics.Label
	cache    *MessageCache
	balancer *Balancer

	ctrlCh   chan control
	killCh   chan struct{}
	killOnce sync.Once
	done     chan struct{}
	tasks    *taskgroup.Group

	lk        sync.Mutex
	endpoints []Endpoint
	callback  ResponseCallback
	err       error
	dead      bool
}

// NewHandle starts the dispatch loop of path, disconnected.
func NewHandle(path Path, cfg HandleConfig) (*Handle, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("%w: a router is required", ErrInvalidCfg)
	}
	cfg.Timings = cfg.Timings.withDefaults()
	if len(cfg.Identity) == 0 {
		cfg.Identity = []byte(path.String() + "/" + uuid.NewString())
	}

	h := &Handle{
		path:    path,
		cfg:     cfg,
		mLabels: telemetry.With(cfg.MetricLabels, telemetry.LabelService.M(path.Service), telemetry.LabelHandle.M(path.Handle)),
		cache:   NewMessageCache(),
		ctrlCh:  make(chan control, 16),
		killCh:  make(chan struct{}),
		done:    make(chan struct{}),
		tasks:   taskgroup.New(nil),
	}

	if cfg.LogHandler == nil {
		h.logger = slog.Default()
	} else {
		h.logger = slog.New(cfg.LogHandler)
	}
	h.logger = h.logger.With(telemetry.LabelService.L(path.Service), telemetry.LabelHandle.L(path.Handle))

	if cfg.MetricSink == nil {
		h.msink = metrics.Default()
	} else {
		h.msink = cfg.MetricSink
	}

	h.balancer = NewBalancer(BalancerConfig{
		Identity:     cfg.Identity,
		Router:       cfg.Router,
		MetricLabels: h.mLabels,
		MetricSink:   h.msink,
		LogHandler:   cfg.LogHandler,
	})

	h.tasks.Go(func() error {
		defer close(h.done)
		err := h.run()
		if err != nil {
			h.fail(err)
		}
		return err
	})
	return h, nil
}

func (h *Handle) Path() Path {
	return h.path
}

// SetCallback registers the receiver of the responses.
func (h *Handle) SetCallback(cb ResponseCallback) {
	h.lk.Lock()
	defer h.lk.Unlock()
	h.callback = cb
}

// Endpoints last requested through Connect or UpdateEndpoints.
func (h *Handle) Endpoints() []Endpoint {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.endpoints
}

// Alive reports whether the loop is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the loop exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the error which stopped the loop, if any.
func (h *Handle) Err() error {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.err
}

// Enqueue queues msg for dispatch, persisting it first if its policy
// asks for it.
func (h *Handle) Enqueue(msg *Message) error {
	if err := h.usable(); err != nil {
		return err
	}
	if msg.policy.Persistent && h.cfg.Store != nil && !msg.Persisted() {
		if err := msg.persist(h.cfg.Store); err != nil {
			h.msink.IncrCounterWithLabels(MetricStorageErrorCount, 1.0, h.mLabels)
			return fmt.Errorf("handle: could not persist message: %w", err)
		}
	}
	h.cache.Enqueue(msg)
	h.msink.IncrCounterWithLabels(MetricMessageEnqueuedCount, 1.0, h.mLabels)
	return nil
}

// Connect attaches the handle to endpoints.
func (h *Handle) Connect(endpoints []Endpoint) error {
	sorted := router.SortEndpoints(endpoints)
	if len(sorted) == 0 {
		return ErrNoEndpoints
	}
	h.lk.Lock()
	h.endpoints = sorted
	h.lk.Unlock()
	return h.signal(control{cmd: ctrlConnect, endpoints: sorted})
}

// UpdateEndpoints converges the handle to endpoints, messages in flight
// to lost endpoints are dispatched again.
func (h *Handle) UpdateEndpoints(endpoints []Endpoint) error {
	sorted := router.SortEndpoints(endpoints)
	h.lk.Lock()
	h.endpoints = sorted
	h.lk.Unlock()
	return h.signal(control{cmd: ctrlUpdate, endpoints: sorted})
}

// Disconnect stops dispatching, messages stay queued.
func (h *Handle) Disconnect() error {
	return h.signal(control{cmd: ctrlDisconnect})
}

// Kill stops the loop and waits for it. Messages left are kept and can be
// retrieved with Drain.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		select {
		case h.ctrlCh <- control{cmd: ctrlKill}:
		default:
		}
		close(h.killCh)
	})
	err := h.tasks.Wait()
	if errors.Is(err, ErrHandleKilled) {
		return nil
	}
	return err
}

// Drain empties the cache of a stopped handle.
func (h *Handle) Drain() []*Message {
	<-h.done
	return h.cache.Drain()
}

func (h *Handle) usable() error {
	select {
	case <-h.killCh:
		return ErrHandleKilled
	default:
	}
	h.lk.Lock()
	defer h.lk.Unlock()
	if h.dead {
		return fmt.Errorf("%w: %w", ErrHandleDead, h.err)
	}
	return nil
}

func (h *Handle) signal(ctl control) error {
	if err := h.usable(); err != nil {
		return err
	}
	select {
	case h.ctrlCh <- ctl:
		return nil
	case <-h.killCh:
		return ErrHandleKilled
	case <-h.done:
		return h.usable()
	}
}

func (h *Handle) run() error {
	defer h.balancer.Disconnect()
	t := h.cfg.Timings

	var (
		connected    bool
		lastControl  time.Time
		lastExpiry   = time.Now()
		lastResponse time.Time
	)

	for {
		select {
		case <-h.killCh:
			return nil
		default:
		}

		if time.Since(lastControl) >= t.ControlInterval {
			lastControl = time.Now()
			select {
			case ctl := <-h.ctrlCh:
				stop, err := h.apply(ctl, &connected)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			default:
			}
		}

		ready := connected && h.balancer.Ready()
		if ready {
			h.dispatch()
		}

		timeout := t.FastPoll
		if !ready || time.Since(lastResponse) > t.IdleThreshold {
			timeout = t.LongPoll
		}
		for h.balancer.HasPendingResponse(timeout) {
			timeout = 0
			lastResponse = time.Now()
			frame, err := h.balancer.Receive()
			if err != nil {
				var berr *BalancerError
				if errors.As(err, &berr) {
					return err
				}
				h.logger.Warn("discarding response", "error", err)
				continue
			}
			if frame == nil {
				break
			}
			h.process(frame)
		}

		if now := time.Now(); now.Sub(lastExpiry) >= t.ExpiryInterval {
			lastExpiry = now
			h.processExpired(now)
			h.msink.SetGaugeWithLabels(MetricCachedMessages, float32(h.cache.Len()), h.mLabels)
		}
	}
}

func (h *Handle) apply(ctl control, connected *bool) (bool, error) {
	h.logger.Debug("control command", "command", ctl.cmd)
	switch ctl.cmd {
	case ctrlConnect:
		if *connected && len(ctl.endpoints) > 0 {
			h.converge(ctl.endpoints)
			break
		}
		err := h.balancer.Connect(ctl.endpoints)
		if errors.Is(err, ErrNoEndpoints) {
			return false, err
		}
		if err != nil {
			h.logger.Error("connect failed", "error", err)
		}
		*connected = h.balancer.Connected()
	case ctrlUpdate:
		h.converge(ctl.endpoints)
	case ctrlDisconnect:
		h.balancer.Disconnect()
		*connected = false
		if requeued := h.cache.MarkAllNew(); len(requeued) > 0 {
			h.msink.IncrCounterWithLabels(MetricMessageRequeuedCount, float32(len(requeued)), h.mLabels)
		}
	case ctrlKill:
		return true, nil
	}
	return false, nil
}

// converge moves the balancer to endpoints and requeues the messages in
// flight to the endpoints which left.
func (h *Handle) converge(endpoints []Endpoint) {
	missing, err := h.balancer.UpdateEndpoints(endpoints)
	if err != nil {
		h.logger.Error("endpoint update failed", "error", err)
	}
	for _, ep := range missing {
		requeued := h.cache.MarkAllNewForRoute(ep.Route())
		if len(requeued) > 0 {
			h.logger.Info("endpoint lost, requeued in-flight messages", "endpoint", ep, "count", len(requeued))
			h.msink.IncrCounterWithLabels(MetricMessageRequeuedCount, float32(len(requeued)), h.mLabels)
		}
	}
}

func (h *Handle) dispatch() {
	for range h.cfg.Timings.BatchSize {
		msg, ok := h.cache.PopNextNew()
		if !ok {
			return
		}

		ep, err := h.balancer.Send(msg)
		if errors.Is(err, ErrNoEndpoints) || errors.Is(err, ErrDisconnected) {
			h.logger.Debug("no endpoint to send to", telemetry.LabelUUID.L(msg.uuid), "error", err)
			h.cache.EnqueueWithPriority(msg)
			return
		}
		if err != nil {
			h.msink.IncrCounterWithLabels(MetricMessageSendErrorCount, 1.0, h.mLabels)
			if errors.Is(err, ErrPayloadUnavailable) {
				h.logger.Error("dropping message without payload", telemetry.LabelUUID.L(msg.uuid), "error", err)
				h.finish(msg, errorFrame(msg, ServerError, err.Error()))
				continue
			}
			h.logger.Warn("send failed", telemetry.LabelUUID.L(msg.uuid), "error", err)
			h.cache.EnqueueWithPriority(msg)
			return
		}

		h.cache.MarkSent(msg, ep.Route())
		h.msink.IncrCounterWithLabels(MetricMessageSentCount, 1.0, h.mLabels)
	}
}

func (h *Handle) process(frame *ResponseFrame) {
	h.msink.IncrCounterWithLabels(
		MetricResponseCount,
		1.0,
		telemetry.With(h.mLabels, telemetry.LabelRPCCode.M(frame.Code.String())),
	)

	msg, ok := h.cache.Lookup(frame.UUID)
	if !ok {
		h.logger.Debug("response for unknown message", telemetry.LabelUUID.L(frame.UUID), telemetry.LabelRPCCode.L(frame.Code))
		h.msink.IncrCounterWithLabels(
			MetricResponseDiscardedCount,
			1.0,
			telemetry.With(h.mLabels, telemetry.LabelError.M("unknown_uuid")),
		)
		return
	}

	switch frame.Code {
	case RPCAck:
		h.cache.MarkAcked(frame.Route, frame.UUID)
	case RPCChunk:
		h.deliver(frame)
	case RPCChoke:
		h.cache.RemoveFromCache(frame.Route, frame.UUID)
		h.finish(msg, frame)
	case RPCError:
		if frame.ErrorCode == ResourceError {
			// A busy endpoint only speaks for the attempt it received.
			if _, current := h.cache.GetSentMessage(frame.Route, frame.UUID); !current {
				h.logger.Debug("resource error from a previous attempt", telemetry.LabelUUID.L(frame.UUID))
				h.msink.IncrCounterWithLabels(
					MetricResponseDiscardedCount,
					1.0,
					telemetry.With(h.mLabels, telemetry.LabelError.M("stale")),
				)
				return
			}
			if h.cache.Reschedule(frame.Route, frame.UUID) {
				h.msink.IncrCounterWithLabels(MetricMessageRetryCount, 1.0, h.mLabels)
				return
			}
		}
		h.cache.RemoveFromCache(frame.Route, frame.UUID)
		h.finish(msg, frame)
	}
}

func (h *Handle) processExpired(now time.Time) {
	for _, msg := range h.cache.GetExpiredMessages(now) {
		h.msink.IncrCounterWithLabels(MetricMessageExpiredCount, 1.0, h.mLabels)

		overall, bounded := msg.policy.overallDeadline(msg.enqueuedAt)
		overdue := bounded && !now.Before(overall)

		switch {
		case !msg.ackReceived && !overdue && msg.policy.CanRetry(msg.retryCount):
			msg.retryCount++
			h.cache.EnqueueWithPriority(msg)
			h.msink.IncrCounterWithLabels(MetricMessageRetryCount, 1.0, h.mLabels)
		case !msg.ackReceived:
			h.finish(msg, errorFrame(msg, RequestError, "server did not reply with ack in time"))
		default:
			h.finish(msg, errorFrame(msg, DeadlineError, "message expired in service's handle"))
		}
	}
}

// finish delivers the terminal frame of msg, which already left the
// cache.
func (h *Handle) finish(msg *Message, frame *ResponseFrame) {
	if err := msg.purge(); err != nil {
		h.msink.IncrCounterWithLabels(MetricStorageErrorCount, 1.0, h.mLabels)
		h.logger.Warn("could not purge persisted message", telemetry.LabelUUID.L(msg.uuid), "error", err)
	}
	h.deliver(frame)
}

func (h *Handle) deliver(frame *ResponseFrame) {
	h.lk.Lock()
	cb := h.callback
	h.lk.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// fail marks the handle dead and fails every message it still holds.
func (h *Handle) fail(err error) {
	h.lk.Lock()
	h.err = err
	h.dead = true
	h.lk.Unlock()

	h.logger.Error("handle failed", "error", err)
	h.msink.IncrCounterWithLabels(MetricHandleFailureCount, 1.0, h.mLabels)
	for _, msg := range h.cache.Drain() {
		h.finish(msg, errorFrame(msg, ServerError, "handle failed: "+err.Error()))
	}
}
