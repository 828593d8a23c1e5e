package dealer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/storage"
	"github.com/raskyld/dealer/pkg/telemetry"
)

// ServiceConfig configures a Service and the handles it spawns.
type ServiceConfig struct {
	Router  router.Context
	Store   storage.Store
	Timings Timings

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Service routes messages to the handles of one backend service.
//
// The handle registry is an immutable tree swapped atomically, so Send
// never waits for endpoint updates. Messages for a handle which does not
// exist yet are parked until endpoints are known for it.
type Service struct {
	name    string
	cfg     ServiceConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	handles atomic.Pointer[iradix.Tree]

	// wlk serialises registry writers.
	wlk sync.Mutex

	// lk guards the fields below, it is never held while calling into a
	// handle.
	lk        sync.Mutex
	responses map[string]*Response
	parked    map[string][]*Message
	closed    bool
}

func NewService(name string, cfg ServiceConfig) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: service name is empty", ErrInvalidCfg)
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("%w: a router is required", ErrInvalidCfg)
	}

	s := &Service{
		name:      name,
		cfg:       cfg,
		mLabels:   telemetry.With(cfg.MetricLabels, telemetry.LabelService.M(name)),
		responses: make(map[string]*Response),
		parked:    make(map[string][]*Message),
	}
	if cfg.LogHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.LogHandler)
	}
	s.logger = s.logger.With(telemetry.LabelService.L(name))
	if cfg.MetricSink == nil {
		s.msink = metrics.Default()
	} else {
		s.msink = cfg.MetricSink
	}
	s.handles.Store(iradix.New())
	return s, nil
}

func (s *Service) Name() string {
	return s.name
}

// Handle returns the running handle named name.
func (s *Service) Handle(name string) (*Handle, bool) {
	v, ok := s.handles.Load().Get([]byte(name))
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Handles lists the names of the known handles in order.
func (s *Service) Handles() []string {
	var names []string
	s.handles.Load().Root().Walk(func(k []byte, _ interface{}) bool {
		names = append(names, string(k))
		return false
	})
	return names
}

// Send hands msg to its handle and returns the Response receiving its
// outcome.
func (s *Service) Send(msg *Message) (*Response, error) {
	if msg.path.Service != s.name {
		return nil, fmt.Errorf("%w: %q is not served by %q", ErrUnknownSvc, msg.path, s.name)
	}

	resp := newResponse(msg)
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil, ErrServiceClosed
	}
	s.responses[msg.uuid] = resp
	s.lk.Unlock()

	// Parked messages are committed too, a handle may never show up.
	committed := false
	if msg.policy.Persistent && s.cfg.Store != nil && !msg.Persisted() {
		if err := msg.persist(s.cfg.Store); err != nil {
			s.msink.IncrCounterWithLabels(MetricStorageErrorCount, 1.0, s.mLabels)
			s.forget(msg)
			return nil, fmt.Errorf("service: could not persist message: %w", err)
		}
		committed = true
	}

	if err := s.route(msg); err != nil {
		s.forget(msg)
		if committed {
			if perr := msg.purge(); perr != nil {
				s.logger.Warn("could not purge rejected message", telemetry.LabelUUID.L(msg.uuid), "error", perr)
			}
		}
		return nil, err
	}
	return resp, nil
}

func (s *Service) forget(msg *Message) {
	s.lk.Lock()
	delete(s.responses, msg.uuid)
	s.lk.Unlock()
}

func (s *Service) route(msg *Message) error {
	for {
		h, ok := s.Handle(msg.path.Handle)
		if !ok {
			if s.park(msg) {
				return nil
			}
			continue
		}

		err := h.Enqueue(msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrHandleKilled):
			// The handle is being retired, its messages are parked.
			if s.park(msg) {
				return nil
			}
		default:
			return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, msg.path, err)
		}
	}
}

// park keeps msg until its handle appears. It fails when a handle was
// registered meanwhile.
func (s *Service) park(msg *Message) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if h, ok := s.Handle(msg.path.Handle); ok && h.usable() == nil {
		return false
	}
	s.parked[msg.path.Handle] = append(s.parked[msg.path.Handle], msg)
	s.msink.IncrCounterWithLabels(MetricMessageParkedCount, 1.0, s.mLabels)
	s.logger.Debug("message parked", telemetry.LabelHandle.L(msg.path.Handle), telemetry.LabelUUID.L(msg.uuid))
	return true
}

// UpdateEndpoints forwards a new endpoint set to the handle named name,
// spawning it when it is unknown or dead.
func (s *Service) UpdateEndpoints(name string, endpoints []Endpoint) error {
	s.wlk.Lock()
	defer s.wlk.Unlock()
	return s.update(name, endpoints)
}

// RefreshHandles converges the handles to handles, handles absent from
// it are retired and their messages parked.
func (s *Service) RefreshHandles(handles map[string][]Endpoint) error {
	s.wlk.Lock()
	defer s.wlk.Unlock()

	var merr *multierror.Error
	for _, name := range s.Handles() {
		if _, ok := handles[name]; !ok {
			merr = multierror.Append(merr, s.retire(name))
		}
	}

	names := make([]string, 0, len(handles))
	for name := range handles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.update(name, handles[name]); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("handle %s: %w", name, err))
		}
	}
	return merr.ErrorOrNil()
}

func (s *Service) update(name string, endpoints []Endpoint) error {
	s.lk.Lock()
	closed := s.closed
	s.lk.Unlock()
	if closed {
		return ErrServiceClosed
	}

	h, ok := s.Handle(name)
	if ok && h.Alive() {
		return h.UpdateEndpoints(endpoints)
	}
	if len(router.SortEndpoints(endpoints)) == 0 {
		return nil
	}
	if ok {
		s.logger.Warn("replacing dead handle", telemetry.LabelHandle.L(name), "error", h.Err())
	}
	return s.spawn(name, endpoints)
}

func (s *Service) spawn(name string, endpoints []Endpoint) error {
	path := Path{Service: s.name, Handle: name}
	h, err := NewHandle(path, HandleConfig{
		Router:       s.cfg.Router,
		Store:        s.cfg.Store,
		Timings:      s.cfg.Timings,
		MetricLabels: s.cfg.MetricLabels,
		MetricSink:   s.msink,
		LogHandler:   s.cfg.LogHandler,
	})
	if err != nil {
		return err
	}
	h.SetCallback(s.onResponse)
	if err := h.Connect(endpoints); err != nil {
		return errors.Join(err, h.Kill())
	}

	tree, _, _ := s.handles.Load().Insert([]byte(name), h)
	s.handles.Store(tree)

	s.lk.Lock()
	parked := s.parked[name]
	delete(s.parked, name)
	s.lk.Unlock()

	for _, msg := range parked {
		if err := h.Enqueue(msg); err != nil {
			s.fail(msg, ServerError, err.Error())
		}
	}
	s.logger.Info("handle started", telemetry.LabelHandle.L(name), "endpoints", len(endpoints), "parked", len(parked))
	return nil
}

func (s *Service) retire(name string) error {
	tree, v, ok := s.handles.Load().Delete([]byte(name))
	if !ok {
		return nil
	}
	s.handles.Store(tree)

	h := v.(*Handle)
	err := h.Kill()
	left := h.Drain()

	s.lk.Lock()
	s.parked[name] = append(s.parked[name], left...)
	s.lk.Unlock()

	s.logger.Info("handle retired", telemetry.LabelHandle.L(name), "parked", len(left))
	return err
}

func (s *Service) onResponse(frame *ResponseFrame) {
	s.lk.Lock()
	resp, ok := s.responses[frame.UUID]
	if ok && frame.Code.terminal() {
		delete(s.responses, frame.UUID)
	}
	s.lk.Unlock()

	if !ok {
		s.logger.Debug("response without receiver", telemetry.LabelUUID.L(frame.UUID))
		return
	}
	resp.deliver(frame)
}

func (s *Service) fail(msg *Message, code ErrorCode, text string) {
	s.onResponse(errorFrame(msg, code, text))
}

// IsAlive reports whether the service is open and every handle runs.
func (s *Service) IsAlive() bool {
	s.lk.Lock()
	closed := s.closed
	s.lk.Unlock()
	if closed {
		return false
	}

	alive := true
	s.handles.Load().Root().Walk(func(_ []byte, v interface{}) bool {
		alive = v.(*Handle).Alive()
		return !alive
	})
	return alive
}

// Close kills every handle and fails the requests left with a
// server_error. Persisted messages stay in storage.
func (s *Service) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	s.lk.Unlock()

	s.wlk.Lock()
	defer s.wlk.Unlock()

	var handles []*Handle
	s.handles.Load().Root().Walk(func(_ []byte, v interface{}) bool {
		handles = append(handles, v.(*Handle))
		return false
	})
	s.handles.Store(iradix.New())

	var (
		mlk  sync.Mutex
		merr *multierror.Error
	)
	tasks := taskgroup.New(nil)
	for _, h := range handles {
		tasks.Go(func() error {
			if err := h.Kill(); err != nil {
				mlk.Lock()
				merr = multierror.Append(merr, fmt.Errorf("handle %s: %w", h.Path().Handle, err))
				mlk.Unlock()
			}
			return nil
		})
	}
	tasks.Wait()

	var left []*Message
	for _, h := range handles {
		left = append(left, h.Drain()...)
	}
	s.lk.Lock()
	for name, msgs := range s.parked {
		left = append(left, msgs...)
		delete(s.parked, name)
	}
	s.lk.Unlock()

	for _, msg := range left {
		s.fail(msg, ServerError, "service closed")
	}

	s.lk.Lock()
	orphans := s.responses
	s.responses = make(map[string]*Response)
	s.lk.Unlock()
	for uuid, resp := range orphans {
		resp.deliver(&ResponseFrame{UUID: uuid, Code: RPCError, ErrorCode: ServerError, ErrorMessage: "service closed"})
	}
	return merr.ErrorOrNil()
}
