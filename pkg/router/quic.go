package router

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/dealer/pkg/telemetry"
)

const (
	// ALPN negotiated by dealer sockets.
	ALPN = "dealer/1"

	defaultUDPBufferSize = 1 << 21
	minReconnectBackoff  = 100 * time.Millisecond
	maxReconnectBackoff  = 30 * time.Second
)

// QUICConfig configures a QUICContext.
type QUICConfig struct {
	// TlsConfig is used for both dialing and listening, mTLS is
	// strongly recommended.
	TlsConfig *tls.Config

	// BindAddr and BindPort of the UDP socket shared by every connection
	// of the context. A zero port picks an ephemeral one.
	BindAddr string
	BindPort int

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise, we divide by 2 the requested size until it fits.
	EnforceBufferSize bool

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// MaxIdleTimeout and KeepAlivePeriod of QUIC connections.
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration

	// InboxSize is how many inbound frame sets a socket buffers before
	// applying back-pressure on its connections.
	InboxSize int

	// MaxFrameSize bounds the size of a frame set.
	MaxFrameSize int

	// IdentityResolver of listeners, CommonNameResolver when nil.
	IdentityResolver IdentityResolver

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// QUICContext creates sockets multiplexed over a single UDP socket.
type QUICContext struct {
	cfg     *QUICConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	tlsConf *tls.Config
	qConf   *quic.Config

	closed atomic.Bool

	tr    *quic.Transport
	udpLn *net.UDPConn
}

// NewQUICContext allocates the UDP socket and the QUIC transport.
func NewQUICContext(cfg *QUICConfig) (qc *QUICContext, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	qc = &QUICContext{
		cfg:     cfg,
		tlsConf: cfg.TlsConfig.Clone(),
	}
	if len(qc.tlsConf.NextProtos) == 0 {
		qc.tlsConf.NextProtos = []string{ALPN}
	}

	if cfg.LogHandler == nil {
		qc.logger = slog.Default()
	} else {
		qc.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		qc.msink = metrics.Default()
	} else {
		qc.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}

	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = time.Minute
	}
	keepAlive := cfg.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = 15 * time.Second
	}
	qc.qConf = &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlive,
	}

	defer func() {
		if err != nil {
			qc.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("router: failed to allocate UDP listener: %w", err)
	}
	qc.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := qc.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	qc.tr = &quic.Transport{
		Conn: udpLn,
	}
	return qc, nil
}

// Addr of the shared UDP socket.
func (qc *QUICContext) Addr() net.Addr {
	return qc.udpLn.LocalAddr()
}

func (qc *QUICContext) NewSocket(identity []byte) (Socket, error) {
	if qc.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &quicSocket{
		qc:       qc,
		identity: slices.Clone(identity),
		logger:   qc.logger.With(telemetry.LabelIdentity.L(string(identity))),
		ctx:      ctx,
		cancel:   cancel,
		known:    make(map[string]struct{}),
		peers:    make(map[string]*quicPeer),
		in:       newInbox(qc.cfg.InboxSize),
	}, nil
}

// Listen accepts sockets on the shared UDP socket.
func (qc *QUICContext) Listen() (Listener, error) {
	if qc.closed.Load() {
		return nil, ErrClosed
	}
	ln, err := qc.tr.Listen(qc.tlsConf, qc.qConf)
	if err != nil {
		return nil, fmt.Errorf("router: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		qc:     qc,
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*quicPeer),
		in:     newInbox(qc.cfg.InboxSize),
	}
	l.wg.Add(1)
	go l.accept()
	return l, nil
}

// Close the shared transport. Sockets and listeners must be closed first.
func (qc *QUICContext) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil
	}
	if qc.tr != nil {
		qc.tr.Close()
	}
	if qc.udpLn != nil {
		qc.udpLn.Close()
	}
	return nil
}

func (qc *QUICContext) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := qc.udpLn.SetReadBuffer(size); err != nil {
			if qc.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			qc.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		qc.msink.SetGaugeWithLabels(
			MetricRouterUDPBufferSizeBytes,
			float32(size),
			qc.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (qc *QUICContext) labels(extra ...metrics.Label) []metrics.Label {
	return telemetry.With(qc.cfg.MetricLabels, extra...)
}

// quicPeer is one connection with its single bidirectional stream.
type quicPeer struct {
	identity []byte
	conn     quic.Connection

	// Writes of a frame set must not interleave.
	wlk    sync.Mutex
	stream quic.Stream
}

func (p *quicPeer) write(parts [][]byte, maxSize int) error {
	p.wlk.Lock()
	defer p.wlk.Unlock()
	return WriteFrameSet(p.stream, parts, maxSize)
}

type quicSocket struct {
	qc       *QUICContext
	identity []byte
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lk     sync.Mutex
	closed bool
	known  map[string]struct{}
	peers  map[string]*quicPeer

	in *inbox
	wg sync.WaitGroup
}

func (s *quicSocket) Identity() []byte {
	return s.identity
}

// Connect only validates the address, the connection itself is
// established and kept alive in the background, like a ROUTER socket
// would do.
func (s *quicSocket) Connect(_ context.Context, ep Endpoint) error {
	addr, err := net.ResolveUDPAddr("udp", ep.Address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.known[ep.Route()]; ok {
		return nil
	}
	s.known[ep.Route()] = struct{}{}

	s.wg.Add(1)
	go s.maintain(ep, addr)
	return nil
}

func (s *quicSocket) maintain(ep Endpoint, addr *net.UDPAddr) {
	defer s.wg.Done()
	logger := s.logger.With("endpoint", ep)
	mLabels := s.qc.labels(telemetry.LabelRoute.M(ep.Route()))
	backoff := minReconnectBackoff

	for {
		peer, err := s.dial(ep, addr)
		if err == nil {
			backoff = minReconnectBackoff
			s.qc.msink.IncrCounterWithLabels(MetricRouterConnEstCount, 1.0, mLabels)
			logger.Debug("connected to backend")
			s.serve(peer, logger, mLabels)
		} else if s.ctx.Err() == nil {
			s.qc.msink.IncrCounterWithLabels(
				MetricRouterConnErrorCount,
				1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("dial")),
			)
			logger.Warn("failed to connect to backend", "error", err, "retry_in", backoff)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReconnectBackoff)
		s.qc.msink.IncrCounterWithLabels(MetricRouterReconnectAttemptCount, 1.0, mLabels)
	}
}

func (s *quicSocket) dial(ep Endpoint, addr *net.UDPAddr) (*quicPeer, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.qc.cfg.DialTimeout)
	defer cancel()

	conn, err := s.qc.tr.Dial(ctx, addr, s.qc.tlsConf, s.qc.qConf)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}

	peer := &quicPeer{
		identity: slices.Clone(ep.RoutingID),
		conn:     conn,
		stream:   stream,
	}
	if err := peer.write([][]byte{s.identity}, 0); err != nil {
		QErrInternal.Close(conn, "could not greet")
		return nil, err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		QErrShutdown.Close(conn, "socket closed")
		return nil, ErrClosed
	}
	s.peers[ep.Route()] = peer
	return peer, nil
}

// serve reads frame sets from the backend until the stream breaks.
func (s *quicSocket) serve(peer *quicPeer, logger *slog.Logger, mLabels []metrics.Label) {
	defer func() {
		s.lk.Lock()
		if s.peers[string(peer.identity)] == peer {
			delete(s.peers, string(peer.identity))
		}
		s.lk.Unlock()
	}()

	r := bufio.NewReader(peer.stream)
	for {
		parts, err := ReadFrameSet(r, s.qc.cfg.MaxFrameSize)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrTooLargeFrame) {
				logger.Warn("backend violated the framing protocol", "error", err)
				s.qc.msink.IncrCounterWithLabels(MetricRouterProtocolViolations, 1.0, mLabels)
				peer.stream.CancelRead(QErrStreamProtocolViolation)
				QErrInternal.Close(peer.conn, "protocol violation")
				return
			}
			logger.Info("connection to backend lost", "error", err)
			QErrInternal.Close(peer.conn, "stream broken")
			return
		}

		size := 0
		for _, part := range parts {
			size += len(part)
		}
		s.qc.msink.IncrCounterWithLabels(MetricRouterFrameInBytes, float32(size), mLabels)

		if !s.in.push(prepend(slices.Clone(peer.identity), parts)) {
			return
		}
	}
}

func (s *quicSocket) Send(parts [][]byte) error {
	if len(parts) < 2 {
		return fmt.Errorf("%w: missing routing identity or body", ErrProtocolViolation)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrClosed
	}
	peer, ok := s.peers[string(parts[0])]
	s.lk.Unlock()
	mLabels := s.qc.labels(telemetry.LabelRoute.M(string(parts[0])))
	if !ok {
		s.qc.msink.IncrCounterWithLabels(
			MetricRouterFrameOutErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("unreachable")),
		)
		return fmt.Errorf("%w: %q", ErrHostUnreachable, parts[0])
	}

	if err := peer.write(parts[1:], s.qc.cfg.MaxFrameSize); err != nil {
		s.qc.msink.IncrCounterWithLabels(
			MetricRouterFrameOutErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("write")),
		)
		return err
	}

	size := 0
	for _, part := range parts[1:] {
		size += len(part)
	}
	s.qc.msink.IncrCounterWithLabels(MetricRouterFrameOutBytes, float32(size), mLabels)
	return nil
}

func (s *quicSocket) Poll(timeout time.Duration) bool {
	return s.in.poll(timeout)
}

func (s *quicSocket) Recv() ([][]byte, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return s.in.next(), nil
}

func (s *quicSocket) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.in.close()
	for _, peer := range s.peers {
		QErrShutdown.Close(peer.conn, "socket closed")
	}
	s.lk.Unlock()

	s.wg.Wait()
	return nil
}

type quicListener struct {
	qc *QUICContext
	ln *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc

	lk    sync.Mutex
	peers map[string]*quicPeer

	in *inbox
	wg sync.WaitGroup
}

func (l *quicListener) accept() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.qc.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *quicListener) handleConn(conn quic.Connection) {
	defer l.wg.Done()
	logger := l.qc.logger.With(telemetry.LabelPeerAddr.L(conn.RemoteAddr().String()))
	mLabels := l.qc.labels(telemetry.LabelPeerAddr.M(conn.RemoteAddr().String()))

	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		logger.Warn("error accepting stream", "error", err)
		return
	}

	r := bufio.NewReader(stream)
	greeting, err := ReadFrameSet(r, l.qc.cfg.MaxFrameSize)
	if err != nil || len(greeting) != 1 {
		logger.Warn("socket did not greet", "error", err)
		l.qc.msink.IncrCounterWithLabels(MetricRouterProtocolViolations, 1.0, mLabels)
		stream.CancelRead(QErrStreamProtocolViolation)
		QErrIdentity.Close(conn, "expected a greeting")
		return
	}

	identity := greeting[0]
	if len(identity) == 0 {
		resolver := l.qc.cfg.IdentityResolver
		if resolver == nil {
			resolver = CommonNameResolver
		}
		identity, err = resolver(conn.ConnectionState().TLS.PeerCertificates)
		if err != nil {
			logger.Warn("failed to resolve peer identity", "error", err)
			QErrIdentity.Close(conn, err.Error())
			return
		}
	}

	peer := &quicPeer{identity: identity, conn: conn, stream: stream}
	l.lk.Lock()
	if old, ok := l.peers[string(identity)]; ok {
		l.qc.msink.IncrCounterWithLabels(MetricRouterPeerReplacedCount, 1.0, mLabels)
		QErrReplaced.Close(old.conn, "identity reconnected")
	}
	l.peers[string(identity)] = peer
	l.lk.Unlock()

	logger = logger.With(telemetry.LabelPeerID.L(string(identity)))
	logger.Debug("socket attached")
	l.qc.msink.IncrCounterWithLabels(MetricRouterConnEstCount, 1.0, mLabels)

	defer func() {
		l.lk.Lock()
		if l.peers[string(identity)] == peer {
			delete(l.peers, string(identity))
		}
		l.lk.Unlock()
	}()

	for {
		parts, err := ReadFrameSet(r, l.qc.cfg.MaxFrameSize)
		if err != nil {
			if l.ctx.Err() == nil {
				logger.Debug("socket detached", "error", err)
			}
			return
		}
		if !l.in.push(prepend(slices.Clone(identity), parts)) {
			return
		}
	}
}

func (l *quicListener) Recv(ctx context.Context) ([][]byte, error) {
	return l.in.wait(ctx)
}

func (l *quicListener) Send(parts [][]byte) error {
	if len(parts) < 2 {
		return fmt.Errorf("%w: missing identity or body", ErrProtocolViolation)
	}

	l.lk.Lock()
	peer, ok := l.peers[string(parts[0])]
	l.lk.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrHostUnreachable, parts[0])
	}
	return peer.write(parts[1:], l.qc.cfg.MaxFrameSize)
}

func (l *quicListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *quicListener) Close() error {
	if l.ctx.Err() != nil {
		return nil
	}
	l.cancel()
	l.in.close()
	err := l.ln.Close()

	l.lk.Lock()
	for _, peer := range l.peers {
		QErrShutdown.Close(peer.conn, "listener closed")
	}
	l.lk.Unlock()

	l.wg.Wait()
	return err
}
