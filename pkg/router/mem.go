package router

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Network is an in-process Context: sockets and listeners find each other
// by address without touching the kernel. Connect fails immediately when
// nothing listens on the address.
type Network struct {
	lk        sync.Mutex
	listeners map[string]*memListener
	inboxSize int
}

// NewNetwork returns an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*memListener),
	}
}

func (n *Network) NewSocket(identity []byte) (Socket, error) {
	return &memSocket{
		net:      n,
		identity: slices.Clone(identity),
		peers:    make(map[string]*memListener),
		routes:   make(map[string][]byte),
		in:       newInbox(n.inboxSize),
	}, nil
}

// Listen binds a backend on addr.
func (n *Network) Listen(addr string) (Listener, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if _, taken := n.listeners[addr]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ln := &memListener{
		net:   n,
		addr:  addr,
		peers: make(map[string]*memSocket),
		in:    newInbox(n.inboxSize),
	}
	n.listeners[addr] = ln
	return ln, nil
}

func (n *Network) lookup(addr string) (*memListener, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	ln, ok := n.listeners[addr]
	return ln, ok
}

func (n *Network) unbind(ln *memListener) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.listeners[ln.addr] == ln {
		delete(n.listeners, ln.addr)
	}
}

type memSocket struct {
	net      *Network
	identity []byte

	lk     sync.Mutex
	closed bool
	peers  map[string]*memListener
	routes map[string][]byte
	in     *inbox
}

func (s *memSocket) Identity() []byte {
	return s.identity
}

func (s *memSocket) Connect(_ context.Context, ep Endpoint) error {
	ln, ok := s.net.lookup(ep.Address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnRefused, ep.Address)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrClosed
	}
	if _, ok := s.peers[ep.Route()]; ok {
		s.lk.Unlock()
		return nil
	}
	s.peers[ep.Route()] = ln
	s.routes[ep.Address] = slices.Clone(ep.RoutingID)
	s.lk.Unlock()

	ln.attach(s)
	return nil
}

func (s *memSocket) Send(parts [][]byte) error {
	if len(parts) < 2 {
		return fmt.Errorf("%w: missing routing identity or body", ErrProtocolViolation)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrClosed
	}
	ln, ok := s.peers[string(parts[0])]
	s.lk.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrHostUnreachable, parts[0])
	}

	if !ln.deliver(s.identity, cloneParts(parts[1:])) {
		return fmt.Errorf("%w: %q", ErrHostUnreachable, parts[0])
	}
	return nil
}

func (s *memSocket) Poll(timeout time.Duration) bool {
	return s.in.poll(timeout)
}

func (s *memSocket) Recv() ([][]byte, error) {
	s.lk.Lock()
	closed := s.closed
	s.lk.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return s.in.next(), nil
}

func (s *memSocket) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*memListener, 0, len(s.peers))
	for _, ln := range s.peers {
		peers = append(peers, ln)
	}
	s.lk.Unlock()

	for _, ln := range peers {
		ln.detach(s)
	}
	s.in.close()
	return nil
}

// deliverFrom is called by a listener answering on addr.
func (s *memSocket) deliverFrom(addr string, parts [][]byte) bool {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return false
	}
	route, ok := s.routes[addr]
	s.lk.Unlock()
	if !ok {
		return false
	}
	return s.in.push(prepend(route, parts))
}

type memListener struct {
	net  *Network
	addr string

	lk     sync.Mutex
	closed bool
	peers  map[string]*memSocket
	in     *inbox
}

func (ln *memListener) attach(s *memSocket) {
	ln.lk.Lock()
	defer ln.lk.Unlock()
	ln.peers[string(s.identity)] = s
}

func (ln *memListener) detach(s *memSocket) {
	ln.lk.Lock()
	defer ln.lk.Unlock()
	if ln.peers[string(s.identity)] == s {
		delete(ln.peers, string(s.identity))
	}
}

func (ln *memListener) deliver(from []byte, parts [][]byte) bool {
	ln.lk.Lock()
	closed := ln.closed
	ln.lk.Unlock()
	if closed {
		return false
	}
	return ln.in.push(prepend(slices.Clone(from), parts))
}

func (ln *memListener) Recv(ctx context.Context) ([][]byte, error) {
	return ln.in.wait(ctx)
}

func (ln *memListener) Send(parts [][]byte) error {
	if len(parts) < 2 {
		return fmt.Errorf("%w: missing identity or body", ErrProtocolViolation)
	}

	ln.lk.Lock()
	if ln.closed {
		ln.lk.Unlock()
		return ErrClosed
	}
	s, ok := ln.peers[string(parts[0])]
	ln.lk.Unlock()
	if !ok || !s.deliverFrom(ln.addr, cloneParts(parts[1:])) {
		return fmt.Errorf("%w: %q", ErrHostUnreachable, parts[0])
	}
	return nil
}

func (ln *memListener) Addr() string {
	return ln.addr
}

func (ln *memListener) Close() error {
	ln.lk.Lock()
	if ln.closed {
		ln.lk.Unlock()
		return nil
	}
	ln.closed = true
	ln.lk.Unlock()

	ln.net.unbind(ln)
	ln.in.close()
	return nil
}
