// Package router provides ROUTER-style sockets: a single socket is attached
// to many backends and every outbound frame set starts with the routing
// identity of the backend it is meant for, while every inbound frame set
// starts with the routing identity of the backend which sent it.
package router

import (
	"context"
	"slices"
	"time"
)

// Socket is an identity-addressed socket owned by a single goroutine,
// except for Close which may be called from anywhere.
type Socket interface {
	// Identity announced to the backends.
	Identity() []byte

	// Connect attaches the socket to ep. Connecting twice to the same
	// routing identity is a no-op.
	Connect(ctx context.Context, ep Endpoint) error

	// Send emits parts[1:] to the backend whose routing identity is parts[0].
	Send(parts [][]byte) error

	// Poll reports whether a frame set is ready to be received, waiting
	// at most timeout.
	Poll(timeout time.Duration) bool

	// Recv returns the next inbound frame set, parts[0] being the route
	// it arrived from. It never blocks and returns nil when nothing is
	// pending.
	Recv() ([][]byte, error)

	Close() error
}

// Context creates sockets. Implementations are shared by every handle of
// a process and must be safe for concurrent use.
type Context interface {
	NewSocket(identity []byte) (Socket, error)
}

// Listener is the backend side of a Socket, it is used by test peers and
// examples, a dispatcher never needs one.
type Listener interface {
	// Recv blocks until a frame set arrives, parts[0] being the identity
	// of the socket which sent it.
	Recv(ctx context.Context) ([][]byte, error)

	// Send emits parts[1:] to the socket whose identity is parts[0].
	Send(parts [][]byte) error

	Addr() string
	Close() error
}

const defaultInboxSize = 1024

// inbox buffers inbound frame sets and implements Poll/Recv on top of a
// channel with a single look-ahead slot.
type inbox struct {
	ch      chan [][]byte
	closeCh chan struct{}
	pending [][]byte
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox{
		ch:      make(chan [][]byte, size),
		closeCh: make(chan struct{}),
	}
}

func (in *inbox) push(parts [][]byte) bool {
	select {
	case in.ch <- parts:
		return true
	case <-in.closeCh:
		return false
	}
}

func (in *inbox) poll(timeout time.Duration) bool {
	if in.pending != nil {
		return true
	}
	if timeout <= 0 {
		select {
		case in.pending = <-in.ch:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in.pending = <-in.ch:
		return true
	case <-timer.C:
		return false
	case <-in.closeCh:
		return false
	}
}

func (in *inbox) next() [][]byte {
	if in.pending != nil {
		parts := in.pending
		in.pending = nil
		return parts
	}
	select {
	case parts := <-in.ch:
		return parts
	default:
		return nil
	}
}

func (in *inbox) wait(ctx context.Context) ([][]byte, error) {
	select {
	case parts := <-in.ch:
		return parts, nil
	case <-in.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (in *inbox) close() {
	close(in.closeCh)
}

func prepend(head []byte, parts [][]byte) [][]byte {
	out := make([][]byte, 0, len(parts)+1)
	out = append(out, head)
	return append(out, parts...)
}

func cloneParts(parts [][]byte) [][]byte {
	out := make([][]byte, len(parts))
	for i, part := range parts {
		out[i] = slices.Clone(part)
	}
	return out
}
