package dealer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Response receives the chunks and the final outcome of a message.
// A Response is safe for concurrent use.
type Response struct {
	uuid string
	path Path

	lk       sync.Mutex
	chunks   [][]byte
	outcome  error
	finished bool

	notify chan struct{}
	done   chan struct{}
}

func newResponse(msg *Message) *Response {
	return &Response{
		uuid:   msg.uuid,
		path:   msg.path,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (r *Response) UUID() string {
	return r.uuid
}

func (r *Response) Path() Path {
	return r.path
}

// Done is closed once the final outcome is known, chunks may still be
// waiting to be consumed.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// deliver records frame and reports whether it was terminal. Frames
// arriving after the outcome are ignored.
func (r *Response) deliver(frame *ResponseFrame) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.finished {
		return true
	}

	switch frame.Code {
	case RPCChunk:
		r.chunks = append(r.chunks, frame.Payload)
	case RPCChoke:
		r.finish(ErrResponseDone)
	case RPCError:
		r.finish(frame.Err())
	default:
		return false
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return r.finished
}

func (r *Response) finish(outcome error) {
	r.outcome = outcome
	r.finished = true
	close(r.done)
}

// Get returns the next chunk. A negative timeout waits forever, zero
// only polls. Once every chunk was consumed it returns ErrResponseDone
// or the *ResponseError which ended the request, and ErrTimeout when
// nothing came in time.
func (r *Response) Get(timeout time.Duration) ([]byte, error) {
	if chunk, ok, err := r.take(); ok {
		return chunk, err
	}
	if timeout == 0 {
		return nil, ErrTimeout
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	chunk, err := r.Next(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return chunk, err
}

// Next is Get bounded by ctx.
func (r *Response) Next(ctx context.Context) ([]byte, error) {
	for {
		if chunk, ok, err := r.take(); ok {
			return chunk, err
		}
		select {
		case <-r.notify:
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Collect consumes the remaining chunks until the request completes.
func (r *Response) Collect(ctx context.Context) ([][]byte, error) {
	var chunks [][]byte
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, ErrResponseDone) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func (r *Response) take() ([]byte, bool, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if len(r.chunks) > 0 {
		chunk := r.chunks[0]
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		return chunk, true, nil
	}
	if r.finished {
		return nil, true, r.outcome
	}
	return nil, false, nil
}
