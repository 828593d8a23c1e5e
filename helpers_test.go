package dealer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/stretchr/testify/require"
)

var testTimings = Timings{
	ControlInterval: time.Millisecond,
	BatchSize:       100,
	LongPoll:        5 * time.Millisecond,
	IdleThreshold:   20 * time.Millisecond,
	ExpiryInterval:  5 * time.Millisecond,
}

// script answers a request with the frame sets to send back.
type script func(req *Request) [][][]byte

func echo(req *Request) [][][]byte {
	return [][][]byte{req.Ack(), req.Chunk(req.Payload), req.Choke()}
}

func silent(*Request) [][][]byte {
	return nil
}

// backend is a scripted peer listening on an in-memory network.
type backend struct {
	ep Endpoint
	ln router.Listener

	lk       sync.Mutex
	script   script
	requests []*Request

	cancel context.CancelFunc
	tasks  *taskgroup.Group
}

func startBackend(t *testing.T, n *router.Network, addr string, s script) *backend {
	t.Helper()
	ln, err := n.Listen(addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	b := &backend{
		ep:     router.NewEndpoint(addr),
		ln:     ln,
		script: s,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
	}
	b.tasks.Go(func() error {
		for {
			parts, err := ln.Recv(ctx)
			if err != nil {
				return nil
			}
			req, err := DecodeRequest(parts)
			if err != nil {
				continue
			}

			b.lk.Lock()
			b.requests = append(b.requests, req)
			replies := b.script(req)
			b.lk.Unlock()

			for _, reply := range replies {
				ln.Send(reply)
			}
		}
	})
	t.Cleanup(b.stop)
	return b
}

func (b *backend) setScript(s script) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.script = s
}

func (b *backend) received() []*Request {
	b.lk.Lock()
	defer b.lk.Unlock()
	return append([]*Request(nil), b.requests...)
}

func (b *backend) stop() {
	b.cancel()
	b.ln.Close()
	b.tasks.Wait()
}

func newTestHandle(t *testing.T, n *router.Network, name string) (*Handle, *responses) {
	t.Helper()
	h, err := NewHandle(Path{Service: "svc", Handle: name}, HandleConfig{
		Router:     n,
		Timings:    testTimings,
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	rs := &responses{}
	h.SetCallback(rs.add)
	return h, rs
}

// responses records what a handle delivers.
type responses struct {
	lk     sync.Mutex
	frames []*ResponseFrame
}

func (rs *responses) add(frame *ResponseFrame) {
	rs.lk.Lock()
	defer rs.lk.Unlock()
	rs.frames = append(rs.frames, frame)
}

func (rs *responses) of(uuid string) []*ResponseFrame {
	rs.lk.Lock()
	defer rs.lk.Unlock()
	var out []*ResponseFrame
	for _, frame := range rs.frames {
		if frame.UUID == uuid {
			out = append(out, frame)
		}
	}
	return out
}

func (rs *responses) terminal(uuid string) (*ResponseFrame, bool) {
	for _, frame := range rs.of(uuid) {
		if frame.Code.terminal() {
			return frame, true
		}
	}
	return nil, false
}

// counted sums the counters recorded by sink under name, whatever their
// labels.
func counted(sink *metrics.InmemSink, name []string) int {
	prefix := strings.Join(name, ".")
	total := 0
	for _, intv := range sink.Data() {
		intv.RLock()
		for key, sample := range intv.Counters {
			if key == prefix || strings.HasPrefix(key, prefix+";") {
				total += sample.Count
			}
		}
		intv.RUnlock()
	}
	return total
}

func requireResponseError(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr), "expected a response error, got %v", err)
	require.Equal(t, code, rerr.Code, rerr.Message)
}
