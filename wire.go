package dealer

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{WriteExt: true}
	h.RawToString = true
	return h
}

func pack(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

func unpack(b []byte, v any) error {
	return codec.NewDecoderBytes(b, msgpackHandle).Decode(v)
}

// wirePolicy is the policy as seen by backends: an array of
// urgent, timeout and absolute deadline.
type wirePolicy struct {
	_struct  bool `codec:",toarray"` //nolint:unused
	Urgent   bool
	Timeout  float64
	Deadline float64
}

func newWirePolicy(p Policy, enqueuedAt time.Time) wirePolicy {
	wp := wirePolicy{Urgent: p.Urgent, Timeout: p.Timeout}
	if deadline, ok := p.overallDeadline(enqueuedAt); ok {
		wp.Deadline = float64(deadline.UnixNano()) / float64(time.Second)
	}
	return wp
}

// encodeRequest builds the frame set of msg bound to ep:
// routing identity, delimiter, uuid, policy and payload.
func encodeRequest(ep Endpoint, msg *Message, payload Data) ([][]byte, error) {
	id, err := pack(msg.uuid)
	if err != nil {
		return nil, err
	}
	policy, err := pack(newWirePolicy(msg.policy, msg.enqueuedAt))
	if err != nil {
		return nil, err
	}
	return [][]byte{ep.RoutingID, {}, id, policy, payload.Bytes()}, nil
}

// decodeResponse decodes route, rpc code, uuid and the code specific
// parts. Parts past the expected ones are ignored.
func decodeResponse(parts [][]byte) (*ResponseFrame, error) {
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %d parts", ErrMalformedResponse, len(parts))
	}

	var raw int64
	if err := unpack(parts[1], &raw); err != nil {
		return nil, fmt.Errorf("%w: rpc code: %w", ErrMalformedResponse, err)
	}
	code, err := ParseRPCCode(raw)
	if err != nil {
		return nil, err
	}

	frame := &ResponseFrame{Route: string(parts[0]), Code: code}
	if err := unpack(parts[2], &frame.UUID); err != nil {
		return nil, fmt.Errorf("%w: uuid: %w", ErrMalformedResponse, err)
	}

	switch code {
	case RPCChunk:
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: chunk without payload", ErrMalformedResponse)
		}
		frame.Payload = parts[3]
	case RPCError:
		if len(parts) < 5 {
			return nil, fmt.Errorf("%w: error without code or message", ErrMalformedResponse)
		}
		var errCode int64
		if err := unpack(parts[3], &errCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %w", ErrMalformedResponse, err)
		}
		frame.ErrorCode = ErrorCode(errCode)
		if err := unpack(parts[4], &frame.ErrorMessage); err != nil {
			return nil, fmt.Errorf("%w: error message: %w", ErrMalformedResponse, err)
		}
	}
	return frame, nil
}

// Request is a request as received by a backend.
type Request struct {
	Identity []byte
	UUID     string
	Urgent   bool
	Timeout  float64

	// Deadline is absolute, zero when unbounded.
	Deadline time.Time
	Payload  []byte
}

// DecodeRequest decodes a frame set received by a router.Listener.
func DecodeRequest(parts [][]byte) (*Request, error) {
	if len(parts) < 5 || len(parts[1]) != 0 {
		return nil, fmt.Errorf("%w: %d parts", ErrMalformedRequest, len(parts))
	}

	req := &Request{Identity: parts[0], Payload: parts[4]}
	if err := unpack(parts[2], &req.UUID); err != nil {
		return nil, fmt.Errorf("%w: uuid: %w", ErrMalformedRequest, err)
	}

	var wp wirePolicy
	if err := unpack(parts[3], &wp); err != nil {
		return nil, fmt.Errorf("%w: policy: %w", ErrMalformedRequest, err)
	}
	req.Urgent = wp.Urgent
	req.Timeout = wp.Timeout
	if wp.Deadline > 0 {
		req.Deadline = time.Unix(0, int64(wp.Deadline*float64(time.Second)))
	}
	return req, nil
}

func mustPack(v any) []byte {
	b, err := pack(v)
	if err != nil {
		panic(fmt.Sprintf("dealer: cannot encode %T: %s", v, err))
	}
	return b
}

func (req *Request) reply(code RPCCode, rest ...[]byte) [][]byte {
	parts := [][]byte{req.Identity, mustPack(int64(code)), mustPack(req.UUID)}
	return append(parts, rest...)
}

// Ack acknowledges req.
func (req *Request) Ack() [][]byte {
	return req.reply(RPCAck)
}

// Chunk streams data back.
func (req *Request) Chunk(data []byte) [][]byte {
	return req.reply(RPCChunk, data)
}

// Choke ends the response stream.
func (req *Request) Choke() [][]byte {
	return req.reply(RPCChoke)
}

// Error ends the response stream with an error.
func (req *Request) Error(code ErrorCode, msg string) [][]byte {
	return req.reply(RPCError, mustPack(int64(code)), mustPack(msg))
}
