package dealer

import (
	"fmt"
	"strconv"
)

// RPCCode is the kind of a response frame.
type RPCCode int64

const (
	RPCAck   RPCCode = 1
	RPCChunk RPCCode = 2
	RPCError RPCCode = 3
	RPCChoke RPCCode = 4
)

// ParseRPCCode rejects anything outside of the closed set of codes.
func ParseRPCCode(v int64) (RPCCode, error) {
	switch code := RPCCode(v); code {
	case RPCAck, RPCChunk, RPCError, RPCChoke:
		return code, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownRPCCode, v)
	}
}

func (code RPCCode) String() string {
	switch code {
	case RPCAck:
		return "ack"
	case RPCChunk:
		return "chunk"
	case RPCError:
		return "error"
	case RPCChoke:
		return "choke"
	default:
		return "unknown(" + strconv.FormatInt(int64(code), 10) + ")"
	}
}

// terminal reports whether code ends a request.
func (code RPCCode) terminal() bool {
	return code == RPCChoke || code == RPCError
}

// ErrorCode classifies terminal errors.
type ErrorCode int64

const (
	RequestError  ErrorCode = 400
	LocationError ErrorCode = 404
	ServerError   ErrorCode = 500
	AppError      ErrorCode = 502
	ResourceError ErrorCode = 503
	TimeoutError  ErrorCode = 504
	DeadlineError ErrorCode = 520
)

// Valid reports whether code is a known error code. Unknown codes coming
// from the wire are kept as is.
func (code ErrorCode) Valid() bool {
	switch code {
	case RequestError, LocationError, ServerError, AppError, ResourceError, TimeoutError, DeadlineError:
		return true
	}
	return false
}

func (code ErrorCode) String() string {
	switch code {
	case RequestError:
		return "request_error"
	case LocationError:
		return "location_error"
	case ServerError:
		return "server_error"
	case AppError:
		return "app_error"
	case ResourceError:
		return "resource_error"
	case TimeoutError:
		return "timeout_error"
	case DeadlineError:
		return "deadline_error"
	default:
		return "unknown_error"
	}
}

// ResponseFrame is a decoded response, consumed by the dispatch loop.
type ResponseFrame struct {
	UUID  string
	Route string
	Code  RPCCode

	// Payload of a CHUNK.
	Payload []byte

	// ErrorCode and ErrorMessage of an ERROR.
	ErrorCode    ErrorCode
	ErrorMessage string
}

// Err returns the error carried by an ERROR frame, nil otherwise.
func (frame *ResponseFrame) Err() *ResponseError {
	if frame.Code != RPCError {
		return nil
	}
	return &ResponseError{Code: frame.ErrorCode, Message: frame.ErrorMessage}
}

func errorFrame(msg *Message, code ErrorCode, text string) *ResponseFrame {
	return &ResponseFrame{
		UUID:         msg.uuid,
		Route:        msg.route,
		Code:         RPCError,
		ErrorCode:    code,
		ErrorMessage: text,
	}
}
