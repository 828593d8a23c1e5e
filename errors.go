package dealer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg  = errors.New("dealer: invalid options")
	ErrInvalidPath = errors.New("dealer: path must be <service>/<handle>")
	ErrUnknownSvc  = errors.New("dealer: unknown service")
	ErrNoMatch     = errors.New("dealer: no service matches the pattern")
	ErrNoStorage   = errors.New("dealer: no storage configured")

	ErrNoEndpoints       = errors.New("balancer: no endpoints")
	ErrDisconnected      = errors.New("balancer: not connected")
	ErrUnknownRPCCode    = errors.New("balancer: unknown rpc code")
	ErrMalformedResponse = errors.New("balancer: malformed response")
	ErrMalformedRequest  = errors.New("balancer: malformed request")

	ErrHandleDead   = errors.New("handle: dead")
	ErrHandleKilled = errors.New("handle: killed")

	ErrServiceClosed      = errors.New("service: closed")
	ErrServiceUnavailable = errors.New("service: handle unavailable")

	ErrResponseDone = errors.New("response: stream is over")
	ErrTimeout      = errors.New("response: timed out")

	ErrPayloadUnavailable = errors.New("message: payload unavailable")
)

// BalancerError is a transport failure, it names the balancer and the
// backend address involved.
type BalancerError struct {
	Identity string
	Op       string
	Address  string
	Err      error
}

func (berr *BalancerError) Error() string {
	if berr.Address == "" {
		return fmt.Sprintf("balancer %s: %s: %s", berr.Identity, berr.Op, berr.Err)
	}
	return fmt.Sprintf("balancer %s: %s %s: %s", berr.Identity, berr.Op, berr.Address, berr.Err)
}

func (berr *BalancerError) Unwrap() error {
	return berr.Err
}

// ResponseError is the terminal error of a request, sent by a backend or
// produced locally when a policy is violated.
type ResponseError struct {
	Code    ErrorCode
	Message string
}

func (rerr *ResponseError) Error() string {
	return fmt.Sprintf("%s (%d): %s", rerr.Code, int64(rerr.Code), rerr.Message)
}
