package router

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrClosed            = errors.New("router: socket closed")
	ErrHostUnreachable   = errors.New("router: no live connection for routing identity")
	ErrConnRefused       = errors.New("router: connection refused")
	ErrAddrInUse         = errors.New("router: address already in use")
	ErrInvalidAddr       = errors.New("router: invalid address")
	ErrProtocolViolation = errors.New("router: protocol violation")
	ErrTooLargeFrame     = errors.New("router: frame set is too large")
	ErrNoTLSConfig       = errors.New("router: TlsConfig is required")
	ErrBufferSize        = errors.New("router: could not allocate udp buffer")
	ErrIdentityResolve   = errors.New("router: could not resolve peer identity")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "identity",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrReplaced = QuicApplicationError{
		Code:   0x4,
		Prefix: "replaced",
	}
)

// QuicApplicationError is a connection close reason sent to the peer.
type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
