package transport

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrShutdown          = errors.New("transport: shutting down")
	ErrDialFailed        = errors.New("transport: could not dial peer")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame     = errors.New("transport: frame exceeds the maximum size")
	ErrMalformedFrame    = errors.New("transport: malformed frame prefix")
	ErrProtocolViolation = errors.New("transport: protocol violation")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x5,
		Prefix: "protocol violation",
	}
)

// QuicApplicationError is an application error code sent to the peer
// when we tear a QUIC connection down.
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
