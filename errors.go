package dotp

import (
	"errors"
	"fmt"

	"github.com/raskyld/dotp/pkg/transport"
)

var (
	ErrNoSuchProcess = errors.New("isolate: no such process")
	ErrNoSuchMethod  = errors.New("isolate: no such method")
	ErrInitFailed    = errors.New("isolate: initialization failed")
	ErrPanic         = errors.New("isolate: behaviour panicked")
	ErrIDConflict    = errors.New("isolate: visible id already in use")

	ErrInvalidCfg     = errors.New("node: invalid options")
	ErrNodeClosed     = errors.New("node: closed")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrNoRoute        = errors.New("node: no connection to the owning node")
	ErrCallTimeout    = errors.New("node: call timed out")
	ErrSendTimeout    = errors.New("node: send timed out")
	ErrConnectionLost = errors.New("node: connection lost")
	ErrRemote         = errors.New("node: remote failure")

	ErrDecode              = errors.New("wire: could not decode")
	ErrEncode              = errors.New("wire: could not encode")
	ErrProtocolViolation   = errors.New("wire: protocol violation")
	ErrIncompatibleVersion = errors.New("wire: incompatible protocol version")

	ErrTooLargeFrame = transport.ErrTooLargeFrame
)

// FaultKind names the class of failure a remote node reports in a
// Response.
type FaultKind string

const (
	FaultNoSuchProcess FaultKind = "no_such_process"
	FaultNoSuchMethod  FaultKind = "no_such_method"
	FaultDecode        FaultKind = "decode"
	FaultApplication   FaultKind = "application"
	FaultPanic         FaultKind = "panic"
)

func faultKindOf(err error) FaultKind {
	switch {
	case errors.Is(err, ErrNoSuchProcess):
		return FaultNoSuchProcess
	case errors.Is(err, ErrNoSuchMethod):
		return FaultNoSuchMethod
	case errors.Is(err, ErrDecode):
		return FaultDecode
	case errors.Is(err, ErrPanic):
		return FaultPanic
	default:
		return FaultApplication
	}
}

// RemoteError is a failure raised on another node, carried back to the
// caller by a Response.
type RemoteError struct {
	Node    string
	Kind    FaultKind
	Message string
}

func (rerr *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s: %s", rerr.Node, rerr.Kind, rerr.Message)
}

// Is makes `errors.Is` match ErrRemote for any remote failure, and the
// local sentinel of the same kind when there is one.
func (rerr *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemote:
		return true
	case ErrNoSuchProcess:
		return rerr.Kind == FaultNoSuchProcess
	case ErrNoSuchMethod:
		return rerr.Kind == FaultNoSuchMethod
	case ErrDecode:
		return rerr.Kind == FaultDecode
	case ErrPanic:
		return rerr.Kind == FaultPanic
	}
	return false
}
