package dotp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is advertised in Hello frames, peers speaking another
// version are rejected.
const ProtocolVersion uint = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

type Opcode uint8

const (
	OpHello Opcode = iota
	OpCall
	OpResponse
	OpDeregistered
	OpRemoteStop
	OpCast
)

func (op Opcode) String() string {
	switch op {
	case OpHello:
		return "hello"
	case OpCall:
		return "call"
	case OpResponse:
		return "response"
	case OpDeregistered:
		return "deregistered"
	case OpRemoteStop:
		return "remote_stop"
	case OpCast:
		return "cast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// Frame is one message of the node protocol.
type Frame interface {
	Opcode() Opcode
	validate() error
}

// Hello is exchanged once when a connection is established. The
// acceptor sends it first without PIDs, the dialer answers with the PIDs it
// hosts.
type Hello struct {
	Version uint     `cbor:"v"`
	NodeID  string   `cbor:"node_id"`
	PIDs    [][]byte `cbor:"pids,omitempty"`
}

// Call invokes Method on Target, the callee answers with a Response
// carrying the same CorrelationID.
type Call struct {
	Target        PID    `cbor:"pid"`
	Method        string `cbor:"method"`
	Args          []any  `cbor:"args"`
	CorrelationID string `cbor:"cid"`
}

// Fault is the failure a callee reports instead of a result.
type Fault struct {
	Kind    FaultKind `cbor:"kind"`
	Message string    `cbor:"msg"`
}

type Response struct {
	CorrelationID string `cbor:"cid"`
	Result        any    `cbor:"result"`
	Fault         *Fault `cbor:"fault,omitempty"`
}

// Deregistered tells peers a process stopped.
type Deregistered struct {
	Target PID `cbor:"pid"`
}

// RemoteStop asks the owning node to stop Target.
type RemoteStop struct {
	Target PID `cbor:"pid"`
}

// Cast delivers Args to the Receive operation of Target.
type Cast struct {
	Target PID   `cbor:"pid"`
	Args   []any `cbor:"args"`
}

func (*Hello) Opcode() Opcode        { return OpHello }
func (*Call) Opcode() Opcode         { return OpCall }
func (*Response) Opcode() Opcode     { return OpResponse }
func (*Deregistered) Opcode() Opcode { return OpDeregistered }
func (*RemoteStop) Opcode() Opcode   { return OpRemoteStop }
func (*Cast) Opcode() Opcode         { return OpCast }

func (f *Hello) validate() error {
	if f.NodeID == "" {
		return fmt.Errorf("%w: hello: missing node_id", ErrDecode)
	}
	return nil
}

func (f *Call) validate() error {
	if f.Target.IsZero() {
		return fmt.Errorf("%w: call: missing pid", ErrDecode)
	}
	if f.Method == "" {
		return fmt.Errorf("%w: call: missing method", ErrDecode)
	}
	if f.CorrelationID == "" {
		return fmt.Errorf("%w: call: missing cid", ErrDecode)
	}
	return nil
}

func (f *Response) validate() error {
	if f.CorrelationID == "" {
		return fmt.Errorf("%w: response: missing cid", ErrDecode)
	}
	if f.Fault != nil && f.Fault.Kind == "" {
		return fmt.Errorf("%w: response: fault without kind", ErrDecode)
	}
	return nil
}

func validateTarget(op Opcode, target PID) error {
	if target.IsZero() {
		return fmt.Errorf("%w: %s: missing pid", ErrDecode, op)
	}
	return nil
}

func (f *Deregistered) validate() error { return validateTarget(OpDeregistered, f.Target) }
func (f *RemoteStop) validate() error   { return validateTarget(OpRemoteStop, f.Target) }
func (f *Cast) validate() error         { return validateTarget(OpCast, f.Target) }

// envelope is the top-level map of every frame.
type envelope struct {
	Op Opcode          `cbor:"op"`
	D  cbor.RawMessage `cbor:"d"`
}

// EncodeFrame returns the binary form of f, without length prefix.
func EncodeFrame(f Frame) ([]byte, error) {
	payload, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, f.Opcode(), err)
	}
	buf, err := encMode.Marshal(envelope{Op: f.Opcode(), D: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, f.Opcode(), err)
	}
	return buf, nil
}

// DecodeFrame decodes the envelope, then its payload into the type
// matching the opcode, and checks required fields are present.
func DecodeFrame(buf []byte) (Frame, error) {
	var env envelope
	if err := decMode.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrDecode, err)
	}
	if len(env.D) == 0 {
		return nil, fmt.Errorf("%w: envelope: missing payload", ErrDecode)
	}

	var f Frame
	switch env.Op {
	case OpHello:
		f = &Hello{}
	case OpCall:
		f = &Call{}
	case OpResponse:
		f = &Response{}
	case OpDeregistered:
		f = &Deregistered{}
	case OpRemoteStop:
		f = &RemoteStop{}
	case OpCast:
		f = &Cast{}
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrDecode, env.Op)
	}

	if err := decMode.Unmarshal(env.D, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, env.Op, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}
