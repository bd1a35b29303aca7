package dotp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Method is one operation a process exposes to `Node.Call`.
//
// Args are the values passed by the caller. When they come from another
// node, they went through CBOR: integers are decoded as `uint64` or
// `int64`, maps as `map[any]any`.
type Method func(ctx context.Context, args []any) (any, error)

// Methods maps a method name to its handler.
type Methods map[string]Method

// Behaviour is implemented by application code to define a kind of
// process.
//
// Methods and Receive may be invoked concurrently, one invocation per
// inbound message, a Behaviour MUST be safe for concurrent use.
type Behaviour interface {
	// Init runs in its own goroutine right after the process is spawned.
	// It may run for the whole life of the process but MUST return once
	// ctx is done. A non-nil error marks the process as failed.
	Init(ctx context.Context, self *Isolate) error
	// Methods is called once, on spawn.
	Methods() Methods
	// Receive handles messages sent with `Node.Send`.
	Receive(ctx context.Context, args []any)
}

// NopBehaviour can be embedded to only implement what you need.
type NopBehaviour struct{}

func (NopBehaviour) Init(context.Context, *Isolate) error { return nil }
func (NopBehaviour) Methods() Methods                     { return nil }
func (NopBehaviour) Receive(context.Context, []any)       {}

type State uint8

const (
	StateRunning State = iota
	StateStopped
	// StateFailed processes are still addressable, only their Init
	// failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Isolate is a process hosted by a `Node`.
type Isolate struct {
	pid       PID
	node      *Node
	behaviour Behaviour
	methods   Methods
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lk       sync.Mutex
	state    State
	err      error
	initDone chan struct{}
}

func newIsolate(node *Node, vid VisibleID, b Behaviour) *Isolate {
	iso := &Isolate{
		node:      node,
		behaviour: b,
		initDone:  make(chan struct{}),
	}
	iso.pid = PID{vid: vid, nodeID: node.id, local: iso}
	iso.logger = node.logger.With(LabelPID.L(iso.pid))
	iso.ctx, iso.cancel = context.WithCancel(context.Background())

	iso.methods = b.Methods()
	if iso.methods == nil {
		iso.methods = Methods{}
	}
	return iso
}

func (iso *Isolate) PID() PID {
	return iso.pid
}

func (iso *Isolate) Node() *Node {
	return iso.node
}

// Context is cancelled when the process stops.
func (iso *Isolate) Context() context.Context {
	return iso.ctx
}

func (iso *Isolate) State() State {
	iso.lk.Lock()
	defer iso.lk.Unlock()
	return iso.state
}

// Err is the reason the process failed, if it did.
func (iso *Isolate) Err() error {
	iso.lk.Lock()
	defer iso.lk.Unlock()
	return iso.err
}

// Initialized is closed once Init returned.
func (iso *Isolate) Initialized() <-chan struct{} {
	return iso.initDone
}

// Call is a shorthand for `Node.Call` on the hosting node.
func (iso *Isolate) Call(ctx context.Context, target Target, method string, timeout time.Duration, args ...any) (any, error) {
	return iso.node.Call(ctx, target, method, timeout, args...)
}

// Send is a shorthand for `Node.Send` on the hosting node.
func (iso *Isolate) Send(ctx context.Context, target Target, args ...any) error {
	return iso.node.Send(ctx, target, args...)
}

// Stop is a shorthand for `Node.Stop` on the hosting node.
func (iso *Isolate) Stop(ctx context.Context, target Target) error {
	return iso.node.Stop(ctx, target)
}

func (iso *Isolate) runInit() {
	defer iso.node.wg.Done()
	defer close(iso.initDone)

	err := iso.protect(func() error {
		return iso.behaviour.Init(iso.ctx, iso)
	})
	if err == nil {
		return
	}
	// Init returning because we stopped it is not a failure.
	if iso.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}

	iso.lk.Lock()
	if iso.state != StateRunning {
		iso.lk.Unlock()
		return
	}
	iso.state = StateFailed
	iso.err = fmt.Errorf("%w: %w", ErrInitFailed, err)
	iso.lk.Unlock()

	iso.node.incr(MetricIsolateFailedCount)
	iso.logger.Error("isolate initialization failed", LabelError.L(err))
}

// markStopped returns false if the process was already stopped.
func (iso *Isolate) markStopped() bool {
	iso.lk.Lock()
	defer iso.lk.Unlock()
	if iso.state == StateStopped {
		return false
	}
	iso.state = StateStopped
	iso.cancel()
	return true
}

func (iso *Isolate) stopped() bool {
	return iso.State() == StateStopped
}

func (iso *Isolate) invoke(ctx context.Context, method string, args []any) (any, error) {
	if iso.stopped() {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchProcess, iso.pid.vid)
	}

	handler, ok := iso.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrNoSuchMethod, method, iso.pid.vid)
	}

	ctx, cancel := iso.handlerContext(ctx)
	defer cancel()

	var result any
	err := iso.protect(func() (err error) {
		result, err = handler(ctx, args)
		return
	})
	return result, err
}

func (iso *Isolate) receive(ctx context.Context, args []any) error {
	if iso.stopped() {
		return fmt.Errorf("%w: %s", ErrNoSuchProcess, iso.pid.vid)
	}

	ctx, cancel := iso.handlerContext(ctx)
	defer cancel()

	return iso.protect(func() error {
		iso.behaviour.Receive(ctx, args)
		return nil
	})
}

// handlerContext is done when either ctx is done or the process stops.
func (iso *Isolate) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(iso.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// protect turns a panic of fn into an error.
func (iso *Isolate) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			iso.logger.Error("recovered from a behaviour panic", "panic", r)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
