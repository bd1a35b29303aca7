package dotp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/dotp/pkg/transport"
	"github.com/stretchr/testify/require"
)

type echo struct {
	NopBehaviour
	received chan []any
}

func newEcho() *echo {
	return &echo{received: make(chan []any, 16)}
}

func (e *echo) Methods() Methods {
	return Methods{
		"ping": func(context.Context, []any) (any, error) {
			return "pong", nil
		},
		"echo": func(_ context.Context, args []any) (any, error) {
			if len(args) == 0 {
				return nil, errors.New("nothing to echo")
			}
			return args[0], nil
		},
		"hang": func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"boom": func(context.Context, []any) (any, error) {
			panic("boom")
		},
	}
}

func (e *echo) Receive(_ context.Context, args []any) {
	e.received <- args
}

type failing struct {
	NopBehaviour
}

func (failing) Init(context.Context, *Isolate) error {
	return errors.New("cannot init")
}

func (failing) Methods() Methods {
	return Methods{
		"ping": func(context.Context, []any) (any, error) {
			return "pong", nil
		},
	}
}

type forever struct {
	NopBehaviour
}

func (forever) Init(ctx context.Context, _ *Isolate) error {
	<-ctx.Done()
	return ctx.Err()
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func newTestNode(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()
	n, err := New(append([]Option{
		WithNodeID(name),
		WithListenOn("127.0.0.1", 0),
		WithLog(testHandler(name)),
		WithMetricSink(nil),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, n.Shutdown())
	})
	return n
}

// dialRaw completes the dialer side of the handshake with node by hand
// and waits for node to register the connection.
func dialRaw(t *testing.T, node *Node, id string) (transport.Stream, *transport.FrameReader) {
	t.Helper()
	stream, err := transport.TCP{}.Dial(context.Background(), node.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })

	reader := transport.NewFrameReader(stream, 0)
	_, err = reader.ReadFrame()
	require.NoError(t, err)

	writeFrame(t, stream, &Hello{Version: ProtocolVersion, NodeID: id})
	require.Eventually(t, func() bool {
		_, has := node.PeerPIDs(id)
		return has
	}, 5*time.Second, 20*time.Millisecond)
	return stream, reader
}

func writeFrame(t *testing.T, stream transport.Stream, f Frame) {
	t.Helper()
	buf, err := EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, transport.WriteFrame(stream, buf, 0))
}

func readCall(t *testing.T, reader *transport.FrameReader) *Call {
	t.Helper()
	buf, err := reader.ReadFrame()
	require.NoError(t, err)
	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	call, ok := f.(*Call)
	require.True(t, ok, "expected a call, got %s", f.Opcode())
	return call
}

func TestNewNode(t *testing.T) {
	t.Run("when an option is invalid", func(t *testing.T) {
		_, err := New(WithListenOn("127.0.0.1", 70000))
		require.ErrorIs(t, err, ErrInvalidCfg)

		_, err = New(WithNodeID(""))
		require.ErrorIs(t, err, ErrInvalidCfg)
	})

	t.Run("when no node id is given", func(t *testing.T) {
		n, err := New(WithMetricSink(nil))
		require.NoError(t, err)
		require.NotEmpty(t, n.ID())
		require.Nil(t, n.Addr())
		require.NoError(t, n.Shutdown())
	})

	t.Run("when the node is started twice", func(t *testing.T) {
		n := newTestNode(t, "twice")
		require.NoError(t, n.Start(context.Background()))
		require.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	})
}

func TestLocalIsolates(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "local")

	t.Run("when a spawned isolate is called", func(t *testing.T) {
		pid, err := n.Spawn(newEcho())
		require.NoError(t, err)
		require.Equal(t, n.ID(), pid.NodeID())
		_, local := pid.Isolate()
		require.True(t, local)

		found, has := n.Lookup(pid.VisibleID())
		require.True(t, has)
		require.True(t, pid.Equal(found))
		require.Len(t, n.LocalPIDs(), 1)

		res, err := n.Call(ctx, pid, "ping", time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)

		res, err = n.Call(ctx, pid.VisibleID(), "echo", time.Second, "hi")
		require.NoError(t, err)
		require.Equal(t, "hi", res)

		require.NoError(t, n.Stop(ctx, pid))
	})

	t.Run("when the method does not exist", func(t *testing.T) {
		pid, err := n.Spawn(newEcho())
		require.NoError(t, err)
		defer n.Stop(ctx, pid)

		_, err = n.Call(ctx, pid, "nope", time.Second)
		require.ErrorIs(t, err, ErrNoSuchMethod)
	})

	t.Run("when a method panics", func(t *testing.T) {
		pid, err := n.Spawn(newEcho())
		require.NoError(t, err)
		defer n.Stop(ctx, pid)

		_, err = n.Call(ctx, pid, "boom", time.Second)
		require.ErrorIs(t, err, ErrPanic)

		res, err := n.Call(ctx, pid, "ping", time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)
	})

	t.Run("when an isolate is stopped", func(t *testing.T) {
		e := newEcho()
		pid, err := n.Spawn(e)
		require.NoError(t, err)
		iso, _ := pid.Isolate()

		require.NoError(t, n.Stop(ctx, pid.VisibleID()))
		require.Equal(t, StateStopped, iso.State())
		require.Error(t, iso.Context().Err())

		_, has := n.Lookup(pid.VisibleID())
		require.False(t, has)

		_, err = n.Call(ctx, pid, "ping", time.Second)
		require.ErrorIs(t, err, ErrNoSuchProcess)
		require.ErrorIs(t, n.Send(ctx, pid, "late"), ErrNoSuchProcess)
		require.ErrorIs(t, n.Stop(ctx, pid), ErrNoSuchProcess)
	})

	t.Run("when a message is sent", func(t *testing.T) {
		e := newEcho()
		pid, err := n.Spawn(e)
		require.NoError(t, err)
		defer n.Stop(ctx, pid)

		require.NoError(t, n.Send(ctx, pid, "hello", "world"))
		require.Equal(t, []any{"hello", "world"}, <-e.received)
	})

	t.Run("when init fails", func(t *testing.T) {
		pid, err := n.Spawn(failing{})
		require.NoError(t, err)
		defer n.Stop(ctx, pid)
		iso, _ := pid.Isolate()

		<-iso.Initialized()
		require.Equal(t, StateFailed, iso.State())
		require.ErrorIs(t, iso.Err(), ErrInitFailed)

		res, err := n.Call(ctx, pid, "ping", time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)
	})

	t.Run("when init runs until the isolate stops", func(t *testing.T) {
		pid, err := n.Spawn(forever{})
		require.NoError(t, err)
		iso, _ := pid.Isolate()

		require.NoError(t, n.Stop(ctx, pid))
		select {
		case <-iso.Initialized():
		case <-time.After(5 * time.Second):
			t.Fatal("init did not observe the stop")
		}
		require.Equal(t, StateStopped, iso.State())
		require.NoError(t, iso.Err())
	})

	t.Run("when the target does not exist", func(t *testing.T) {
		_, err := n.Call(ctx, VisibleID("ghost"), "ping", time.Second)
		require.ErrorIs(t, err, ErrNoSuchProcess)

		_, err = n.Call(ctx, NewPID("ghost", n.ID()), "ping", time.Second)
		require.ErrorIs(t, err, ErrNoSuchProcess)
	})

	t.Run("when the owning node is unknown", func(t *testing.T) {
		remote := NewPID("v1", "elsewhere")
		_, err := n.Call(ctx, remote, "ping", time.Second)
		require.ErrorIs(t, err, ErrNoRoute)
		require.ErrorIs(t, n.Stop(ctx, remote), ErrNoRoute)
		require.ErrorIs(t, n.Send(ctx, remote), ErrNoRoute)
	})
}

func TestTwoNodes(t *testing.T) {
	ctx := context.Background()

	nodeA := newTestNode(t, "node-a", WithCallTimeout(5*time.Second))
	require.NoError(t, nodeA.Start(ctx))

	echoA := newEcho()
	pidX, err := nodeA.Spawn(echoA)
	require.NoError(t, err)

	nodeB := newTestNode(t, "node-b",
		WithPeers([]string{nodeA.Addr().String()}),
		WithCallTimeout(5*time.Second),
	)
	pidY, err := nodeB.Spawn(newEcho())
	require.NoError(t, err)
	require.NoError(t, nodeB.Start(ctx))

	t.Run("when B dials A, both see each other", func(t *testing.T) {
		require.Equal(t, []string{"node-a"}, nodeB.Peers())
		require.Eventually(t, func() bool {
			peers := nodeA.Peers()
			return len(peers) == 1 && peers[0] == "node-b"
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("when the handshake exchanged the dialer pids", func(t *testing.T) {
		pids, has := nodeA.PeerPIDs("node-b")
		require.True(t, has)
		require.Len(t, pids, 1)
		require.True(t, pidY.Equal(pids[0]))

		// The acceptor does not announce its own.
		pids, has = nodeB.PeerPIDs("node-a")
		require.True(t, has)
		require.Empty(t, pids)
	})

	t.Run("when B calls a process of A", func(t *testing.T) {
		remoteX := NewPID(pidX.VisibleID(), pidX.NodeID())
		res, err := nodeB.Call(ctx, remoteX, "ping", 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)

		res, err = nodeB.Call(ctx, remoteX, "echo", 0, "hello")
		require.NoError(t, err)
		require.Equal(t, "hello", res)
		require.Zero(t, nodeB.PendingCalls())
	})

	t.Run("when A calls a process of B over the connection B dialed", func(t *testing.T) {
		res, err := nodeA.Call(ctx, NewPID(pidY.VisibleID(), "node-b"), "ping", 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)
	})

	t.Run("when the remote method fails", func(t *testing.T) {
		_, err := nodeB.Call(ctx, pidX, "echo", time.Second)
		require.ErrorIs(t, err, ErrRemote)
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, "node-a", rerr.Node)
		require.Equal(t, FaultApplication, rerr.Kind)

		_, err = nodeB.Call(ctx, pidX, "nope", time.Second)
		require.ErrorIs(t, err, ErrNoSuchMethod)

		_, err = nodeB.Call(ctx, pidX, "boom", time.Second)
		require.ErrorIs(t, err, ErrPanic)
	})

	t.Run("when the remote call never answers", func(t *testing.T) {
		start := time.Now()
		_, err := nodeB.Call(ctx, pidX, "hang", 300*time.Millisecond)
		require.ErrorIs(t, err, ErrCallTimeout)
		require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
		require.Zero(t, nodeB.PendingCalls())

		// The connection is still usable.
		res, err := nodeB.Call(ctx, pidX, "ping", time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)
	})

	t.Run("when B casts to a process of A", func(t *testing.T) {
		require.NoError(t, nodeB.Send(ctx, pidX, "fire", "forget"))
		select {
		case args := <-echoA.received:
			require.Equal(t, []any{"fire", "forget"}, args)
		case <-time.After(5 * time.Second):
			t.Fatal("cast was not delivered")
		}
	})

	t.Run("when A stops one of its processes, B forgets it", func(t *testing.T) {
		pidZ, err := nodeA.Spawn(newEcho())
		require.NoError(t, err)

		// B only learns about processes of A it was told about.
		nodeB.lk.Lock()
		nodeB.peers["node-a"].pids[pidZ.Key()] = NewPID(pidZ.VisibleID(), pidZ.NodeID())
		nodeB.lk.Unlock()

		require.NoError(t, nodeA.Stop(ctx, pidZ))
		require.Eventually(t, func() bool {
			pids, _ := nodeB.PeerPIDs("node-a")
			return len(pids) == 0
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("when B stops a process of A", func(t *testing.T) {
		require.NoError(t, nodeB.Stop(ctx, pidX))
		require.Eventually(t, func() bool {
			_, has := nodeA.Lookup(pidX.VisibleID())
			return !has
		}, 5*time.Second, 50*time.Millisecond)

		_, err := nodeB.Call(ctx, pidX, "ping", 5*time.Second)
		require.ErrorIs(t, err, ErrNoSuchProcess)
		require.ErrorIs(t, err, ErrRemote)
	})

	t.Run("when B connects to A a second time", func(t *testing.T) {
		peerID, err := nodeB.Connect(ctx, nodeA.Addr().String())
		require.NoError(t, err)
		require.Equal(t, "node-a", peerID)
		require.Equal(t, []string{"node-a"}, nodeB.Peers())

		res, err := nodeB.Call(ctx, NewPID(pidY.VisibleID(), "node-b"), "ping", time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)

		res, err = nodeA.Call(ctx, NewPID(pidY.VisibleID(), "node-b"), "ping", 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)
	})

	t.Run("when a node connects to itself", func(t *testing.T) {
		_, err := nodeA.Connect(ctx, nodeA.Addr().String())
		require.ErrorIs(t, err, ErrProtocolViolation)
		require.Equal(t, []string{"node-b"}, nodeA.Peers())
	})

	t.Run("when B shuts down while a call is pending", func(t *testing.T) {
		pidH, err := nodeA.Spawn(newEcho())
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := nodeB.Call(ctx, pidH, "hang", time.Minute)
			errCh <- err
		}()

		require.Eventually(t, func() bool {
			return nodeB.PendingCalls() == 1
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, nodeB.Shutdown())
		require.ErrorIs(t, <-errCh, ErrNodeClosed)

		require.Eventually(t, func() bool {
			return len(nodeA.Peers()) == 0
		}, 5*time.Second, 50*time.Millisecond)
	})
}

func TestHandshakeViolation(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "strict", WithHandshakeTimeout(2*time.Second))
	require.NoError(t, node.Start(ctx))

	t.Run("when the dialer speaks another version", func(t *testing.T) {
		stream, err := transport.TCP{}.Dial(ctx, node.Addr().String())
		require.NoError(t, err)
		defer stream.Close()

		reader := transport.NewFrameReader(stream, 0)
		buf, err := reader.ReadFrame()
		require.NoError(t, err)
		f, err := DecodeFrame(buf)
		require.NoError(t, err)
		require.Equal(t, "strict", f.(*Hello).NodeID)

		buf, err = EncodeFrame(&Hello{Version: ProtocolVersion + 1, NodeID: "intruder"})
		require.NoError(t, err)
		require.NoError(t, transport.WriteFrame(stream, buf, 0))

		_, err = reader.ReadFrame()
		require.Error(t, err)
		require.Empty(t, node.Peers())
	})

	t.Run("when the dialer sends garbage", func(t *testing.T) {
		stream, err := transport.TCP{}.Dial(ctx, node.Addr().String())
		require.NoError(t, err)
		defer stream.Close()

		reader := transport.NewFrameReader(stream, 0)
		_, err = reader.ReadFrame()
		require.NoError(t, err)

		require.NoError(t, transport.WriteFrame(stream, []byte("not a frame"), 0))
		_, err = reader.ReadFrame()
		require.Error(t, err)
		require.Empty(t, node.Peers())
	})

	t.Run("when the dialer never answers", func(t *testing.T) {
		stream, err := transport.TCP{}.Dial(ctx, node.Addr().String())
		require.NoError(t, err)
		defer stream.Close()

		reader := transport.NewFrameReader(stream, 0)
		_, err = reader.ReadFrame()
		require.NoError(t, err)

		stream.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, err = reader.ReadFrame()
		require.Error(t, err)
		require.False(t, transport.IsTimeout(err))
		require.Empty(t, node.Peers())
	})
}

func TestHandshakeShutdown(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "patient", WithHandshakeTimeout(time.Minute))
	require.NoError(t, node.Start(ctx))

	stream, err := transport.TCP{}.Dial(ctx, node.Addr().String())
	require.NoError(t, err)
	defer stream.Close()

	reader := transport.NewFrameReader(stream, 0)
	_, err = reader.ReadFrame()
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, node.Shutdown())
	require.Less(t, time.Since(start), 10*time.Second)

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = reader.ReadFrame()
	require.Error(t, err)
	require.False(t, transport.IsTimeout(err))
}

func TestRawPeer(t *testing.T) {
	ctx := context.Background()

	t.Run("when the peer sends garbage after the handshake", func(t *testing.T) {
		node := newTestNode(t, "listener")
		require.NoError(t, node.Start(ctx))

		stream, reader := dialRaw(t, node, "raw")
		require.Equal(t, []string{"raw"}, node.Peers())

		require.NoError(t, transport.WriteFrame(stream, []byte("not a frame"), 0))
		require.Eventually(t, func() bool {
			return len(node.Peers()) == 0
		}, 5*time.Second, 20*time.Millisecond)

		stream.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := reader.ReadFrame()
		require.Error(t, err)
		require.False(t, transport.IsTimeout(err))
	})

	t.Run("when the answer comes after the call timed out", func(t *testing.T) {
		node := newTestNode(t, "caller")
		require.NoError(t, node.Start(ctx))

		stream, reader := dialRaw(t, node, "raw")
		target := NewPID("v1", "raw")

		errCh := make(chan error, 1)
		go func() {
			_, err := node.Call(ctx, target, "ping", 200*time.Millisecond)
			errCh <- err
		}()
		late := readCall(t, reader)
		require.Equal(t, "ping", late.Method)
		require.ErrorIs(t, <-errCh, ErrCallTimeout)
		require.Zero(t, node.PendingCalls())

		writeFrame(t, stream, &Response{CorrelationID: late.CorrelationID, Result: "late"})

		type result struct {
			res any
			err error
		}
		resCh := make(chan result, 1)
		go func() {
			res, err := node.Call(ctx, target, "ping", 5*time.Second)
			resCh <- result{res, err}
		}()
		call := readCall(t, reader)
		require.NotEqual(t, late.CorrelationID, call.CorrelationID)
		writeFrame(t, stream, &Response{CorrelationID: call.CorrelationID, Result: "pong"})

		got := <-resCh
		require.NoError(t, got.err)
		require.Equal(t, "pong", got.res)
		require.Zero(t, node.PendingCalls())
		require.Equal(t, []string{"raw"}, node.Peers())
	})

	t.Run("when the peer stops reading", func(t *testing.T) {
		node := newTestNode(t, "sender", WithSendTimeout(300*time.Millisecond))
		require.NoError(t, node.Start(ctx))

		dialRaw(t, node, "raw")
		target := NewPID("v1", "raw")
		payload := strings.Repeat("x", 2<<20)

		var err error
		for i := 0; i < 64 && err == nil; i++ {
			err = node.Send(ctx, target, payload)
		}
		require.ErrorIs(t, err, ErrSendTimeout)

		require.Eventually(t, func() bool {
			return len(node.Peers()) == 0
		}, 5*time.Second, 20*time.Millisecond)
	})
}

// flakyTransport fails the first accepts of its listener.
type flakyTransport struct {
	transport.TCP
	failures int32
}

func (f *flakyTransport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	ln, err := f.TCP.Listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	fl := &flakyListener{Listener: ln}
	fl.failures.Store(f.failures)
	return fl, nil
}

type flakyListener struct {
	transport.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept(ctx context.Context) (transport.Stream, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept(ctx)
}

func TestAcceptRetry(t *testing.T) {
	ctx := context.Background()
	nodeA := newTestNode(t, "node-a", WithTransport(&flakyTransport{failures: 3}))
	require.NoError(t, nodeA.Start(ctx))

	nodeB := newTestNode(t, "node-b")
	peerID, err := nodeB.Connect(ctx, nodeA.Addr().String())
	require.NoError(t, err)
	require.Equal(t, "node-a", peerID)

	require.Eventually(t, func() bool {
		peers := nodeA.Peers()
		return len(peers) == 1 && peers[0] == "node-b"
	}, 5*time.Second, 20*time.Millisecond)
}
