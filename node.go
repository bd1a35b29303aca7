package dotp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dotp/pkg/transport"
	"golang.org/x/sync/errgroup"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Node hosts processes and connects them to the processes of its peers.
type Node struct {
	config config
	id     string
	logger *slog.Logger
	msink  metrics.MetricSink

	ln transport.Listener

	// synchronisation
	lk       sync.Mutex
	registry *registry
	// peers owns the connection used to reach each peer id, conns is
	// every connection still being serviced.
	peers map[string]*peerConn
	conns map[*peerConn]struct{}
	// handshaking holds streams whose Hello exchange is not over yet.
	handshaking map[transport.Stream]struct{}

	pending map[string]chan *Response
	dialed  map[string]struct{}
	started bool

	// 2-phase close:
	// phase 1: shutdown notification, stop isolates and inbound streams.
	// phase 2: drop, all connections are closed.
	shutdown   bool
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n := &Node{
		config:      cfg,
		registry:    newRegistry(),
		peers:       make(map[string]*peerConn),
		conns:       make(map[*peerConn]struct{}),
		handshaking: make(map[transport.Stream]struct{}),
		pending:     make(map[string]chan *Response),
		dialed:      make(map[string]struct{}),
		shutdownCh:  make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.id = cfg.nodeID
	if n.id == "" {
		n.id = cfg.newID()
	}

	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNodeID.L(n.id))

	n.msink = cfg.msink
	if n.msink == nil {
		n.msink = metrics.Default()
	}

	return n, nil
}

// Start binds the listener and dials every configured peer, waiting for
// each handshake to either succeed or fail. Unreachable peers are logged,
// they are never retried.
func (n *Node) Start(ctx context.Context) error {
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return ErrNodeClosed
	}
	if n.started {
		n.lk.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	for _, addr := range n.config.peers {
		n.dialed[addr] = struct{}{}
	}
	n.lk.Unlock()

	addr := net.JoinHostPort(n.config.listenAddr, strconv.Itoa(n.config.listenPort))
	ln, err := n.config.tr.Listen(ctx, addr)
	if err != nil {
		return err
	}

	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		ln.Close()
		return ErrNodeClosed
	}
	n.ln = ln
	n.wg.Add(1)
	n.lk.Unlock()
	go n.acceptLoop()

	n.logger.Info(
		"listening for peers",
		LabelTransport.L(n.config.tr.Name()),
		LabelPeerAddr.L(ln.Addr().String()),
	)

	if len(n.config.peers) > 0 {
		var joined atomic.Int32
		var g errgroup.Group
		for _, peer := range n.config.peers {
			g.Go(func() error {
				if _, err := n.Connect(ctx, peer); err != nil {
					return fmt.Errorf("%s: %w", peer, err)
				}
				joined.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			n.logger.Warn(
				"not all peers are reachable",
				"joined", joined.Load(),
				"expected", len(n.config.peers),
				LabelError.L(err),
			)
		}
	}

	if n.config.discoverer != nil {
		n.lk.Lock()
		if n.shutdown {
			n.lk.Unlock()
			return ErrNodeClosed
		}
		n.wg.Add(1)
		n.lk.Unlock()
		go n.runDiscovery()
	}

	return nil
}

// Connect dials addr and waits for the handshake to complete. It returns
// the id of the peer node.
func (n *Node) Connect(ctx context.Context, addr string) (string, error) {
	n.lk.Lock()
	closed := n.shutdown
	n.lk.Unlock()
	if closed {
		return "", ErrNodeClosed
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.config.dialTimeout)
	defer cancel()

	stream, err := n.config.tr.Dial(dialCtx, addr)
	if err != nil {
		n.logger.Warn("peer unreachable", LabelPeerAddr.L(addr), LabelError.L(err))
		return "", err
	}

	pc, err := n.handshake(stream, DialerPerspective)
	if err != nil {
		return "", err
	}
	go n.serve(pc)
	return pc.id, nil
}

// Shutdown stops every local process and closes all connections. Pending
// calls fail with ErrNodeClosed.
func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.cancel()
	ln := n.ln
	isolates := n.registry.all()
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	n.logger.Info("shutdown: stop accepting peer connections")
	if ln != nil {
		if err := ln.Close(); err != nil {
			n.logger.Warn("failed to close listener", LabelError.L(err))
		}
	}
	if n.config.discoverer != nil {
		if err := n.config.discoverer.Close(); err != nil {
			n.logger.Warn("failed to close discoverer", LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: stop isolates", "count", len(isolates))
	for _, iso := range isolates {
		n.stopIsolate(iso, false)
	}

	// Phase 2: Drop all resources.
	n.logger.Info("shutdown: close peer connections")
	n.lk.Lock()
	conns := make([]*peerConn, 0, len(n.conns))
	for pc := range n.conns {
		conns = append(conns, pc)
	}
	streams := make([]transport.Stream, 0, len(n.handshaking))
	for stream := range n.handshaking {
		streams = append(streams, stream)
	}
	n.lk.Unlock()
	for _, pc := range conns {
		pc.close()
	}
	for _, stream := range streams {
		stream.Close()
	}

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// Spawn registers a new process running b and schedules its Init. It
// returns before Init does, see `Isolate.Initialized`.
func (n *Node) Spawn(b Behaviour) (PID, error) {
	if b == nil {
		return PID{}, errors.New("isolate: nil behaviour")
	}

	iso := newIsolate(n, VisibleID(n.config.newID()), b)

	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return PID{}, ErrNodeClosed
	}
	if !n.registry.add(iso) {
		n.lk.Unlock()
		return PID{}, fmt.Errorf("%w: %s", ErrIDConflict, iso.pid.vid)
	}
	count := n.registry.len()
	n.wg.Add(1)
	n.lk.Unlock()

	n.incr(MetricIsolateSpawnedCount)
	n.gauge(MetricIsolates, count)
	iso.logger.Debug("isolate spawned")

	go iso.runInit()
	return iso.pid, nil
}

// Call invokes method on target and returns its result.
//
// Local processes are invoked synchronously. Remote calls wait at most
// timeout for the response, a zero timeout falls back to the one chosen
// with `WithCallTimeout`. A remote call which timed out may still complete
// on the remote node.
func (n *Node) Call(ctx context.Context, target Target, method string, timeout time.Duration, args ...any) (any, error) {
	iso, remote, err := n.resolve(target)
	if err != nil {
		return nil, err
	}
	if iso != nil {
		return iso.invoke(ctx, method, args)
	}

	if timeout == 0 {
		timeout = n.config.callTimeout
	}
	return n.callRemote(ctx, remote, method, timeout, args)
}

// Stop terminates target. For a remote process, it returns as soon as the
// request is sent.
func (n *Node) Stop(ctx context.Context, target Target) error {
	iso, remote, err := n.resolve(target)
	if err != nil {
		return err
	}
	if iso != nil {
		if !n.stopIsolate(iso, true) {
			return fmt.Errorf("%w: %s", ErrNoSuchProcess, iso.pid.vid)
		}
		return nil
	}

	pc, err := n.route(remote)
	if err != nil {
		return err
	}
	n.incr(MetricRemoteStopCount)
	return pc.send(&RemoteStop{Target: remote})
}

// Send delivers args to the Receive operation of target without waiting
// for it to be processed.
func (n *Node) Send(ctx context.Context, target Target, args ...any) error {
	iso, remote, err := n.resolve(target)
	if err != nil {
		return err
	}
	if iso != nil {
		return iso.receive(ctx, args)
	}

	pc, err := n.route(remote)
	if err != nil {
		return err
	}
	n.incr(MetricCastCount)
	return pc.send(&Cast{Target: remote, Args: args})
}

func (n *Node) ID() string {
	return n.id
}

// Addr is the address the node listens on, nil until started.
func (n *Node) Addr() net.Addr {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Lookup finds a local process by its visible id.
func (n *Node) Lookup(vid VisibleID) (PID, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	iso, has := n.registry.lookup(vid)
	if !has {
		return PID{}, false
	}
	return iso.pid, true
}

func (n *Node) LocalPIDs() []PID {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.registry.pids()
}

// Peers returns the sorted ids of the nodes we are connected to.
func (n *Node) Peers() []string {
	n.lk.Lock()
	defer n.lk.Unlock()
	peers := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	return peers
}

// PeerPIDs returns the processes nodeID announced when we connected,
// minus the ones it deregistered since.
func (n *Node) PeerPIDs(nodeID string) ([]PID, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	pc, has := n.peers[nodeID]
	if !has {
		return nil, false
	}
	pids := make([]PID, 0, len(pc.pids))
	for _, pid := range pc.pids {
		pids = append(pids, pid)
	}
	slices.SortFunc(pids, func(a, b PID) int {
		switch {
		case a.vid < b.vid:
			return -1
		case a.vid > b.vid:
			return 1
		}
		return 0
	})
	return pids, true
}

// PendingCalls is the number of remote calls awaiting a response.
func (n *Node) PendingCalls() int {
	n.lk.Lock()
	defer n.lk.Unlock()
	return len(n.pending)
}

// resolve returns either the local process target designates or the
// remote PID to route to.
func (n *Node) resolve(target Target) (*Isolate, PID, error) {
	var vid VisibleID
	switch t := target.(type) {
	case VisibleID:
		vid = t
	case PID:
		if t.nodeID != n.id {
			return nil, t, nil
		}
		vid = t.vid
	default:
		return nil, PID{}, fmt.Errorf("%w: invalid target %v", ErrNoSuchProcess, target)
	}

	n.lk.Lock()
	iso, has := n.registry.lookup(vid)
	n.lk.Unlock()
	if !has {
		return nil, PID{}, fmt.Errorf("%w: %s", ErrNoSuchProcess, vid)
	}
	return iso, PID{}, nil
}

func (n *Node) route(pid PID) (*peerConn, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return nil, ErrNodeClosed
	}
	pc, has := n.peers[pid.nodeID]
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, pid.nodeID)
	}
	return pc, nil
}

// stopIsolate returns false if iso was not registered anymore.
func (n *Node) stopIsolate(iso *Isolate, broadcast bool) bool {
	n.lk.Lock()
	removed := n.registry.remove(iso)
	count := n.registry.len()
	var peers []*peerConn
	if broadcast {
		peers = make([]*peerConn, 0, len(n.peers))
		for _, pc := range n.peers {
			peers = append(peers, pc)
		}
	}
	n.lk.Unlock()

	if !removed || !iso.markStopped() {
		return false
	}

	n.incr(MetricIsolateStoppedCount)
	n.gauge(MetricIsolates, count)
	iso.logger.Debug("isolate stopped")

	for _, pc := range peers {
		if err := pc.send(&Deregistered{Target: iso.pid}); err != nil {
			pc.logger.Debug("could not notify deregistration", LabelPID.L(iso.pid), LabelError.L(err))
		}
	}
	return true
}

func (n *Node) callRemote(ctx context.Context, pid PID, method string, timeout time.Duration, args []any) (any, error) {
	pc, err := n.route(pid)
	if err != nil {
		return nil, err
	}

	cid := n.config.newID()
	slot := make(chan *Response, 1)

	n.lk.Lock()
	n.pending[cid] = slot
	pendingCount := len(n.pending)
	n.lk.Unlock()
	n.gauge(MetricCallPending, pendingCount)
	defer n.discardSlot(cid)

	n.incr(MetricCallCount)
	start := time.Now()

	err = pc.send(&Call{
		Target:        pid,
		Method:        method,
		Args:          args,
		CorrelationID: cid,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		n.sample(MetricCallLatency, time.Since(start))
		if resp.Fault != nil {
			return nil, &RemoteError{
				Node:    pid.nodeID,
				Kind:    resp.Fault.Kind,
				Message: resp.Fault.Message,
			}
		}
		return resp.Result, nil
	case <-timer.C:
		n.incr(MetricCallTimeoutCount)
		return nil, fmt.Errorf("%w: %q on %s after %s", ErrCallTimeout, method, pid, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.shutdownCh:
		return nil, ErrNodeClosed
	}
}

func (n *Node) discardSlot(cid string) {
	n.lk.Lock()
	delete(n.pending, cid)
	pendingCount := len(n.pending)
	n.lk.Unlock()
	n.gauge(MetricCallPending, pendingCount)
}

// registerPeer makes pc the connection used to reach its peer. An older
// connection to the same peer keeps being serviced until it ends.
func (n *Node) registerPeer(pc *peerConn) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}

	if _, has := n.peers[pc.id]; has {
		pc.logger.Info("superseding an existing connection to peer")
	}
	n.peers[pc.id] = pc
	n.conns[pc] = struct{}{}
	n.wg.Add(1)

	n.incr(MetricPeerConnectedCount, LabelPerspective.M(pc.perspective.String()))
	n.gauge(MetricPeerConnections, len(n.peers))
	pc.logger.Info("peer connected")
	return nil
}

func (n *Node) dropPeer(pc *peerConn) {
	pc.close()

	n.lk.Lock()
	delete(n.conns, pc)
	if current, has := n.peers[pc.id]; has && current == pc {
		delete(n.peers, pc.id)
	}
	count := len(n.peers)
	n.lk.Unlock()

	n.incr(MetricPeerLostCount)
	n.gauge(MetricPeerConnections, count)
	pc.logger.Info("peer connection lost", LabelDuration.L(time.Since(pc.established)))
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	var backoff time.Duration
	for {
		stream, err := n.ln.Accept(n.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrShutdown) || n.ctx.Err() != nil {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			n.logger.Warn("accept failed, retrying", LabelError.L(err), "backoff", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
				continue
			case <-n.shutdownCh:
				timer.Stop()
				return
			}
		}
		backoff = 0

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			pc, err := n.handshake(stream, AcceptorPerspective)
			if err != nil {
				return
			}
			go n.serve(pc)
		}()
	}
}

// trackHandshake records a stream entering the Hello exchange. It fails
// once the node is shutting down.
func (n *Node) trackHandshake(stream transport.Stream) bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return false
	}
	n.handshaking[stream] = struct{}{}
	return true
}

func (n *Node) untrackHandshake(stream transport.Stream) {
	n.lk.Lock()
	delete(n.handshaking, stream)
	n.lk.Unlock()
}

// serve reads frames until the stream ends and dispatches each of them in
// its own goroutine.
func (n *Node) serve(pc *peerConn) {
	defer n.wg.Done()
	defer n.dropPeer(pc)

	for {
		buf, err := pc.reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && n.ctx.Err() == nil {
				pc.logger.Warn("connection lost", LabelError.L(fmt.Errorf("%w: %w", ErrConnectionLost, err)))
			}
			return
		}

		f, err := DecodeFrame(buf)
		if err != nil {
			n.incr(MetricFrameDecodeErrorCount)
			pc.logger.Warn("protocol violation: closing connection", LabelError.L(err))
			return
		}
		n.incr(MetricFrameInCount, LabelOpcode.M(f.Opcode().String()))

		n.wg.Add(1)
		go n.dispatch(pc, f)
	}
}

func (n *Node) dispatch(pc *peerConn, f Frame) {
	defer n.wg.Done()

	switch f := f.(type) {
	case *Hello:
		pc.logger.Warn("ignoring hello received after handshake")
	case *Call:
		n.handleCall(pc, f)
	case *Response:
		n.handleResponse(pc, f)
	case *Deregistered:
		n.lk.Lock()
		delete(pc.pids, f.Target.Key())
		n.lk.Unlock()
		pc.logger.Debug("peer deregistered a process", LabelPID.L(f.Target))
	case *RemoteStop:
		iso, has := n.lookupIsolate(f.Target.vid)
		if !has || !n.stopIsolate(iso, true) {
			pc.logger.Debug("remote stop of an unknown process", LabelPID.L(f.Target))
		}
	case *Cast:
		iso, has := n.lookupIsolate(f.Target.vid)
		if !has {
			pc.logger.Debug("cast to an unknown process", LabelPID.L(f.Target))
			return
		}
		if err := iso.receive(n.ctx, f.Args); err != nil {
			pc.logger.Debug("cast failed", LabelPID.L(f.Target), LabelError.L(err))
		}
	}
}

func (n *Node) lookupIsolate(vid VisibleID) (*Isolate, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.registry.lookup(vid)
}

func (n *Node) handleCall(pc *peerConn, call *Call) {
	var result any
	iso, has := n.lookupIsolate(call.Target.vid)
	err := fmt.Errorf("%w: %s", ErrNoSuchProcess, call.Target.vid)
	if has {
		result, err = iso.invoke(n.ctx, call.Method, call.Args)
	}

	resp := &Response{CorrelationID: call.CorrelationID, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Fault = &Fault{Kind: faultKindOf(err), Message: err.Error()}
	}

	err = pc.send(resp)
	if errors.Is(err, ErrEncode) || errors.Is(err, ErrTooLargeFrame) {
		err = pc.send(&Response{
			CorrelationID: call.CorrelationID,
			Fault: &Fault{
				Kind:    FaultApplication,
				Message: fmt.Sprintf("result of %q cannot be sent: %s", call.Method, err),
			},
		})
	}
	if err != nil {
		pc.logger.Debug(
			"could not answer call",
			LabelCorrelationID.L(call.CorrelationID),
			LabelMethod.L(call.Method),
			LabelError.L(err),
		)
	}
}

func (n *Node) handleResponse(pc *peerConn, resp *Response) {
	n.lk.Lock()
	slot, has := n.pending[resp.CorrelationID]
	delete(n.pending, resp.CorrelationID)
	n.lk.Unlock()

	if !has {
		n.incr(MetricResponseUnmatched)
		pc.logger.Debug("dropping unmatched response", LabelCorrelationID.L(resp.CorrelationID))
		return
	}
	slot <- resp
}

func (n *Node) labels(extra []metrics.Label) []metrics.Label {
	return slices.Concat(extra, n.config.metricLabels)
}

func (n *Node) incr(key []string, labels ...metrics.Label) {
	n.msink.IncrCounterWithLabels(key, 1.0, n.labels(labels))
}

func (n *Node) gauge(key []string, val int) {
	n.msink.SetGaugeWithLabels(key, float32(val), n.labels(nil))
}

func (n *Node) sample(key []string, d time.Duration) {
	n.msink.AddSampleWithLabels(key, float32(d.Seconds()*1000), n.labels(nil))
}
