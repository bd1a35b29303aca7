package dotp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raskyld/dotp/pkg/transport"
)

// peerConn is one stream to another node, whichever side dialed it.
type peerConn struct {
	node        *Node
	id          string
	stream      transport.Stream
	reader      *transport.FrameReader
	perspective Perspective
	logger      *slog.Logger
	established time.Time

	// pids the peer announced during the handshake, minus the ones it
	// deregistered since. Guarded by the node lock.
	pids map[PIDKey]PID

	wlk       sync.Mutex
	closeOnce sync.Once
}

func newPeerConn(n *Node, stream transport.Stream, perspective Perspective) *peerConn {
	return &peerConn{
		node:        n,
		stream:      stream,
		reader:      transport.NewFrameReader(stream, n.config.maxFrameSize),
		perspective: perspective,
		pids:        make(map[PIDKey]PID),
		logger: n.logger.With(
			LabelPeerAddr.L(stream.RemoteAddr().String()),
			LabelPerspective.L(perspective.String()),
		),
	}
}

// send writes f to the peer.
//
// A write failing because the stream ended is a no-op, the connection is
// then removed by its receive loop. A write which does not complete within
// the send timeout closes the stream, since a partial frame may have been
// written.
func (pc *peerConn) send(f Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	pc.wlk.Lock()
	defer pc.wlk.Unlock()

	pc.stream.SetWriteDeadline(time.Now().Add(pc.node.config.sendTimeout))
	err = transport.WriteFrame(pc.stream, buf, pc.node.config.maxFrameSize)
	switch {
	case err == nil:
		pc.node.incr(MetricFrameOutCount, LabelOpcode.M(f.Opcode().String()))
		return nil
	case errors.Is(err, transport.ErrTooLargeFrame):
		return err
	case transport.IsTimeout(err):
		pc.logger.Warn("write timed out, closing connection", LabelOpcode.L(f.Opcode()))
		pc.close()
		return fmt.Errorf("%w: %s to %s", ErrSendTimeout, f.Opcode(), pc.id)
	default:
		pc.node.incr(MetricFrameDropCount, LabelOpcode.M(f.Opcode().String()))
		pc.logger.Debug("dropped frame on a broken stream", LabelOpcode.L(f.Opcode()), LabelError.L(err))
		pc.close()
		return nil
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		pc.stream.Close()
	})
}
