package dotp

import (
	"fmt"
	"time"

	"github.com/raskyld/dotp/pkg/transport"
)

// handshake exchanges Hello frames on a fresh stream and registers the
// resulting connection. The acceptor speaks first, the dialer answers with
// the PIDs it hosts.
//
// On failure, the stream is closed and nothing is registered. Shutdown
// closes streams still mid-handshake.
func (n *Node) handshake(stream transport.Stream, perspective Perspective) (_ *peerConn, err error) {
	pc := newPeerConn(n, stream, perspective)
	defer func() {
		if err != nil {
			pc.close()
			n.incr(MetricHandshakeErrorCount, LabelPerspective.M(perspective.String()))
			pc.logger.Warn("handshake failed", LabelError.L(err))
		}
	}()

	if !n.trackHandshake(stream) {
		return nil, ErrNodeClosed
	}
	defer n.untrackHandshake(stream)

	deadline := time.Now().Add(n.config.handshakeTimeout)
	stream.SetReadDeadline(deadline)
	stream.SetWriteDeadline(deadline)

	var hello *Hello
	switch perspective {
	case AcceptorPerspective:
		if err = pc.writeHello(&Hello{Version: ProtocolVersion, NodeID: n.id}); err != nil {
			return nil, err
		}
		if hello, err = pc.readHello(); err != nil {
			return nil, err
		}
	case DialerPerspective:
		if hello, err = pc.readHello(); err != nil {
			return nil, err
		}

		n.lk.Lock()
		local := n.registry.pids()
		n.lk.Unlock()

		reply := &Hello{Version: ProtocolVersion, NodeID: n.id, PIDs: make([][]byte, 0, len(local))}
		for _, pid := range local {
			buf, err := pid.Encode()
			if err != nil {
				return nil, err
			}
			reply.PIDs = append(reply.PIDs, buf)
		}
		if err = pc.writeHello(reply); err != nil {
			return nil, err
		}
	}

	var pids []PID
	if pids, err = DecodePIDs(hello.PIDs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	stream.SetReadDeadline(time.Time{})
	stream.SetWriteDeadline(time.Time{})

	pc.id = hello.NodeID
	pc.established = time.Now()
	pc.logger = pc.logger.With(LabelPeerID.L(pc.id))
	for _, pid := range pids {
		pc.pids[pid.Key()] = pid
	}

	if err = n.registerPeer(pc); err != nil {
		return nil, err
	}

	n.incr(MetricHandshakeCount, LabelPerspective.M(perspective.String()))
	return pc, nil
}

func (pc *peerConn) writeHello(hello *Hello) error {
	buf, err := EncodeFrame(hello)
	if err != nil {
		return err
	}
	if err := transport.WriteFrame(pc.stream, buf, pc.node.config.maxFrameSize); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

func (pc *peerConn) readHello() (*Hello, error) {
	buf, err := pc.reader.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	f, err := DecodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	hello, ok := f.(*Hello)
	if !ok {
		return nil, fmt.Errorf("%w: expected hello, got %s", ErrProtocolViolation, f.Opcode())
	}
	if hello.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: peer speaks v%d, we speak v%d", ErrIncompatibleVersion, hello.Version, ProtocolVersion)
	}
	if hello.NodeID == pc.node.id {
		return nil, fmt.Errorf("%w: connected to ourselves", ErrProtocolViolation)
	}
	return hello, nil
}
