package dotp

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFrameInCount          = []string{"dotp", "frame", "in", "count"}
	MetricFrameOutCount         = []string{"dotp", "frame", "out", "count"}
	MetricFrameDecodeErrorCount = []string{"dotp", "frame", "decode", "error", "count"}
	MetricFrameDropCount        = []string{"dotp", "frame", "drop", "count"}
	MetricHandshakeCount        = []string{"dotp", "handshake", "count"}
	MetricHandshakeErrorCount   = []string{"dotp", "handshake", "error", "count"}
	MetricPeerConnectedCount    = []string{"dotp", "peer", "connected", "count"}
	MetricPeerLostCount         = []string{"dotp", "peer", "lost", "count"}
	MetricPeerConnections       = []string{"dotp", "peer", "connections"}
	MetricCallCount             = []string{"dotp", "call", "count"}
	MetricCallTimeoutCount      = []string{"dotp", "call", "timeout", "count"}
	MetricCallLatency           = []string{"dotp", "call", "latency"}
	MetricCallPending           = []string{"dotp", "call", "pending"}
	MetricResponseUnmatched     = []string{"dotp", "response", "unmatched", "count"}
	MetricCastCount             = []string{"dotp", "cast", "count"}
	MetricRemoteStopCount       = []string{"dotp", "remote_stop", "count"}
	MetricIsolateSpawnedCount   = []string{"dotp", "isolate", "spawned", "count"}
	MetricIsolateStoppedCount   = []string{"dotp", "isolate", "stopped", "count"}
	MetricIsolateFailedCount    = []string{"dotp", "isolate", "failed", "count"}
	MetricIsolates              = []string{"dotp", "isolates"}
)

// TelemetryLabel is a key shared by logs and metrics.
type TelemetryLabel string

var (
	LabelNodeID        TelemetryLabel = "node_id"
	LabelPeerID        TelemetryLabel = "peer_id"
	LabelPeerAddr      TelemetryLabel = "peer_addr"
	LabelVisibleID     TelemetryLabel = "visible_id"
	LabelPID           TelemetryLabel = "pid"
	LabelMethod        TelemetryLabel = "method"
	LabelOpcode        TelemetryLabel = "opcode"
	LabelCorrelationID TelemetryLabel = "correlation_id"
	LabelError         TelemetryLabel = "error"
	LabelDuration      TelemetryLabel = "duration"
	LabelTransport     TelemetryLabel = "transport"
	LabelPerspective   TelemetryLabel = "perspective"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// Perspective tells which side of a peer connection we are.
type Perspective uint8

const (
	// AcceptorPerspective is the side which accepted the stream and
	// speaks first during the handshake.
	AcceptorPerspective Perspective = iota
	DialerPerspective
)

func (p Perspective) String() string {
	switch p {
	case AcceptorPerspective:
		return "acceptor"
	case DialerPerspective:
		return "dialer"
	default:
		return "unknown"
	}
}
