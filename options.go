package dotp

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dotp/pkg/transport"
)

const (
	DefaultListenAddr       = "0.0.0.0"
	DefaultListenPort       = 7398
	DefaultCallTimeout      = 15 * time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultMaxFrameSize     = transport.DefaultMaxFrameSize
)

type config struct {
	listenAddr string
	listenPort int
	peers      []string
	nodeID     string

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	tr         transport.Transport
	discoverer Discoverer
	newID      func() string

	callTimeout      time.Duration
	sendTimeout      time.Duration
	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	maxFrameSize     int
}

func defaultConfig() config {
	return config{
		listenAddr:       DefaultListenAddr,
		listenPort:       DefaultListenPort,
		tr:               transport.TCP{},
		newID:            NewID,
		callTimeout:      DefaultCallTimeout,
		sendTimeout:      DefaultSendTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		dialTimeout:      DefaultDialTimeout,
		maxFrameSize:     DefaultMaxFrameSize,
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithListenOn specifies on which interface and port the node accepts
// peer connections. Port 0 picks an ephemeral port, see `Node.Addr`.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("port %d out of range", port)
		}
		c.listenAddr = addr
		c.listenPort = port
		return nil
	}
}

// WithPeers sets the `host:port` addresses dialed once on `Node.Start`.
func WithPeers(peers []string) Option {
	return func(c *config) error {
		c.peers = append([]string(nil), peers...)
		return nil
	}
}

// WithNodeID overrides the boot-time identity of the node. It MUST be
// unique among the nodes you connect together.
func WithNodeID(id string) Option {
	return func(c *config) error {
		if id == "" {
			return errors.New("node id cannot be empty")
		}
		c.nodeID = id
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTransport chose the byte-stream substrate, `transport.TCP` is used
// when unset.
func WithTransport(tr transport.Transport) Option {
	return func(c *config) error {
		if tr == nil {
			return errors.New("transport cannot be nil")
		}
		c.tr = tr
		return nil
	}
}

// WithDiscoverer feeds the addresses found by d to the same dial-once path
// as `WithPeers`.
func WithDiscoverer(d Discoverer) Option {
	return func(c *config) error {
		c.discoverer = d
		return nil
	}
}

// WithIDGenerator replaces the generator of node, visible and correlation
// ids. Generated ids MUST be globally unique.
func WithIDGenerator(gen func() string) Option {
	return func(c *config) error {
		if gen == nil {
			return errors.New("id generator cannot be nil")
		}
		c.newID = gen
		return nil
	}
}

// WithCallTimeout is the bound applied to remote calls made with a zero
// timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultCallTimeout
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithSendTimeout bounds how long writing one frame to a peer may take.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultSendTimeout
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithHandshakeTimeout bounds the Hello exchange of a new connection.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultHandshakeTimeout
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithMaxFrameSize bounds the size of a single frame, in both directions.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("max frame size %d is negative", size)
		}
		if size == 0 {
			size = DefaultMaxFrameSize
		}
		c.maxFrameSize = size
		return nil
	}
}
