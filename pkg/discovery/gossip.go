// Package discovery finds dotp peers at runtime.
//
// `Gossip` joins a `hashicorp/memberlist` cluster in which every member
// advertises the address its node listens on for peer connections.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	ErrInvalidCfg  = errors.New("discovery: invalid options")
	ErrJoinCluster = errors.New("discovery: could not join cluster")
	ErrClosed      = errors.New("discovery: closed")
)

type Config struct {
	// Name of this member, it MUST be unique in the cluster. The node id
	// is a good fit.
	Name string
	// BindAddr and BindPort are where memberlist listens for gossip.
	BindAddr string
	BindPort int
	// RuntimeAddr is the `host:port` other members should dial to reach
	// our node.
	RuntimeAddr string
	// Seeds are gossip addresses of existing members.
	Seeds []string

	LogHandler   slog.Handler
	MetricLabels []metrics.Label
	// LeaveTimeout bounds how long Close waits for our departure to be
	// broadcast.
	LeaveTimeout time.Duration
}

// Gossip calls back once per member advertising a runtime address.
type Gossip struct {
	cfg    Config
	logger *slog.Logger
	ml     *memberlist.Memberlist

	lk      sync.Mutex
	seen    map[string]string
	pending []string
	notify  chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewGossip(cfg Config) (*Gossip, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: a member name is required", ErrInvalidCfg)
	}
	if cfg.RuntimeAddr == "" {
		return nil, fmt.Errorf("%w: a runtime address is required", ErrInvalidCfg)
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}

	g := &Gossip{
		cfg:     cfg,
		seen:    make(map[string]string),
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	g.logger = slog.New(handler).With("member", cfg.Name)

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.Name
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.ProbeTimeout = 2 * time.Second
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	mlCfg.Events = g
	mlCfg.Delegate = g

	// TODO(raskyld): Wait for the buildflag to always use the
	// hashicorp version so we don't need to do the translation.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.ml = ml
	return g, nil
}

// Run joins the seeds, then calls found for each member until ctx is
// done or Close is called. found is never called concurrently.
func (g *Gossip) Run(ctx context.Context, found func(addr string)) error {
	select {
	case <-g.closeCh:
		return ErrClosed
	default:
	}

	if len(g.cfg.Seeds) > 0 {
		joined, err := g.ml.Join(g.cfg.Seeds)
		if err != nil && joined == 0 {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		g.logger.Info("cluster joined")
		if joined != len(g.cfg.Seeds) {
			g.logger.Warn(
				"not all seeds are reachable",
				"joined", joined,
				"expected", len(g.cfg.Seeds),
			)
		}
	}

	for {
		g.lk.Lock()
		addrs := g.pending
		g.pending = nil
		g.lk.Unlock()

		for _, addr := range addrs {
			found(addr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.closeCh:
			return nil
		case <-g.notify:
		}
	}
}

// Members returns the runtime addresses currently known, ours excluded.
func (g *Gossip) Members() []string {
	var addrs []string
	for _, node := range g.ml.Members() {
		if node.Name != g.cfg.Name && len(node.Meta) > 0 {
			addrs = append(addrs, string(node.Meta))
		}
	}
	return addrs
}

func (g *Gossip) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.closeCh)
		if leaveErr := g.ml.Leave(g.cfg.LeaveTimeout); leaveErr != nil {
			g.logger.Warn("could not leave cluster gracefully", "error", leaveErr)
		}
		err = g.ml.Shutdown()
	})
	return err
}

func (g *Gossip) record(node *memberlist.Node) {
	if node.Name == g.cfg.Name || len(node.Meta) == 0 {
		return
	}

	addr := string(node.Meta)
	g.lk.Lock()
	if g.seen[node.Name] == addr {
		g.lk.Unlock()
		return
	}
	g.seen[node.Name] = addr
	g.pending = append(g.pending, addr)
	g.lk.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		"peer_name", node.Name,
		"peer_gossip_addr", node.Address(),
		"peer_addr", string(node.Meta),
	)
}

func (g *Gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("member joined cluster")
	g.record(node)
}

func (g *Gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("member left cluster")
}

func (g *Gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("member updated")
	g.record(node)
}

// NodeMeta advertises our runtime address.
func (g *Gossip) NodeMeta(limit int) []byte {
	meta := []byte(g.cfg.RuntimeAddr)
	if len(meta) > limit {
		g.logger.Error("runtime address does not fit in member metadata", "limit", limit)
		return nil
	}
	return meta
}

func (g *Gossip) NotifyMsg([]byte)                           {}
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *Gossip) LocalState(join bool) []byte                { return nil }
func (g *Gossip) MergeRemoteState(buf []byte, join bool)     {}
