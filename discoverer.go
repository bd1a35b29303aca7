package dotp

import (
	"context"
	"errors"
)

// Discoverer finds the addresses of peers at runtime, in addition to the
// ones given with `WithPeers`.
type Discoverer interface {
	// Run calls found for each address it discovers until ctx is done or
	// Close is called.
	Run(ctx context.Context, found func(addr string)) error
	Close() error
}

func (n *Node) runDiscovery() {
	defer n.wg.Done()
	err := n.config.discoverer.Run(n.ctx, n.discovered)
	if err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Warn("peer discovery stopped", LabelError.L(err))
	}
}

// discovered dials addr unless it was already dialed once, whatever the
// outcome of that attempt.
func (n *Node) discovered(addr string) {
	n.lk.Lock()
	if _, seen := n.dialed[addr]; seen || n.shutdown {
		n.lk.Unlock()
		return
	}
	n.dialed[addr] = struct{}{}
	n.wg.Add(1)
	n.lk.Unlock()

	go func() {
		defer n.wg.Done()
		if _, err := n.Connect(n.ctx, addr); err != nil {
			n.logger.Debug("could not connect to discovered peer", LabelPeerAddr.L(addr), LabelError.L(err))
		}
	}()
}
