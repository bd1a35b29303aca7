package dotp

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/dotp/pkg/discovery"
	"github.com/stretchr/testify/require"
)

type staticDiscoverer struct {
	addrs []string
}

func (d staticDiscoverer) Run(ctx context.Context, found func(addr string)) error {
	for _, addr := range d.addrs {
		found(addr)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (staticDiscoverer) Close() error { return nil }

func TestDiscovery(t *testing.T) {
	ctx := context.Background()

	t.Run("when an address is discovered twice, it is dialed once", func(t *testing.T) {
		nodeA := newTestNode(t, "disc-a")
		require.NoError(t, nodeA.Start(ctx))
		addr := nodeA.Addr().String()

		nodeB := newTestNode(t, "disc-b", WithDiscoverer(staticDiscoverer{
			addrs: []string{addr, addr, addr},
		}))
		require.NoError(t, nodeB.Start(ctx))

		require.Eventually(t, func() bool {
			return len(nodeB.Peers()) == 1
		}, 5*time.Second, 50*time.Millisecond)

		nodeB.lk.Lock()
		conns := len(nodeB.conns)
		nodeB.lk.Unlock()
		require.Equal(t, 1, conns)
	})

	t.Run("when a configured peer is also discovered", func(t *testing.T) {
		nodeA := newTestNode(t, "disc-c")
		require.NoError(t, nodeA.Start(ctx))
		addr := nodeA.Addr().String()

		nodeB := newTestNode(t, "disc-d",
			WithPeers([]string{addr}),
			WithDiscoverer(staticDiscoverer{addrs: []string{addr}}),
		)
		require.NoError(t, nodeB.Start(ctx))
		require.Equal(t, []string{"disc-c"}, nodeB.Peers())

		time.Sleep(200 * time.Millisecond)
		nodeB.lk.Lock()
		conns := len(nodeB.conns)
		nodeB.lk.Unlock()
		require.Equal(t, 1, conns)
	})

	t.Run("when nodes find each other through gossip", func(t *testing.T) {
		gossipA, err := discovery.NewGossip(discovery.Config{
			Name:        "gossip-a",
			BindAddr:    "127.0.0.1",
			BindPort:    17956,
			RuntimeAddr: "127.0.0.1:17408",
			LogHandler:  testHandler("gossip-a"),
		})
		require.NoError(t, err)
		nodeA := newTestNode(t, "gossip-a",
			WithListenOn("127.0.0.1", 17408),
			WithDiscoverer(gossipA),
		)
		require.NoError(t, nodeA.Start(ctx))

		gossipB, err := discovery.NewGossip(discovery.Config{
			Name:        "gossip-b",
			BindAddr:    "127.0.0.1",
			BindPort:    17957,
			RuntimeAddr: "127.0.0.1:17409",
			Seeds:       []string{"127.0.0.1:17956"},
			LogHandler:  testHandler("gossip-b"),
		})
		require.NoError(t, err)
		nodeB := newTestNode(t, "gossip-b",
			WithListenOn("127.0.0.1", 17409),
			WithDiscoverer(gossipB),
		)
		require.NoError(t, nodeB.Start(ctx))

		pid, err := nodeA.Spawn(newEcho())
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(nodeA.Peers()) == 1 && len(nodeB.Peers()) == 1
		}, 10*time.Second, 100*time.Millisecond)

		res, err := nodeB.Call(ctx, pid, "ping", 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "pong", res)
	})
}
