// +build integration

// Package integration drives several real MessageBus instances over
// localhost TCP sockets, each on its own EpollReactor, coordinated with
// golang.org/x/sync/errgroup the way a multi-replica cluster would run in
// production.
package integration

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	bus "github.com/vrproto/bus"
	"github.com/vrproto/bus/internal/reactor"
)

const (
	clusterID   = 0x7
	replicaAddr = "127.0.0.1:18791"
	clientAddr  = "127.0.0.1:18792"
	thirdAddr   = "127.0.0.1:18793"
)

// runReplica starts a bus for index own against addrs and drives its
// event loop (Tick/Poll/Flush) until ctx is canceled.
func runReplica(ctx context.Context, own uint16, addrs []string, sink *bus.MockReplicaSink) error {
	sub, err := reactor.NewEpollReactor()
	if err != nil {
		return err
	}

	b, err := bus.NewMessageBus(bus.Config{
		Addresses:      addrs,
		OwnIndex:       own,
		ClusterID:      clusterID,
		NumConnections: len(addrs) + 2,
		Submitter:      sub,
		Sink:           sink,
	})
	if err != nil {
		return err
	}
	defer b.Deinit()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Tick()
		default:
		}
		sub.Poll(2 * time.Millisecond)
		b.Flush()
	}
}

// TestIntegrationThreeReplicaClusterConnects brings up a three-node
// cluster, whose Ticks have each replica connect out to every
// higher-indexed one, runs it for 500ms, and checks that every event loop
// exits without error. It does not inspect which connections were made.
func TestIntegrationThreeReplicaClusterConnects(t *testing.T) {
	addrs := []string{replicaAddr, clientAddr, thirdAddr}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sinks := make([]*bus.MockReplicaSink, len(addrs))
	for i := range sinks {
		sinks[i] = bus.NewMockReplicaSink(uint16(i), clusterID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range addrs {
		i := i
		g.Go(func() error {
			return runReplica(gctx, uint16(i), addrs, sinks[i])
		})
	}

	// Give the cluster time to connect, then cancel and collect.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-gctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil {
		t.Fatalf("replica event loop returned an error: %v", err)
	}
}

// TestIntegrationCommitDelivery has replica 0 send a commit message to
// replica 1 and waits for replica 1's sink to observe the delivery.
func TestIntegrationCommitDelivery(t *testing.T) {
	addrs := []string{replicaAddr, clientAddr, thirdAddr}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sinks := make([]*bus.MockReplicaSink, len(addrs))
	for i := range sinks {
		sinks[i] = bus.NewMockReplicaSink(uint16(i), clusterID)
	}

	subs := make([]reactor.Submitter, len(addrs))
	buses := make([]*bus.MessageBus, len(addrs))
	for i := range addrs {
		sub, err := reactor.NewEpollReactor()
		if err != nil {
			t.Fatalf("reactor %d: %v", i, err)
		}
		subs[i] = sub
		b, err := bus.NewMessageBus(bus.Config{
			Addresses:      addrs,
			OwnIndex:       uint16(i),
			ClusterID:      clusterID,
			NumConnections: len(addrs) + 2,
			Submitter:      sub,
			Sink:           sinks[i],
		})
		if err != nil {
			t.Fatalf("bus %d: %v", i, err)
		}
		buses[i] = b
		defer b.Deinit()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range buses {
		i := i
		g.Go(func() error {
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					buses[i].Tick()
				default:
				}
				subs[i].Poll(2 * time.Millisecond)
				buses[i].Flush()
			}
		})
	}

	time.Sleep(200 * time.Millisecond) // let connects settle

	m := bus.NewMessage(bus.HeaderSize + 8)
	h := m.Header()
	h.SetCluster(clusterID)
	h.SetVersion(bus.ProtocolVersion)
	h.SetCommand(bus.CommandCommit)
	h.SetReplica(0)
	for i := range m.Body() {
		m.Body()[i] = byte(i + 1)
	}
	bus.SetChecksums(h, m.Body())

	buses[0].SendMessageToReplica(1, m)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sinks[1].Count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	g.Wait()

	if sinks[1].Count() == 0 {
		t.Fatal("replica 1 never observed the commit delivery")
	}
}
