package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vrproto/bus/internal/reactortest"
)

func TestMessageBusSelfSendLoopback(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, _ := newTestBus(t, sink)
	defer sink.Release()

	m := buildRequestMessage(42, [16]byte{7})
	b.SendMessageToReplica(b.ownIndex, m)
	require.False(t, b.selfSendQueue.Empty())

	b.Flush()
	require.Equal(t, 1, sink.Count())
	require.True(t, b.selfSendQueue.Empty())
}

func TestMessageBusSelfSendQueueOverflowDrops(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, _ := newTestBus(t, sink)
	defer sink.Release()

	for i := 0; i < SelfSendQueueCapacity; i++ {
		m := buildRequestMessage(42, [16]byte{byte(i)})
		b.SendMessageToReplica(b.ownIndex, m)
	}
	require.True(t, b.selfSendQueue.Full())

	overflow := buildRequestMessage(42, [16]byte{99})
	b.SendMessageToReplica(b.ownIndex, overflow)
	require.Equal(t, 0, overflow.References(), "dropped self-send message must be released")
	require.True(t, b.selfSendQueue.Full(), "queue must still hold exactly its capacity")
}

func TestMessageBusDuplicateReplicaConnectionPreemption(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	connA := b.connections[0]
	connA.fd = sub.NextFD()
	connA.peer = ReplicaPeer(1)
	connA.state = StateConnected
	b.onReplicaIdentified(1, connA)
	require.Equal(t, connA, b.replicas[1])

	connB := b.connections[1]
	connB.fd = sub.NextFD()
	connB.peer = ReplicaPeer(1)
	connB.state = StateConnected
	b.onReplicaIdentified(1, connB)

	require.Equal(t, connB, b.replicas[1], "the newer connection must win the replica slot")
	// The mock's Close fires synchronously with no outstanding I/O to wait
	// on, so connA runs all the way through its close epilogue here.
	require.True(t, connA.idle(), "the older connection must be fully torn down")
}

func TestMessageBusOnCloseDoesNotClobberNewerPublish(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	connA := b.connections[0]
	connA.fd = sub.NextFD()
	connA.peer = ReplicaPeer(1)
	connA.state = StateConnected
	connA.startHeaderRecv() // an outstanding recv defers connA's close

	b.onReplicaIdentified(1, connA)
	require.Equal(t, connA, b.replicas[1])

	connB := b.connections[1]
	connB.fd = sub.NextFD()
	connB.peer = ReplicaPeer(1)
	connB.state = StateConnected
	b.onReplicaIdentified(1, connB)

	require.Equal(t, connB, b.replicas[1])
	require.Equal(t, StateShuttingDown, connA.state, "connA waits for its outstanding recv before closing")
	require.NotContains(t, sub.ClosedFDs(), connA.fd)

	// The deferred recv now completes; connA's close epilogue must see it
	// no longer owns the replica slot and must not clobber connB.
	sub.CompleteRecv(connA.fd, make([]byte, HeaderSize), errSimulatedAbort)
	require.Contains(t, sub.ClosedFDs(), connA.fd)
	require.Equal(t, connB, b.replicas[1], "connA's close epilogue must not clobber connB's publish")
}

func TestMessageBusConnectToReplicaEvictsClientWhenPoolFull(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	for _, c := range b.connections {
		c.fd = sub.NextFD()
		c.peer = ClientPeer([16]byte{byte(c.index)})
		c.state = StateConnected
	}

	b.connectToReplica(1)

	// The mock's Close fires synchronously, so the evicted connection is
	// already back to idle by the time connectToReplica returns.
	idleCount := 0
	for _, c := range b.connections {
		if c.idle() {
			idleCount++
		}
	}
	require.Equal(t, 1, idleCount, "exactly one client connection must be evicted to free a slot")
}

func TestMessageBusSendMessageToClientScansConnections(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	clientID := [16]byte{5, 6, 7}
	conn := b.connections[0]
	conn.fd = sub.NextFD()
	conn.peer = ClientPeer(clientID)
	conn.state = StateConnected

	m := buildRequestMessage(42, clientID)
	b.SendMessageToClient(clientID, m)

	require.True(t, sub.HasPendingSend(conn.fd))
}

func TestMessageBusSendMessageToUnknownClientDrops(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, _ := newTestBus(t, sink)
	defer sink.Release()

	m := buildRequestMessage(42, [16]byte{1})
	b.SendMessageToClient([16]byte{1}, m)
	require.Equal(t, 0, m.References())
}

func TestMessageBusAcceptAssignsFirstIdleSlot(t *testing.T) {
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	b.maybeAccept()
	require.NotNil(t, b.acceptConn)
	require.Equal(t, StateAccepting, b.acceptConn.state)

	acceptedFD := sub.NextFD()
	sub.CompleteAccept(b.listenFD, acceptedFD, nil)

	require.Nil(t, b.acceptConn)
	var accepted *Connection
	for _, c := range b.connections {
		if c.fd == acceptedFD {
			accepted = c
		}
	}
	require.NotNil(t, accepted)
	require.Equal(t, StateConnected, accepted.state)
	require.Equal(t, PeerUnknown, accepted.peer.Kind)
	require.True(t, sub.HasPendingRecv(acceptedFD))
}

func TestMessageBusFatalConfigRejectsUndersizedPool(t *testing.T) {
	sub := reactortest.NewMockSubmitter()
	_, err := NewMessageBus(Config{
		Addresses:      []string{"127.0.0.1:0", "127.0.0.1:0"},
		OwnIndex:       0,
		ClusterID:      1,
		NumConnections: 2,
		Submitter:      sub,
		Sink:           NewMockReplicaSink(0, 1),
	})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeFatalConfig))
}

func TestMessageBusFatalConfigRejectsOutOfRangeIndex(t *testing.T) {
	sub := reactortest.NewMockSubmitter()
	_, err := NewMessageBus(Config{
		Addresses:      []string{"127.0.0.1:0"},
		OwnIndex:       5,
		ClusterID:      1,
		NumConnections: 3,
		Submitter:      sub,
		Sink:           NewMockReplicaSink(0, 1),
	})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeFatalConfig))
}
