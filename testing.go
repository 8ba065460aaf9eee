package bus

import (
	"sync"

	"github.com/vrproto/bus/internal/interfaces"
)

// MockReplicaSink is a mock implementation of interfaces.ReplicaSink for
// testing. It tracks every delivered message for assertions, the way a
// call-tracking in-memory mock tracks read/write/flush calls against a
// buffer.
type MockReplicaSink struct {
	replicaIndex uint16
	clusterID    uint32

	mu       sync.Mutex
	messages []*Message
}

// NewMockReplicaSink creates a mock sink for replicaIndex in cluster
// clusterID.
func NewMockReplicaSink(replicaIndex uint16, clusterID uint32) *MockReplicaSink {
	return &MockReplicaSink{replicaIndex: replicaIndex, clusterID: clusterID}
}

// ReplicaIndex implements interfaces.ReplicaSink.
func (s *MockReplicaSink) ReplicaIndex() uint16 { return s.replicaIndex }

// ClusterID implements interfaces.ReplicaSink.
func (s *MockReplicaSink) ClusterID() uint32 { return s.clusterID }

// OnMessage implements interfaces.ReplicaSink. It takes its own reference
// so the message survives past the bus's own Unref, and records the
// delivery for the test to inspect later via Messages/Count.
func (s *MockReplicaSink) OnMessage(msg interfaces.Message) {
	m, ok := msg.(*Message)
	if !ok {
		panic("bus: MockReplicaSink.OnMessage received a non-*Message")
	}
	m.Ref()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Messages returns every message delivered so far, in delivery order.
func (s *MockReplicaSink) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Count returns the number of messages delivered so far.
func (s *MockReplicaSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Release drops this sink's own reference on every retained message and
// clears its log, for use in test teardown.
func (s *MockReplicaSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		m.Unref()
	}
	s.messages = nil
}

var _ interfaces.ReplicaSink = (*MockReplicaSink)(nil)
