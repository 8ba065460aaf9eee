package bus

import (
	"math/rand"
	"testing"
)

// TestPropertyReferenceConservation exercises invariant 3 from spec.md §8:
// for any message, the sum of refs minus unrefs always equals the current
// reference count, and the buffer is freed exactly once when it reaches
// zero. A random sequence of Ref/Unref calls is replayed against a plain
// counter and checked against Message.References() at every step.
func TestPropertyReferenceConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		m := NewMessage(HeaderSize)
		want := 0
		freed := false

		steps := rng.Intn(20) + 1
		for i := 0; i < steps; i++ {
			if freed {
				break
			}
			if want == 0 || rng.Intn(2) == 0 {
				m.Ref()
				want++
				continue
			}
			m.Unref()
			want--
			if want == 0 {
				freed = true
			}
		}

		if !freed {
			if m.References() != want {
				t.Fatalf("trial %d: References() = %d, want %d", trial, m.References(), want)
			}
			for ; want > 0; want-- {
				m.Unref()
			}
		}
	}
}

// TestPropertyReferenceConservationPanicsOnOverUnref exercises the other
// half of invariant 3: an Unref past zero is a programming error, not a
// silent no-op.
func TestPropertyReferenceConservationPanicsOnOverUnref(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for trial := 0; trial < 20; trial++ {
		m := NewMessage(HeaderSize)
		refs := rng.Intn(5)
		for i := 0; i < refs; i++ {
			m.Ref()
		}
		for i := 0; i < refs; i++ {
			m.Unref()
		}

		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("trial %d: Unref past zero references must panic", trial)
				}
			}()
			m.Unref()
		}()
	}
}

// TestPropertySingleOutstandingOperationPerCompletion exercises invariant
// 4: at most one operation may be outstanding through a given Completion
// at a time. A random interleaving of Arm/Disarm calls must never allow
// two arms to succeed without an intervening disarm.
func TestPropertySingleOutstandingOperationPerCompletion(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	conn := b.connections[0]
	conn.fd = sub.NextFD()
	conn.peer = UnknownPeer()
	conn.state = StateConnected

	armed := false
	for i := 0; i < 200; i++ {
		wantArm := rng.Intn(2) == 0
		if wantArm {
			err := conn.recvComp.Arm()
			if armed && err == nil {
				t.Fatalf("step %d: second Arm succeeded while already armed", i)
			}
			if !armed && err != nil {
				t.Fatalf("step %d: Arm failed on an idle completion: %v", i, err)
			}
			armed = true
		} else {
			conn.recvComp.Disarm()
			armed = false
		}
	}
}

// TestPropertyConnectionAccountingNeverExceedsPoolAndIsMonotonic
// exercises invariant 1: connectionsUsed() never exceeds the fixed
// connection pool size, and — since none of the accepted connections in
// this scenario ever finish their outstanding recv, so shutdown always
// defers rather than completing — it can only grow as repeated accepts
// fill idle slots, never shrink underneath us unexpectedly.
func TestPropertyConnectionAccountingNeverExceedsPoolAndIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	prevUsed := 0
	for step := 0; step < 100; step++ {
		switch rng.Intn(3) {
		case 0, 1:
			b.maybeAccept()
			if b.acceptConn != nil {
				sub.CompleteAccept(b.listenFD, sub.NextFD(), nil)
			}
		case 2:
			idx := rng.Intn(len(b.connections))
			c := b.connections[idx]
			if c.state == StateConnected && c.peer.Kind != PeerNone {
				c.shutdown()
			}
		}

		used := b.connectionsUsed()
		if used > len(b.connections) {
			t.Fatalf("step %d: connectionsUsed() = %d exceeds pool size %d", step, used, len(b.connections))
		}
		if used < prevUsed {
			t.Fatalf("step %d: connectionsUsed() dropped from %d to %d with no recv ever completing", step, prevUsed, used)
		}
		prevUsed = used
	}
}

// TestPropertyReplicaSlotConsistency exercises invariant 2: whenever
// replicas[r] points at a connection c, c.peer must be replica{r} and
// c.state must be one of connecting, connected, or shutting_down. A
// random sequence of identify/shutdown transitions is replayed across
// the two replica slots a three-connection bus has room for.
func TestPropertyReplicaSlotConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	sink := NewMockReplicaSink(0, 42)
	b, sub := newTestBus(t, sink)
	defer sink.Release()

	for step := 0; step < 150; step++ {
		r := uint16(rng.Intn(len(b.replicas)))
		switch rng.Intn(2) {
		case 0:
			idx := rng.Intn(len(b.connections))
			c := b.connections[idx]
			if c.peer.Kind == PeerNone {
				c.fd = sub.NextFD()
				c.peer = ReplicaPeer(r)
				c.state = StateConnected
				b.onReplicaIdentified(r, c)
			}
		case 1:
			if c := b.replicas[r]; c != nil && c.state != StateShuttingDown {
				// shutdown's onClose epilogue clears the slot itself once the
				// mock's synchronous Close fires (no recv/send outstanding).
				c.shutdown()
			}
		}

		for idx, c := range b.replicas {
			if c == nil {
				continue
			}
			wantPeer := ReplicaPeer(uint16(idx))
			if !c.peer.Equal(wantPeer) {
				t.Fatalf("step %d: replicas[%d].peer = %v, want %v", step, idx, c.peer, wantPeer)
			}
			if c.state != StateConnecting && c.state != StateConnected && c.state != StateShuttingDown {
				t.Fatalf("step %d: replicas[%d].state = %v, not in {connecting, connected, shutting_down}", step, idx, c.state)
			}
		}
	}
}

// TestPropertyInOrderDelivery exercises invariant 6: messages pushed to a
// ring buffer in order M1..Mn are popped in that same order, regardless
// of how many are pushed before the first pop.
func TestPropertyInOrderDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	for trial := 0; trial < 30; trial++ {
		capacity := rng.Intn(8) + 1
		rb := NewRingBuffer(capacity)

		n := rng.Intn(capacity) + 1
		want := make([]*Message, 0, n)
		for i := 0; i < n; i++ {
			m := NewMessage(HeaderSize)
			if err := rb.Push(m); err != nil {
				t.Fatalf("trial %d: push %d failed unexpectedly: %v", trial, i, err)
			}
			want = append(want, m)
		}

		for i, expect := range want {
			got := rb.Pop()
			if got != expect {
				t.Fatalf("trial %d: pop %d out of order", trial, i)
			}
		}
		if rb.Pop() != nil {
			t.Fatalf("trial %d: ring buffer not empty after draining all pushes", trial)
		}
	}
}
