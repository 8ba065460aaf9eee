package bus

import "testing"

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.AcceptsTotal != 0 {
		t.Errorf("expected 0 initial accepts, got %d", snap.AcceptsTotal)
	}

	m.recordAccept(true)
	m.recordAccept(false)
	m.recordConnect(true)
	m.recordRecv(1024)
	m.recordSend(512)
	m.recordChecksumFailure()
	m.recordQueueDrop()
	m.recordConnectionsUsed(3)

	snap = m.Snapshot()
	if snap.AcceptsTotal != 2 {
		t.Errorf("expected 2 accepts total, got %d", snap.AcceptsTotal)
	}
	if snap.AcceptsFailed != 1 {
		t.Errorf("expected 1 failed accept, got %d", snap.AcceptsFailed)
	}
	if snap.ConnectsTotal != 1 {
		t.Errorf("expected 1 connect, got %d", snap.ConnectsTotal)
	}
	if snap.ConnectsFailed != 0 {
		t.Errorf("expected 0 failed connects, got %d", snap.ConnectsFailed)
	}
	if snap.RecvBytes != 1024 {
		t.Errorf("expected 1024 recv bytes, got %d", snap.RecvBytes)
	}
	if snap.SendBytes != 512 {
		t.Errorf("expected 512 send bytes, got %d", snap.SendBytes)
	}
	if snap.ChecksumFailures != 1 {
		t.Errorf("expected 1 checksum failure, got %d", snap.ChecksumFailures)
	}
	if snap.QueueDrops != 1 {
		t.Errorf("expected 1 queue drop, got %d", snap.QueueDrops)
	}
	if snap.ConnectionsInUse != 3 {
		t.Errorf("expected 3 connections in use, got %d", snap.ConnectionsInUse)
	}
}

func TestMetricsDeliveryAverage(t *testing.T) {
	m := NewMetrics()

	m.recordDelivery(1_000_000) // 1ms
	m.recordDelivery(3_000_000) // 3ms

	snap := m.Snapshot()
	if snap.AvgDeliveryNs != 2_000_000 {
		t.Errorf("expected avg delivery 2ms, got %d ns", snap.AvgDeliveryNs)
	}
}

func TestMetricsDeliveryBuckets(t *testing.T) {
	m := NewMetrics()

	m.recordDelivery(500)        // falls in every bucket >= 1us
	m.recordDelivery(50_000_000) // falls only in buckets >= 100ms

	if m.DeliveryBuckets[0].Load() != 1 {
		t.Errorf("expected 1us bucket to hold exactly the 500ns delivery, got %d", m.DeliveryBuckets[0].Load())
	}
	if m.DeliveryBuckets[5].Load() != 2 {
		t.Errorf("expected 100ms bucket to hold both deliveries, got %d", m.DeliveryBuckets[5].Load())
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var o NoOpObserver
	o.ObserveAccept(true)
	o.ObserveConnect(1, false)
	o.ObserveRecv(10)
	o.ObserveSend(10)
	o.ObserveChecksumFailure("header")
	o.ObserveQueueDrop("full")
	o.ObserveDelivery(1000)
	o.ObserveConnectionsUsed(2)
}

func TestMetricsObserverForwarding(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveAccept(true)
	o.ObserveConnect(2, true)
	o.ObserveRecv(100)
	o.ObserveSend(200)
	o.ObserveChecksumFailure("body")
	o.ObserveQueueDrop("send_queue_full")
	o.ObserveDelivery(5000)
	o.ObserveConnectionsUsed(4)

	snap := m.Snapshot()
	if snap.AcceptsTotal != 1 {
		t.Errorf("expected 1 accept forwarded, got %d", snap.AcceptsTotal)
	}
	if snap.ConnectsTotal != 1 {
		t.Errorf("expected 1 connect forwarded, got %d", snap.ConnectsTotal)
	}
	if snap.RecvBytes != 100 {
		t.Errorf("expected 100 recv bytes forwarded, got %d", snap.RecvBytes)
	}
	if snap.SendBytes != 200 {
		t.Errorf("expected 200 send bytes forwarded, got %d", snap.SendBytes)
	}
	if snap.ChecksumFailures != 1 {
		t.Errorf("expected 1 checksum failure forwarded, got %d", snap.ChecksumFailures)
	}
	if snap.QueueDrops != 1 {
		t.Errorf("expected 1 queue drop forwarded, got %d", snap.QueueDrops)
	}
	if snap.ConnectionsInUse != 4 {
		t.Errorf("expected 4 connections in use forwarded, got %d", snap.ConnectionsInUse)
	}
}
