package bus

import (
	"github.com/vrproto/bus/internal/reactor"
)

// ConnState is the per-connection state machine's current state, per
// spec.md §4.9's state graph.
type ConnState uint8

const (
	StateIdle ConnState = iota
	StateAccepting
	StateConnecting
	StateConnected
	StateShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccepting:
		return "accepting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "invalid"
	}
}

// recvPhase tracks which half of the receive pipeline is in progress:
// reading the fixed-size header, or reading the header.Size()-128 body
// bytes that follow it.
type recvPhase uint8

const (
	phaseHeader recvPhase = iota
	phaseBody
)

// Connection is a per-socket state machine: it owns at most one fd, one
// receive pipeline, and one bounded send queue. It holds a non-owning
// back-reference to the owning bus (the bus array owns the connections;
// no ownership cycle results, per spec.md §9).
type Connection struct {
	bus   *MessageBus
	index int

	fd    int
	peer  Peer
	state ConnState

	recvComp reactor.Completion
	sendComp reactor.Completion

	recvPhase    recvPhase
	recvHeader   [HeaderSize]byte
	recvProgress uint32
	inMsg        *Message

	sendQueue    *RingBuffer
	sendProgress uint32
}

// newConnection constructs an idle connection slot at the given index
// within the bus's connections array.
func newConnection(b *MessageBus, index int) *Connection {
	return &Connection{
		bus:       b,
		index:     index,
		fd:        -1,
		peer:      NonePeer(),
		state:     StateIdle,
		sendQueue: NewRingBuffer(SendQueueCapacity),
	}
}

func (c *Connection) idle() bool { return c.state == StateIdle && c.peer.Kind == PeerNone }

// recvHeaderView returns a live Header view over the connection's scratch
// header buffer, used while the header phase of the receive pipeline is
// in progress.
func (c *Connection) recvHeaderView() Header {
	return NewHeaderView(c.recvHeader[:])
}

// startHeaderRecv resets the receive pipeline to the header phase and
// submits a recv for the full header.
func (c *Connection) startHeaderRecv() {
	c.recvPhase = phaseHeader
	c.recvProgress = 0
	c.inMsg = nil
	c.submitRecv()
}

func (c *Connection) submitRecv() {
	var target []byte
	if c.recvPhase == phaseHeader {
		target = c.recvHeader[c.recvProgress:HeaderSize]
	} else {
		target = c.inMsg.Buffer()[HeaderSize+c.recvProgress:]
	}
	if err := c.bus.submitter.Recv(&c.recvComp, c.fd, target, c.onRecv); err != nil {
		c.bus.logger.Warn("recv submit failed", "conn", c.index, "err", err)
	}
}

// onRecv is the recv completion callback, implementing spec.md §4.5.
func (c *Connection) onRecv(n int, err error) {
	if c.state == StateShuttingDown {
		c.maybeClose()
		return
	}
	if err != nil {
		c.bus.logger.Warn("recv error", "conn", c.index, "peer", c.peer.String(), "err", err)
		c.shutdown()
		return
	}
	if n == 0 {
		c.shutdown()
		return
	}

	c.bus.observer.ObserveRecv(n)
	c.recvProgress += uint32(n)

	target := uint32(HeaderSize)
	if c.recvPhase == phaseBody {
		target = c.inMsg.Header().Size() - HeaderSize
	}
	if c.recvProgress < target {
		c.submitRecv()
		return
	}

	if c.recvPhase == phaseHeader {
		c.handleHeaderComplete()
		return
	}
	c.handleBodyComplete()
}

func (c *Connection) handleHeaderComplete() {
	h := c.recvHeaderView()
	if !ValidateHeaderChecksum(h) {
		c.bus.observer.ObserveChecksumFailure("header")
		c.bus.logger.Warn("bad header checksum", "conn", c.index)
		c.shutdown()
		return
	}
	if err := ValidateCommand(h); err != nil {
		c.bus.logger.Warn("header invariant violation", "conn", c.index, "err", err)
		c.shutdown()
		return
	}

	switch c.peer.Kind {
	case PeerUnknown:
		if h.Cluster() != c.bus.clusterID {
			c.bus.logger.Warn("wrong cluster id", "conn", c.index, "got", h.Cluster(), "want", c.bus.clusterID)
			c.shutdown()
			return
		}
		if h.Command() == CommandRequest {
			c.peer = ClientPeer(h.Client())
		} else {
			c.peer = ReplicaPeer(uint16(h.Replica()))
			c.bus.onReplicaIdentified(uint16(h.Replica()), c)
		}
	case PeerClient:
		if h.Command() != CommandRequest {
			c.bus.logger.Warn("client peer sent non-request command", "conn", c.index, "command", h.Command())
			c.shutdown()
			return
		}
	case PeerReplica:
		if h.Command() == CommandRequest {
			c.bus.logger.Warn("replica peer sent request command", "conn", c.index)
			c.shutdown()
			return
		}
	}

	if c.state == StateShuttingDown {
		// Defensive guard: onReplicaIdentified shuts down only the older
		// connection for that replica, never this one, so this connection
		// is normally still live here.
		return
	}

	size := h.Size()
	m := NewMessage(size)
	copy(m.Buffer()[:HeaderSize], c.recvHeader[:])
	c.inMsg = m
	c.recvPhase = phaseBody
	c.recvProgress = 0

	if size == HeaderSize {
		c.handleBodyComplete()
		return
	}
	c.submitRecv()
}

func (c *Connection) handleBodyComplete() {
	m := c.inMsg
	if !ValidateBodyChecksum(m.Header(), m.Body()) {
		c.bus.observer.ObserveChecksumFailure("body")
		c.bus.logger.Warn("bad body checksum", "conn", c.index)
		m.releaseIfUnreferenced()
		c.shutdown()
		return
	}

	m.Ref()
	c.bus.sink.OnMessage(m)
	m.Unref()

	c.inMsg = nil
	c.startHeaderRecv()
}

// sendMessage implements spec.md §4.7's send_message: enqueue m and kick
// off transmission if the queue was previously empty.
func (c *Connection) sendMessage(m *Message) {
	if c.peer.Kind != PeerClient && c.peer.Kind != PeerReplica {
		panic("bus: sendMessage on a connection with no identified peer")
	}
	if c.state == StateShuttingDown {
		return
	}

	wasEmpty := c.sendQueue.Empty()
	m.Ref()
	if err := c.sendQueue.Push(m); err != nil {
		m.Unref()
		c.bus.observer.ObserveQueueDrop("send_queue_full")
		c.bus.logger.Notice("send queue full, dropping message", "conn", c.index, "peer", c.peer.String())
		return
	}
	if wasEmpty {
		c.send()
	}
}

// send submits the next chunk of the queue head's buffer, per spec.md
// §4.7.
func (c *Connection) send() {
	head := c.sendQueue.Peek()
	if head == nil {
		return
	}
	buf := head.Buffer()[c.sendProgress:head.Header().Size()]
	if err := c.bus.submitter.Send(&c.sendComp, c.fd, buf, c.onSend); err != nil {
		c.bus.logger.Warn("send submit failed", "conn", c.index, "err", err)
	}
}

func (c *Connection) onSend(n int, err error) {
	if c.state == StateShuttingDown {
		c.maybeClose()
		return
	}
	if err != nil {
		c.bus.logger.Warn("send error", "conn", c.index, "peer", c.peer.String(), "err", err)
		c.shutdown()
		return
	}

	c.bus.observer.ObserveSend(n)
	c.sendProgress += uint32(n)
	head := c.sendQueue.Peek()
	if head != nil && c.sendProgress == head.Header().Size() {
		c.sendQueue.Pop()
		head.Unref()
		c.sendProgress = 0
	}
	c.send()
}

// shutdown implements spec.md §4.8: half-close the socket, transition to
// shutting_down, and attempt an immediate close.
func (c *Connection) shutdown() {
	if c.state == StateShuttingDown {
		c.maybeClose()
		return
	}
	if err := c.bus.shutdownSocket(c.fd); err != nil && !isENOTCONN(err) {
		c.bus.logger.Warn("shutdown(2) failed", "conn", c.index, "err", err)
	}
	c.state = StateShuttingDown
	c.maybeClose()
}

// maybeClose implements spec.md §4.8: close only once neither completion
// slot has an outstanding operation.
func (c *Connection) maybeClose() {
	if c.recvComp.Armed() || c.sendComp.Armed() {
		return
	}
	c.sendQueue.DrainUnref()
	if err := c.bus.submitter.Close(&c.sendComp, c.fd, c.onClose); err != nil {
		c.bus.logger.Warn("close submit failed", "conn", c.index, "err", err)
	}
}

// onClose implements spec.md §4.8's deferred epilogue: clear the replica
// slot if it still points here, then reset the connection to idle.
func (c *Connection) onClose(err error) {
	if err != nil {
		c.bus.logger.Warn("close(2) failed", "conn", c.index, "err", err)
	}
	if c.peer.Kind == PeerReplica {
		c.bus.clearReplicaSlotIfOwned(c.peer.ReplicaIdx, c)
	}

	c.peer = NonePeer()
	c.state = StateIdle
	c.fd = -1
	c.recvPhase = phaseHeader
	c.recvProgress = 0
	c.inMsg = nil
	c.sendProgress = 0
	c.recvComp = reactor.Completion{}
	c.sendComp = reactor.Completion{}

	c.bus.observer.ObserveConnectionsUsed(c.bus.connectionsUsed())
}
