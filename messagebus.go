package bus

import (
	"fmt"
	"time"

	"github.com/vrproto/bus/internal/interfaces"
	"github.com/vrproto/bus/internal/reactor"
	"golang.org/x/sys/unix"
)

// Config carries everything MessageBus.Init needs: the cluster's address
// list, this node's own index into it, the cluster id every header must
// carry, the connection pool's fixed capacity, and the collaborators the
// bus treats as external per spec.md §1 (the I/O submitter and the
// replica sink).
type Config struct {
	Addresses      []string // host:port per replica index; len == replica count
	OwnIndex       uint16
	ClusterID      uint32
	NumConnections int // must exceed len(Addresses)

	Submitter reactor.Submitter
	Sink      interfaces.ReplicaSink
	Logger    interfaces.Logger
	Observer  interfaces.Observer
}

// MessageBus owns the listening socket, the fixed-capacity connection
// pool, the replica-index→connection map, and the self-send loopback
// queue, per spec.md §3's MessageBus data model.
type MessageBus struct {
	ownIndex  uint16
	clusterID uint32
	addresses []string

	submitter reactor.Submitter
	sink      interfaces.ReplicaSink
	logger    interfaces.Logger
	observer  interfaces.Observer

	listenFD int

	connections []*Connection
	replicas    []*Connection // indexed by replica index; nil == none

	acceptConn *Connection
	acceptComp reactor.Completion

	selfSendQueue *RingBuffer
	selfSendTimes []int64
}

// NewMessageBus constructs and initializes a bus per spec.md §4.3's init:
// binds and listens on this replica's own address, zeros the connection
// and replica arrays, and stores the sink reference. A fatal configuration
// error — replica count at or above connection capacity, more than
// MaxClusterReplicas addresses, or an out-of-range own index — is returned
// as an *Error with ErrCodeFatalConfig rather than a panic; the caller
// decides whether to abort.
func NewMessageBus(cfg Config) (*MessageBus, error) {
	if len(cfg.Addresses) > MaxClusterReplicas {
		return nil, NewError("init", ErrCodeFatalConfig,
			fmt.Sprintf("replica count %d exceeds maximum %d", len(cfg.Addresses), MaxClusterReplicas))
	}
	if cfg.NumConnections <= len(cfg.Addresses) {
		return nil, NewError("init", ErrCodeFatalConfig,
			fmt.Sprintf("num_connections %d must exceed replica count %d", cfg.NumConnections, len(cfg.Addresses)))
	}
	if int(cfg.OwnIndex) >= len(cfg.Addresses) {
		return nil, NewError("init", ErrCodeFatalConfig,
			fmt.Sprintf("own index %d out of range for %d addresses", cfg.OwnIndex, len(cfg.Addresses)))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	b := &MessageBus{
		ownIndex:      cfg.OwnIndex,
		clusterID:     cfg.ClusterID,
		addresses:     cfg.Addresses,
		submitter:     cfg.Submitter,
		sink:          cfg.Sink,
		logger:        logger,
		observer:      observer,
		listenFD:      -1,
		replicas:      make([]*Connection, len(cfg.Addresses)),
		selfSendQueue: NewRingBuffer(SelfSendQueueCapacity),
	}
	b.connections = make([]*Connection, cfg.NumConnections)
	for i := range b.connections {
		b.connections[i] = newConnection(b, i)
	}

	fd, err := listenOn(cfg.Addresses[cfg.OwnIndex])
	if err != nil {
		return nil, WrapError("init_listen", err)
	}
	b.listenFD = fd

	return b, nil
}

// listenOn binds and listens on addr with the socket options spec.md
// §4.3 names: SO_REUSEADDR, close-on-exec, stream socket, backlog 64.
func listenOn(addr string) (int, error) {
	sa, err := resolveIPv4(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// CreateMessage allocates a sector-aligned zeroed buffer of exactly size
// bytes and constructs a Message whose header aliases the first
// HeaderSize bytes, with references starting at zero, per spec.md §4.3.
func (b *MessageBus) CreateMessage(size uint32) *Message {
	return NewMessage(size)
}

// Tick drives one round of the outer event loop's schedule: attempt
// outbound connects to every higher-indexed replica lacking a designated
// connection, then attempt to accept one inbound connection, per spec.md
// §4.3.
func (b *MessageBus) Tick() {
	for r := b.ownIndex + 1; int(r) < len(b.addresses); r++ {
		b.connectToReplica(r)
	}
	b.maybeAccept()
}

// Deinit synchronously closes the listening socket and every connection
// with a live fd, per spec.md §4.3.
func (b *MessageBus) Deinit() {
	if b.listenFD >= 0 {
		unix.Close(b.listenFD)
		b.listenFD = -1
	}
	for _, c := range b.connections {
		if c.fd >= 0 {
			unix.Close(c.fd)
			c.fd = -1
		}
	}
}

// maybeAccept implements spec.md §4.4: reserve the first idle slot and
// submit an accept, unless one is already outstanding or the pool is
// full.
func (b *MessageBus) maybeAccept() {
	if b.acceptConn != nil {
		return
	}
	var slot *Connection
	for _, c := range b.connections {
		if c.idle() {
			slot = c
			break
		}
	}
	if slot == nil {
		return
	}

	slot.state = StateAccepting
	b.acceptConn = slot
	if err := b.submitter.Accept(&b.acceptComp, b.listenFD, b.onAccept); err != nil {
		slot.state = StateIdle
		b.acceptConn = nil
		b.logger.Warn("accept submit failed", "err", err)
	}
}

func (b *MessageBus) onAccept(fd int, err error) {
	slot := b.acceptConn
	b.acceptConn = nil

	if err != nil {
		slot.state = StateIdle
		b.observer.ObserveAccept(false)
		b.logger.Warn("accept failed", "err", err)
		return
	}

	slot.fd = fd
	slot.peer = UnknownPeer()
	slot.state = StateConnected
	b.observer.ObserveAccept(true)
	b.observer.ObserveConnectionsUsed(b.connectionsUsed())
	slot.startHeaderRecv()
}

// connectToReplica implements spec.md §4.4's connect_to_replica: find an
// idle slot to connect with, or evict a lower-priority peer to free one.
func (b *MessageBus) connectToReplica(r uint16) {
	if b.replicas[r] != nil {
		return
	}

	var idle *Connection
	shuttingDown := false
	for _, c := range b.connections {
		if c.idle() {
			idle = c
			break
		}
		if c.state == StateShuttingDown {
			shuttingDown = true
		}
	}

	if idle != nil {
		b.beginConnect(idle, r)
		return
	}
	if shuttingDown {
		return
	}

	var evictClient, evictUnknown *Connection
	for _, c := range b.connections {
		switch c.peer.Kind {
		case PeerClient:
			if evictClient == nil {
				evictClient = c
			}
		case PeerUnknown:
			if evictUnknown == nil {
				evictUnknown = c
			}
		}
	}
	victim := evictClient
	if victim == nil {
		victim = evictUnknown
	}
	if victim != nil {
		victim.shutdown()
	}
}

func (b *MessageBus) beginConnect(c *Connection, r uint16) {
	sa, err := resolveIPv4(b.addresses[r])
	if err != nil {
		b.logger.Warn("bad replica address", "replica", r, "err", err)
		return
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		b.logger.Warn("socket(2) failed", "replica", r, "err", err)
		return
	}

	c.fd = fd
	c.peer = ReplicaPeer(r)
	c.state = StateConnecting
	b.replicas[r] = c
	b.observer.ObserveConnectionsUsed(b.connectionsUsed())

	if err := b.submitter.Connect(&c.recvComp, fd, sa, func(connErr error) { b.onConnect(c, r, connErr) }); err != nil {
		b.logger.Warn("connect submit failed", "replica", r, "err", err)
	}
}

func (b *MessageBus) onConnect(c *Connection, r uint16, err error) {
	if err != nil {
		b.observer.ObserveConnect(r, false)
		b.logger.Warn("connect failed", "replica", r, "err", err)
		c.shutdown()
		return
	}
	b.observer.ObserveConnect(r, true)
	c.state = StateConnected
	c.startHeaderRecv()
}

// onReplicaIdentified implements spec.md §4.6's duplicate-connection
// preemption: the newly identified connection wins. The replica slot is
// overwritten before the older connection is shut down, so that old
// connection's own onClose epilogue sees it no longer owns the slot and
// does not clear the fresh publish.
func (b *MessageBus) onReplicaIdentified(r uint16, c *Connection) {
	old := b.replicas[r]
	b.replicas[r] = c
	if old != nil && old != c && old.state != StateShuttingDown {
		b.logger.Notice("preempting older replica connection", "replica", r)
		old.shutdown()
	}
}

// clearReplicaSlotIfOwned clears replicas[r] only if it still points at c,
// per spec.md §4.8's onClose epilogue — a newer connection may already
// have replaced it.
func (b *MessageBus) clearReplicaSlotIfOwned(r uint16, c *Connection) {
	if b.replicas[r] == c {
		b.replicas[r] = nil
	}
}

func (b *MessageBus) connectionsUsed() int {
	n := 0
	for _, c := range b.connections {
		if c.peer.Kind != PeerNone {
			n++
		}
	}
	return n
}

// SendHeaderToReplica implements spec.md §4.3's send_header_to_replica: a
// header-only message, checksummed, forwarded to the message-level send.
func (b *MessageBus) SendHeaderToReplica(r uint16, h Header) {
	m := b.buildHeaderMessage(h)
	b.SendMessageToReplica(r, m)
}

// SendHeaderToClient implements send_header_to_client analogously.
func (b *MessageBus) SendHeaderToClient(clientID [16]byte, h Header) {
	m := b.buildHeaderMessage(h)
	b.SendMessageToClient(clientID, m)
}

func (b *MessageBus) buildHeaderMessage(h Header) *Message {
	m := NewMessage(HeaderSize)
	copy(m.Buffer(), h.Bytes())
	m.Header().SetSize(HeaderSize)
	SetChecksums(m.Header(), m.Body())
	if m.References() != 0 {
		panic("bus: freshly built header message must start unreferenced")
	}
	return m
}

// SendMessageToReplica implements spec.md §4.3's send_message_to_replica:
// loop back through the self-send queue for r == own index, otherwise
// delegate to the designated connection or drop.
func (b *MessageBus) SendMessageToReplica(r uint16, m *Message) {
	if r == b.ownIndex {
		m.Ref()
		if err := b.selfSendQueue.Push(m); err != nil {
			m.Unref()
			b.observer.ObserveQueueDrop("self_send_full")
			b.logger.Notice("self-send queue full, dropping message")
			m.releaseIfUnreferenced()
			return
		}
		b.selfSendTimes = append(b.selfSendTimes, time.Now().UnixNano())
		m.releaseIfUnreferenced()
		return
	}

	c := b.replicas[r]
	if c == nil {
		b.logger.Debug("no connection for replica, dropping message", "replica", r)
		m.releaseIfUnreferenced()
		return
	}
	c.sendMessage(m)
	m.releaseIfUnreferenced()
}

// SendMessageToClient implements spec.md §4.3's send_message_to_client: a
// linear scan for the connection identified as that client. A TODO in the
// source this bus follows anticipates replacing the scan with a hash-map
// index; conformant either way per spec.md §9.
func (b *MessageBus) SendMessageToClient(clientID [16]byte, m *Message) {
	for _, c := range b.connections {
		if c.peer.Kind == PeerClient && c.peer.ClientID == clientID {
			c.sendMessage(m)
			m.releaseIfUnreferenced()
			return
		}
	}
	b.logger.Debug("no connection for client, dropping message")
	m.releaseIfUnreferenced()
}

// Flush implements spec.md §4.3's flush: atomically move the self-send
// queue aside, then drain the snapshot, delivering each message and
// unrefing it. Iterating a snapshot rather than the live queue prevents
// an infinite loop when on_message enqueues further self-messages.
func (b *MessageBus) Flush() {
	if b.selfSendQueue.Empty() {
		return
	}

	var snapshot []*Message
	var times []int64
	for !b.selfSendQueue.Empty() {
		snapshot = append(snapshot, b.selfSendQueue.Pop())
	}
	times, b.selfSendTimes = b.selfSendTimes, nil

	for i, m := range snapshot {
		if i < len(times) {
			b.observer.ObserveDelivery(time.Now().UnixNano() - times[i])
		}
		m.Ref()
		b.sink.OnMessage(m)
		m.Unref()
		m.Unref()
	}
}

// shutdownSocket issues a half-close, per spec.md §4.8.
func (b *MessageBus) shutdownSocket(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

func isENOTCONN(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == unix.ENOTCONN
}

// noopLogger is the bus's default logger when the caller supplies none.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any)  {}
func (noopLogger) Info(string, ...any)   {}
func (noopLogger) Notice(string, ...any) {}
func (noopLogger) Warn(string, ...any)   {}
func (noopLogger) Error(string, ...any)  {}

var _ interfaces.Logger = noopLogger{}
