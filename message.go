package bus

import "github.com/vrproto/bus/internal/pool"

// Message owns a buffer sized to exactly header.Size() bytes, aligned (via
// the pool's bucketing) to a sector multiple. The header is an aliased
// view over the first HeaderSize bytes of the same buffer — there is no
// separate copy. Reference counting is single-threaded by design (spec.md
// §5: one callback runs at a time, no locks needed); freshly created
// messages start at zero references and must be referenced before being
// enqueued anywhere.
type Message struct {
	buf        []byte
	header     Header
	references int
	pooled     bool
}

// NewMessage allocates a zeroed message buffer of exactly size bytes and
// aliases its header. References start at zero.
func NewMessage(size uint32) *Message {
	buf, pooled := pool.Get(size)
	m := &Message{buf: buf, pooled: pooled}
	m.header = NewHeaderView(m.buf)
	m.header.SetSize(size)
	return m
}

// Header returns the message's aliased header view.
func (m *Message) Header() Header { return m.header }

// Body returns the bytes following the header.
func (m *Message) Body() []byte { return m.buf[HeaderSize:] }

// Buffer returns the full backing buffer (header + body).
func (m *Message) Buffer() []byte { return m.buf }

// References returns the current reference count, for tests and invariant
// checks.
func (m *Message) References() int { return m.references }

// Ref increments the message's reference count. Every holder (a send
// queue slot, an in-flight send, an in-flight OnMessage call) must hold
// exactly one reference.
func (m *Message) Ref() {
	m.references++
}

// Unref decrements the reference count, freeing the buffer back to the
// pool and releasing the message when it reaches zero. Unref on an
// already-zero message is a programming error and panics, since it would
// indicate a double-free.
func (m *Message) Unref() {
	if m.references <= 0 {
		panic("bus: Unref on message with no outstanding references")
	}
	m.references--
	if m.references == 0 {
		m.free()
	}
}

func (m *Message) free() {
	if m.pooled {
		pool.Put(m.buf)
	}
	m.buf = nil
	m.header = Header{}
}

// releaseIfUnreferenced frees a freshly created message that nothing ever
// took a reference to. This implements the "safer contract" spec.md §9
// discusses for send_header_to_*: those call sites assert references == 0
// immediately before attempting a message-level send, which itself
// increments on success; if the send attempt drops the message instead
// (queue full, no destination connection), this releases the buffer
// rather than leaking it.
func (m *Message) releaseIfUnreferenced() {
	if m.references == 0 {
		m.free()
	}
}
