package bus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/vrproto/bus/internal/constants"
)

// Field byte offsets within the 128-byte header, per spec.md §3.
const (
	offChecksum     = 0
	offChecksumBody = 16
	offParent       = 32
	offClient       = 48
	offContext      = 64
	offRequest      = 80
	offCluster      = 84
	offEpoch        = 88
	offView         = 92
	offOp           = 96
	offCommit       = 104
	offOffset       = 112
	offSize         = 120
	offReplica      = 124
	offCommand      = 125
	offOperation    = 126
	offVersion      = 127
)

// Command is the wire-level message type carried in a header's command
// byte. The full VR command set is large; this bus validates a named
// subset and passes the rest through with only the generic invariants
// checked.
type Command uint8

const (
	CommandReserved   Command = 0
	CommandRequest    Command = 1
	CommandPrepare    Command = 2
	CommandPrepareOK  Command = 3
	CommandCommit     Command = 4
	CommandPing       Command = 5
	CommandPong       Command = 6
)

func (c Command) String() string {
	switch c {
	case CommandReserved:
		return "reserved"
	case CommandRequest:
		return "request"
	case CommandPrepare:
		return "prepare"
	case CommandPrepareOK:
		return "prepare_ok"
	case CommandCommit:
		return "commit"
	case CommandPing:
		return "ping"
	case CommandPong:
		return "pong"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Operation is the client state-machine operation tag (distinct from
// Command, which is the wire message type).
type Operation uint8

const (
	OperationReserved Operation = 0
	OperationInit     Operation = 1
	OperationRegister Operation = 2
)

// Header is a live, aliased view over the first HeaderSize bytes of a
// Message's buffer. It owns no memory of its own; all reads and writes
// go directly through to the backing slice, exactly as spec.md §3
// describes ("the header is an aliased view over the first 128 bytes of
// the buffer").
type Header struct {
	buf []byte
}

// NewHeaderView wraps buf's first HeaderSize bytes as a Header. Panics if
// buf is shorter than HeaderSize, since a Message's buffer is always
// allocated at least that large.
func NewHeaderView(buf []byte) Header {
	if len(buf) < constants.HeaderSize {
		panic("bus: buffer too small for header view")
	}
	return Header{buf: buf[:constants.HeaderSize:constants.HeaderSize]}
}

func (h Header) Checksum() [16]byte     { return load16(h.buf, offChecksum) }
func (h Header) ChecksumBody() [16]byte { return load16(h.buf, offChecksumBody) }
func (h Header) Parent() [16]byte       { return load16(h.buf, offParent) }
func (h Header) Client() [16]byte       { return load16(h.buf, offClient) }
func (h Header) Context() [16]byte      { return load16(h.buf, offContext) }
func (h Header) Request() uint32        { return binary.LittleEndian.Uint32(h.buf[offRequest:]) }
func (h Header) Cluster() uint32        { return binary.LittleEndian.Uint32(h.buf[offCluster:]) }
func (h Header) Epoch() uint32          { return binary.LittleEndian.Uint32(h.buf[offEpoch:]) }
func (h Header) View() uint32           { return binary.LittleEndian.Uint32(h.buf[offView:]) }
func (h Header) Op() uint64             { return binary.LittleEndian.Uint64(h.buf[offOp:]) }
func (h Header) Commit() uint64         { return binary.LittleEndian.Uint64(h.buf[offCommit:]) }
func (h Header) Offset() uint64         { return binary.LittleEndian.Uint64(h.buf[offOffset:]) }
func (h Header) Size() uint32           { return binary.LittleEndian.Uint32(h.buf[offSize:]) }
func (h Header) Replica() uint8         { return h.buf[offReplica] }
func (h Header) Command() Command       { return Command(h.buf[offCommand]) }
func (h Header) Operation() Operation   { return Operation(h.buf[offOperation]) }
func (h Header) Version() uint8         { return h.buf[offVersion] }

func (h Header) SetChecksum(v [16]byte)     { store16(h.buf, offChecksum, v) }
func (h Header) SetChecksumBody(v [16]byte) { store16(h.buf, offChecksumBody, v) }
func (h Header) SetParent(v [16]byte)       { store16(h.buf, offParent, v) }
func (h Header) SetClient(v [16]byte)       { store16(h.buf, offClient, v) }
func (h Header) SetContext(v [16]byte)      { store16(h.buf, offContext, v) }
func (h Header) SetRequest(v uint32)        { binary.LittleEndian.PutUint32(h.buf[offRequest:], v) }
func (h Header) SetCluster(v uint32)        { binary.LittleEndian.PutUint32(h.buf[offCluster:], v) }
func (h Header) SetEpoch(v uint32)          { binary.LittleEndian.PutUint32(h.buf[offEpoch:], v) }
func (h Header) SetView(v uint32)           { binary.LittleEndian.PutUint32(h.buf[offView:], v) }
func (h Header) SetOp(v uint64)             { binary.LittleEndian.PutUint64(h.buf[offOp:], v) }
func (h Header) SetCommit(v uint64)         { binary.LittleEndian.PutUint64(h.buf[offCommit:], v) }
func (h Header) SetOffset(v uint64)         { binary.LittleEndian.PutUint64(h.buf[offOffset:], v) }
func (h Header) SetSize(v uint32)           { binary.LittleEndian.PutUint32(h.buf[offSize:], v) }
func (h Header) SetReplica(v uint8)         { h.buf[offReplica] = v }
func (h Header) SetCommand(v Command)       { h.buf[offCommand] = uint8(v) }
func (h Header) SetOperation(v Operation)   { h.buf[offOperation] = uint8(v) }
func (h Header) SetVersion(v uint8)         { h.buf[offVersion] = v }

// Bytes returns the raw 128-byte backing slice.
func (h Header) Bytes() []byte { return h.buf }

func load16(buf []byte, off int) [16]byte {
	var out [16]byte
	copy(out[:], buf[off:off+16])
	return out
}

func store16(buf []byte, off int, v [16]byte) {
	copy(buf[off:off+16], v[:])
}

// truncatedHash returns the low 128 bits of a sha256 digest of data, the
// checksum algorithm named in spec.md §3.
func truncatedHash(data []byte) [16]byte {
	sum := sha256.Sum256(data)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// ComputeBodyChecksum hashes body bytes for the checksum_body field.
func ComputeBodyChecksum(body []byte) [16]byte {
	return truncatedHash(body)
}

// ComputeHeaderChecksum hashes header bytes [16..128), which is why the
// body checksum must already be in place before this is called.
func ComputeHeaderChecksum(h Header) [16]byte {
	return truncatedHash(h.buf[16:constants.HeaderSize])
}

// SetChecksums computes and stores both checksums in the correct order:
// body checksum first (since the header checksum covers that field).
func SetChecksums(h Header, body []byte) {
	h.SetChecksumBody(ComputeBodyChecksum(body))
	h.SetChecksum(ComputeHeaderChecksum(h))
}

// ValidateHeaderChecksum reports whether the stored header checksum
// matches the bytes it covers.
func ValidateHeaderChecksum(h Header) bool {
	return h.Checksum() == ComputeHeaderChecksum(h)
}

// ValidateBodyChecksum reports whether the stored body checksum matches
// the given body bytes.
func ValidateBodyChecksum(h Header, body []byte) bool {
	return h.ChecksumBody() == ComputeBodyChecksum(body)
}

// ValidateInvariants checks the structural invariants that hold for every
// header regardless of command: size >= HeaderSize, epoch == 0, and
// version == ProtocolVersion.
func ValidateInvariants(h Header) error {
	if h.Size() < constants.HeaderSize {
		return NewError("validate_header", ErrCodeProtocolViolation,
			fmt.Sprintf("size %d below header size %d", h.Size(), constants.HeaderSize))
	}
	if h.Epoch() != 0 {
		return NewError("validate_header", ErrCodeProtocolViolation,
			fmt.Sprintf("epoch %d must be zero", h.Epoch()))
	}
	if h.Version() != constants.ProtocolVersion {
		return NewError("validate_header", ErrCodeProtocolViolation,
			fmt.Sprintf("version %d != protocol version %d", h.Version(), constants.ProtocolVersion))
	}
	return nil
}

var zero16 [16]byte

// ValidateCommand enforces per-command field invariants named in spec.md
// §3. Commands outside the explicitly named set only get the generic
// ValidateInvariants check.
func ValidateCommand(h Header) error {
	if err := ValidateInvariants(h); err != nil {
		return err
	}

	switch h.Command() {
	case CommandReserved:
		if h.Client() != zero16 || h.Op() != 0 || h.Commit() != 0 || h.Offset() != 0 || h.Replica() != 0 || h.Parent() != zero16 {
			return NewError("validate_command", ErrCodeProtocolViolation, "reserved command must have all zero fields")
		}
	case CommandRequest:
		if h.Client() == zero16 {
			return NewError("validate_command", ErrCodeProtocolViolation, "request must have non-zero client")
		}
		if h.Op() != 0 || h.Commit() != 0 || h.Offset() != 0 || h.Replica() != 0 || h.Parent() != zero16 {
			return NewError("validate_command", ErrCodeProtocolViolation, "request must have zero op/commit/offset/replica/parent")
		}
		if err := validateOperationFields(h); err != nil {
			return err
		}
	case CommandPrepare:
		if h.Client() == zero16 {
			return NewError("validate_command", ErrCodeProtocolViolation, "prepare must have non-zero client")
		}
		if err := validateOperationFields(h); err != nil {
			return err
		}
	case CommandPrepareOK:
		if h.Client() != zero16 {
			return NewError("validate_command", ErrCodeProtocolViolation, "prepare_ok must have zero client")
		}
	}
	return nil
}

// validateOperationFields enforces the register/non-register context and
// request rules spec.md §3 names: for operation == register, context and
// request must be zero; for any other operation, both must be non-zero.
func validateOperationFields(h Header) error {
	if h.Operation() == OperationRegister {
		if h.Context() != zero16 || h.Request() != 0 {
			return NewError("validate_command", ErrCodeProtocolViolation, "register operation must have zero context and request")
		}
		return nil
	}
	if h.Context() == zero16 || h.Request() == 0 {
		return NewError("validate_command", ErrCodeProtocolViolation, "non-register operation must have non-zero context and request")
	}
	return nil
}
