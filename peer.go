package bus

import "fmt"

// PeerKind discriminates the tagged union of peer identities a connection
// can carry. Structurally, only one of the associated fields in Peer is
// meaningful for a given Kind, forbidding illegal combinations the way
// spec.md §9 recommends for a tagged-union peer.
type PeerKind uint8

const (
	// PeerNone: no socket is owned, or the connection just closed.
	PeerNone PeerKind = iota
	// PeerUnknown: accepted but no header has been validated yet.
	PeerUnknown
	// PeerClient: identified via a `request` command's client id.
	PeerClient
	// PeerReplica: identified via any non-`request` command's replica index.
	PeerReplica
)

func (k PeerKind) String() string {
	switch k {
	case PeerNone:
		return "none"
	case PeerUnknown:
		return "unknown"
	case PeerClient:
		return "client"
	case PeerReplica:
		return "replica"
	default:
		return "invalid"
	}
}

// Peer identifies the counterparty on a Connection.
type Peer struct {
	Kind       PeerKind
	ClientID   [16]byte // meaningful only when Kind == PeerClient
	ReplicaIdx uint16   // meaningful only when Kind == PeerReplica
}

// NonePeer returns the zero peer tag.
func NonePeer() Peer { return Peer{Kind: PeerNone} }

// UnknownPeer returns the peer tag for a freshly accepted, unidentified
// connection.
func UnknownPeer() Peer { return Peer{Kind: PeerUnknown} }

// ClientPeer returns the peer tag for a client identified by id.
func ClientPeer(id [16]byte) Peer { return Peer{Kind: PeerClient, ClientID: id} }

// ReplicaPeer returns the peer tag for a replica identified by index.
func ReplicaPeer(idx uint16) Peer { return Peer{Kind: PeerReplica, ReplicaIdx: idx} }

// String renders the peer for logs, e.g. "replica{2}" or "client{...}".
func (p Peer) String() string {
	switch p.Kind {
	case PeerClient:
		return fmt.Sprintf("client{%x}", p.ClientID)
	case PeerReplica:
		return fmt.Sprintf("replica{%d}", p.ReplicaIdx)
	default:
		return p.Kind.String()
	}
}

// Equal reports whether two peer tags identify the same counterparty.
func (p Peer) Equal(other Peer) bool {
	if p.Kind != other.Kind {
		return false
	}
	switch p.Kind {
	case PeerClient:
		return p.ClientID == other.ClientID
	case PeerReplica:
		return p.ReplicaIdx == other.ReplicaIdx
	default:
		return true
	}
}
