// Package constants holds compile-time sizing and timing constants for the
// message bus, shared between the root package and its internal helpers.
package constants

import "time"

// Wire layout constants.
const (
	// HeaderSize is the fixed size in bytes of every message header.
	HeaderSize = 128

	// ChecksumSize is the size in bytes of each truncated checksum field.
	ChecksumSize = 16

	// ProtocolVersion is the only version this bus accepts on the wire.
	ProtocolVersion = 1

	// MaxClusterReplicas bounds the replica array: NewMessageBus rejects an
	// address list longer than this.
	MaxClusterReplicas = 32
)

// Resource and pool capacity constants.
const (
	// SendQueueCapacity is the fixed capacity of each connection's outbound
	// send queue (spec: 3 messages).
	SendQueueCapacity = 3

	// SelfSendQueueCapacity is the fixed capacity of the bus's self-send
	// loopback queue.
	SelfSendQueueCapacity = 16

	// SectorSize is the alignment granularity for message buffers, chosen
	// so the same memory could later back unbuffered journal I/O.
	SectorSize = 512

	// ListenBacklog is the backlog passed to listen(2).
	ListenBacklog = 64
)

// Timing constants for the outer event loop.
const (
	// TickInterval is the default spacing between MessageBus.Tick calls
	// when driven by the bundled CLI harness rather than an embedding
	// event loop.
	TickInterval = 100 * time.Millisecond

	// AcceptPollInterval is the timeout the probe harness's bare event loop
	// passes to each Poll call; accepts themselves are only scheduled from
	// Tick.
	AcceptPollInterval = 10 * time.Millisecond
)
