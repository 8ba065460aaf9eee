package bus

import "github.com/vrproto/bus/internal/constants"

// Re-exported constants for the public API.
const (
	HeaderSize            = constants.HeaderSize
	ChecksumSize          = constants.ChecksumSize
	ProtocolVersion       = constants.ProtocolVersion
	MaxClusterReplicas    = constants.MaxClusterReplicas
	SendQueueCapacity     = constants.SendQueueCapacity
	SelfSendQueueCapacity = constants.SelfSendQueueCapacity
	SectorSize            = constants.SectorSize
	ListenBacklog         = constants.ListenBacklog
)
