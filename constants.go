package binder

import "github.com/binderkit/go-binder/internal/constants"

// Re-export constants for public API.
const (
	ProtocolVersion       = constants.ProtocolVersion
	DefaultQueueCapacity  = constants.DefaultQueueCapacity
	MaxTransactionSize    = constants.MaxTransactionSize
	CmdWordSize           = constants.CmdWordSize
)
