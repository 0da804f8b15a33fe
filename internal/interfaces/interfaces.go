// Package interfaces provides internal interface definitions for go-binder.
// These are separate from the public interfaces to avoid circular imports
// between the root package and internal packages.
package interfaces

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe: methods are called from dispatch
// goroutines on the hot path.
type Observer interface {
	ObserveTransaction(oneWay bool, latencyNs uint64, success bool)
	ObserveReply(latencyNs uint64, success bool)
	ObserveDeadReply()
	ObserveDeadBinder()
	ObserveSpawnLooper()
	ObserveQueueDepth(owner string, depth int)
}
