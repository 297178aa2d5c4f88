package messaging

// Topic constants for hash lifecycle events
const (
	TopicHashSubmitted = "pool.hashes.submitted" // poold → consumers
	TopicHashResolved  = "pool.hashes.resolved"  // poold, validatord → consumers
	TopicBatchCycles   = "pool.batch.cycles"     // validatord → consumers
)

// Topics lists every topic the pool publishes to
var Topics = []string{TopicHashSubmitted, TopicHashResolved, TopicBatchCycles}
