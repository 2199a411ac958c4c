// Package broker implements the in-process job-progress broker: a store of
// the latest merged state per job plus synchronous fan-out to subscribers.
// Storage is pluggable through the Store interface so multi-instance
// deployments can substitute an external backend.
package broker
