// Package ports defines the interfaces between the orchestration core and
// its infrastructure adapters: event transport, durable storage, the task
// queue, the distributed lease behind leader election, task dispatch, and
// metrics. Application packages depend on these interfaces only; the
// concrete Redis and in-memory implementations live under pkg/adapters.
package ports
