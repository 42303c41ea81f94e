// Package fluxq provides an embeddable, store-backed task queue for Go.
//
// A Queue accepts inputs through Push, persists them in a pluggable Store,
// merges inputs that share an identity, and hands them in batches to a
// process function under a concurrency limit. It runs inside your process;
// durability comes from the store, not from a broker.
//
// # Core Concepts
//
//  1. Queue
//  2. Ticket
//  3. Batch
//  4. Store
//
// # Queue
//
// New builds a queue around a ProcessFunc and connects to its store in the
// background. Pushes made before the store is reachable are buffered and
// replayed once it is. The queue retries the connection with a constant
// delay and reports a fatal error through Observer.OnError once
// WithStoreRetries is exhausted.
//
// Dispatch respects, in order:
//   - Pause and Close
//   - the concurrency limit (WithConcurrent)
//   - an optional precondition (WithPrecondition, RateLimitPrecondition)
//   - the batch delay (WithBatchDelay), skipped once a full batch is waiting
//
// Tasks are taken highest priority first (WithPriority), oldest first among
// equals, or newest first with WithFilo.
//
// # Ticket
//
// Every Push returns a Ticket that moves through accepted, queued,
// in-progress and finally finished or failed. Inputs merged into the same
// task share its outcome: every ticket of a merged task sees the same
// result. Ticket.Wait blocks until the outcome is known.
//
// # Batch
//
// The ProcessFunc receives a Batch. With a batch size of one, Batch.Input
// returns the lone payload; otherwise it returns a []any. Returning from the
// function resolves every task still waiting. Tasks can also be resolved
// one at a time with Batch.FinishTask and Batch.FailTask, and progress is
// reported with Batch.Progress and Batch.TaskProgress.
//
// Failed tasks are retried up to WithRetries times after a delay. A batch
// that outlives WithMaxTimeout fails with ErrTimedOut and follows the same
// retry path.
//
// # Store
//
// Backends register themselves by name:
//
//   - "memory" (default, not durable)
//   - "sqlite"
//   - "postgres"
//   - "redis"
//   - "mongo"
//
// Select one with WithStore using the name, a StoreConfig, or a Store value
// built by one of the New*Store constructors. Batches locked by a process
// that died are resumed on the next connect unless WithAutoResume(false) is
// set.
//
// # Observability
//
// Queue-level events go to an Observer. LoggingObserver writes structured
// slog records, BasicMetrics keeps counters, TracingObserver emits
// OpenTelemetry spans, and CompositeObserver fans out to several of them.
package fluxq
