// Package api contains the contracts shared by the fluxq engine, its store
// backends, and its observers.
//
// Most users interact with the higher-level fluxq package, which re-exports
// selected types and helpers from this package. The api package is intended
// for store implementers, custom observers, and contributors extending the
// engine itself.
//
// # Stores
//
// A Store is the durable home of queued tasks. The engine treats it as the
// single source of ordering truth: it never reorders tasks itself beyond
// asking the store for "the next N eligible tasks". Stores provide:
//
//   - Connect, reporting how many tasks are already pending
//   - GetTask / PutTask / DeleteTask for pending tasks keyed by identity
//   - TakeFirstN (and optionally TakeLastN) to lock a batch for dispatch
//   - MarkDone to delete a finished lock
//   - GetRunningTasks to report locks orphaned by a previous process
//
// Optional capabilities are expressed as small interfaces (LastNTaker,
// Requeuer) that the engine discovers with a type assertion.
//
// Backends are selected either by passing a Store value directly or by name
// through the registry populated with RegisterStore at program start.
//
// # Observability
//
// The Observer interface receives queue-level lifecycle callbacks: task
// transitions, batch outcomes, drain/empty signals, and fatal errors.
// Ready-made implementations cover structured logging (log/slog), in-memory
// counters, and OpenTelemetry tracing, and can be combined with
// NewCompositeObserver.
package api
