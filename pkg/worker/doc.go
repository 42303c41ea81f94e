// Package worker executes one dispatched batch of tasks.
//
// A Worker is created by the queue for every batch it takes from the store,
// and lives until the batch ends. It invokes the user ProcessFunc exactly
// once on its own goroutine and tracks each task of the batch separately:
// tasks can be finished or failed individually through the Batch, and
// whatever is still waiting when the ProcessFunc returns is resolved with
// its return value.
//
// # Lifecycle
//
//	ready -> in-progress <-> paused -> finished
//
// Start and End are idempotent, and so is resolving the same task twice.
// End is the only path to finished and fires Listener.OnEnd exactly once.
//
// # Control
//
// A ProcessFunc that can be paused or stopped registers a control value with
// Batch.SetControl. The value may implement any subset of Pauser, Resumer,
// Canceler and Aborter; missing methods make the corresponding call a no-op.
// Cancel is cooperative: the ProcessFunc context is cancelled and the
// control value asked to stop, but the batch is failed with api.ErrCancelled
// immediately, whether or not the work actually stops.
//
// # Progress
//
// Task progress rolls up into batch progress. Resolved tasks count as
// complete; a waiting task contributes its last reported percentage.
package worker
