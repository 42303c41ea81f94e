package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives queue-level callbacks for logging and metrics.
//
// Callbacks are invoked from the engine's orchestration goroutine.
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay dispatch.
type Observer interface {
	// OnTaskAccepted is called when Push acknowledges an input.
	OnTaskAccepted(ctx context.Context, taskID string)

	// OnTaskQueued is called once the task is durably persisted.
	OnTaskQueued(ctx context.Context, taskID string)

	// OnTaskStarted is called when the task is handed to a worker.
	OnTaskStarted(ctx context.Context, taskID, lockID string)

	// OnTaskProgress is called for per-task progress reports.
	OnTaskProgress(ctx context.Context, taskID string, p Progress)

	// OnTaskFinished is called when a task completes successfully.
	OnTaskFinished(ctx context.Context, taskID string, result any, elapsed time.Duration)

	// OnTaskRetry is called when a failed task is scheduled for another attempt.
	// attempt is the number of failures so far.
	OnTaskRetry(ctx context.Context, taskID string, attempt int, err error)

	// OnTaskFailed is called when a task fails terminally.
	OnTaskFailed(ctx context.Context, taskID string, err error)

	// OnBatchStarted is called when a worker starts a locked batch.
	OnBatchStarted(ctx context.Context, lockID string, size int)

	// OnBatchProgress is called for aggregate batch progress reports.
	OnBatchProgress(ctx context.Context, lockID string, p Progress)

	// OnBatchEnded is called once per batch after every task resolved.
	// err is nil when the process function finished the batch.
	OnBatchEnded(ctx context.Context, lockID string, err error)

	// OnDrain is called when the pending length first reaches zero.
	OnDrain(ctx context.Context)

	// OnEmpty is called when nothing is pending or in flight.
	OnEmpty(ctx context.Context)

	// OnError is called for fatal engine errors (store connection, configuration).
	OnError(ctx context.Context, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured, and can be
// embedded to implement only a subset of callbacks.
type NoopObserver struct{}

func (NoopObserver) OnTaskAccepted(ctx context.Context, taskID string)                {}
func (NoopObserver) OnTaskQueued(ctx context.Context, taskID string)                  {}
func (NoopObserver) OnTaskStarted(ctx context.Context, taskID, lockID string)         {}
func (NoopObserver) OnTaskProgress(ctx context.Context, taskID string, p Progress)    {}
func (NoopObserver) OnTaskRetry(ctx context.Context, taskID string, n int, err error) {}
func (NoopObserver) OnTaskFailed(ctx context.Context, taskID string, err error)       {}
func (NoopObserver) OnTaskFinished(ctx context.Context, taskID string, result any, d time.Duration) {
}
func (NoopObserver) OnBatchStarted(ctx context.Context, lockID string, size int)    {}
func (NoopObserver) OnBatchProgress(ctx context.Context, lockID string, p Progress) {}
func (NoopObserver) OnBatchEnded(ctx context.Context, lockID string, err error)     {}
func (NoopObserver) OnDrain(ctx context.Context)                                    {}
func (NoopObserver) OnEmpty(ctx context.Context)                                    {}
func (NoopObserver) OnError(ctx context.Context, err error)                         {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskAccepted(ctx context.Context, taskID string) {
	for _, o := range c.observers {
		o.OnTaskAccepted(ctx, taskID)
	}
}

func (c *CompositeObserver) OnTaskQueued(ctx context.Context, taskID string) {
	for _, o := range c.observers {
		o.OnTaskQueued(ctx, taskID)
	}
}

func (c *CompositeObserver) OnTaskStarted(ctx context.Context, taskID, lockID string) {
	for _, o := range c.observers {
		o.OnTaskStarted(ctx, taskID, lockID)
	}
}

func (c *CompositeObserver) OnTaskProgress(ctx context.Context, taskID string, p Progress) {
	for _, o := range c.observers {
		o.OnTaskProgress(ctx, taskID, p)
	}
}

func (c *CompositeObserver) OnTaskFinished(ctx context.Context, taskID string, result any, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskFinished(ctx, taskID, result, d)
	}
}

func (c *CompositeObserver) OnTaskRetry(ctx context.Context, taskID string, attempt int, err error) {
	for _, o := range c.observers {
		o.OnTaskRetry(ctx, taskID, attempt, err)
	}
}

func (c *CompositeObserver) OnTaskFailed(ctx context.Context, taskID string, err error) {
	for _, o := range c.observers {
		o.OnTaskFailed(ctx, taskID, err)
	}
}

func (c *CompositeObserver) OnBatchStarted(ctx context.Context, lockID string, size int) {
	for _, o := range c.observers {
		o.OnBatchStarted(ctx, lockID, size)
	}
}

func (c *CompositeObserver) OnBatchProgress(ctx context.Context, lockID string, p Progress) {
	for _, o := range c.observers {
		o.OnBatchProgress(ctx, lockID, p)
	}
}

func (c *CompositeObserver) OnBatchEnded(ctx context.Context, lockID string, err error) {
	for _, o := range c.observers {
		o.OnBatchEnded(ctx, lockID, err)
	}
}

func (c *CompositeObserver) OnDrain(ctx context.Context) {
	for _, o := range c.observers {
		o.OnDrain(ctx)
	}
}

func (c *CompositeObserver) OnEmpty(ctx context.Context) {
	for _, o := range c.observers {
		o.OnEmpty(ctx)
	}
}

func (c *CompositeObserver) OnError(ctx context.Context, err error) {
	for _, o := range c.observers {
		o.OnError(ctx, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task and batch lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTaskAccepted(ctx context.Context, taskID string) {
	o.Logger.DebugContext(ctx, "task_accepted", slog.String("task_id", taskID))
}

func (o *LoggingObserver) OnTaskQueued(ctx context.Context, taskID string) {
	o.Logger.DebugContext(ctx, "task_queued", slog.String("task_id", taskID))
}

func (o *LoggingObserver) OnTaskStarted(ctx context.Context, taskID, lockID string) {
	o.Logger.DebugContext(ctx, "task_started",
		slog.String("task_id", taskID),
		slog.String("lock_id", lockID),
	)
}

func (o *LoggingObserver) OnTaskProgress(ctx context.Context, taskID string, p Progress) {
	o.Logger.DebugContext(ctx, "task_progress",
		slog.String("task_id", taskID),
		slog.Float64("pct", p.Pct),
		slog.String("eta", p.ETA),
	)
}

func (o *LoggingObserver) OnTaskFinished(ctx context.Context, taskID string, result any, d time.Duration) {
	o.Logger.InfoContext(ctx, "task_finish",
		slog.String("task_id", taskID),
		slog.Duration("elapsed", d),
	)
}

func (o *LoggingObserver) OnTaskRetry(ctx context.Context, taskID string, attempt int, err error) {
	o.Logger.WarnContext(ctx, "task_retry",
		slog.String("task_id", taskID),
		slog.Int("attempt", attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskFailed(ctx context.Context, taskID string, err error) {
	o.Logger.ErrorContext(ctx, "task_failed",
		slog.String("task_id", taskID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnBatchStarted(ctx context.Context, lockID string, size int) {
	o.Logger.DebugContext(ctx, "batch_started",
		slog.String("lock_id", lockID),
		slog.Int("size", size),
	)
}

func (o *LoggingObserver) OnBatchProgress(ctx context.Context, lockID string, p Progress) {
	o.Logger.DebugContext(ctx, "batch_progress",
		slog.String("lock_id", lockID),
		slog.Float64("pct", p.Pct),
		slog.String("eta", p.ETA),
	)
}

func (o *LoggingObserver) OnBatchEnded(ctx context.Context, lockID string, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "batch_end",
		slog.String("lock_id", lockID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDrain(ctx context.Context) {
	o.Logger.InfoContext(ctx, "drain")
}

func (o *LoggingObserver) OnEmpty(ctx context.Context) {
	o.Logger.InfoContext(ctx, "empty")
}

func (o *LoggingObserver) OnError(ctx context.Context, err error) {
	o.Logger.ErrorContext(ctx, "queue_error", slog.Any("error", err))
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksAccepted atomic.Int64
	tasksFinished atomic.Int64
	tasksFailed   atomic.Int64
	tasksRetried  atomic.Int64
	batches       atomic.Int64
	errors        atomic.Int64
	totalElapsed  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksAccepted int64
	TasksFinished int64
	TasksFailed   int64
	TasksRetried  int64
	Batches       int64
	Errors        int64

	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnTaskAccepted(ctx context.Context, taskID string) {
	m.tasksAccepted.Add(1)
}

func (m *BasicMetrics) OnTaskFinished(ctx context.Context, taskID string, result any, d time.Duration) {
	m.tasksFinished.Add(1)
	m.totalElapsed.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnTaskRetry(ctx context.Context, taskID string, attempt int, err error) {
	m.tasksRetried.Add(1)
}

func (m *BasicMetrics) OnTaskFailed(ctx context.Context, taskID string, err error) {
	m.tasksFailed.Add(1)
}

func (m *BasicMetrics) OnBatchStarted(ctx context.Context, lockID string, size int) {
	m.batches.Add(1)
}

func (m *BasicMetrics) OnError(ctx context.Context, err error) {
	m.errors.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	finished := m.tasksFinished.Load()
	totalNs := m.totalElapsed.Load()

	var avg time.Duration
	if finished > 0 {
		avg = time.Duration(totalNs / finished)
	}

	return BasicMetricsSnapshot{
		TasksAccepted:   m.tasksAccepted.Load(),
		TasksFinished:   finished,
		TasksFailed:     m.tasksFailed.Load(),
		TasksRetried:    m.tasksRetried.Load(),
		Batches:         m.batches.Load(),
		Errors:          m.errors.Load(),
		AvgTaskDuration: avg,
	}
}
