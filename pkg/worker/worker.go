package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/fluxq/pkg/api"
)

// Status is the lifecycle state of a Worker.
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusFinished   Status = "finished"
)

// ProcessFunc executes one batch. It runs on its own goroutine.
//
// Returning completes every task still waiting: a nil error finishes them
// with result, a non-nil error fails them. Tasks can also be resolved
// individually through the Batch before returning.
type ProcessFunc func(ctx context.Context, b *Batch) (result any, err error)

// Optional capabilities of a control value registered with Batch.SetControl.
type (
	Pauser   interface{ Pause() }
	Resumer  interface{ Resume() }
	Canceler interface{ Cancel() }
	Aborter  interface{ Abort() }
)

// Listener receives a Worker's events. Calls for one worker are serialized
// and must not call back into that worker.
type Listener interface {
	OnTaskFinish(w *Worker, taskID string, result any)
	OnTaskFailed(w *Worker, taskID string, err error)
	OnTaskProgress(w *Worker, taskID string, p api.Progress)
	OnProgress(w *Worker, p api.Progress)
	// OnEnd fires exactly once. err is the whole-batch failure, or nil
	// when the batch finished.
	OnEnd(w *Worker, err error)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnTaskFinish(*Worker, string, any)            {}
func (NopListener) OnTaskFailed(*Worker, string, error)          {}
func (NopListener) OnTaskProgress(*Worker, string, api.Progress) {}
func (NopListener) OnProgress(*Worker, api.Progress)             {}
func (NopListener) OnEnd(*Worker, error)                         {}

// Config describes the batch a Worker executes.
type Config struct {
	// LockID is the store lock held for Tasks.
	LockID string
	Tasks  []api.Task

	// Single makes Batch.Input return the lone payload instead of a slice.
	Single bool

	// FailOnPanic converts a panicking ProcessFunc into a batch failure.
	// When false the panic is not recovered.
	FailOnPanic bool

	// Timeout fails the batch with api.ErrTimedOut when it is still in
	// progress after this long. Zero disables it.
	Timeout time.Duration

	Clock clockwork.Clock
}

// Counts summarizes task outcomes within a batch.
type Counts struct {
	Finished  int
	Failed    int
	Completed int
	Total     int
}

// Worker owns exactly one dispatched batch.
type Worker struct {
	cfg      Config
	process  ProcessFunc
	listener Listener
	clock    clockwork.Clock

	// op serializes state changes with their listener calls.
	op sync.Mutex

	mu        sync.Mutex
	status    Status
	active    bool
	ended     bool
	cancelled bool
	waiting   []bool
	taskPct   []float64
	counts    Counts
	progress  api.Progress
	control   any
	startedAt time.Time
	endErr    error
	stop      context.CancelFunc
	timer     clockwork.Timer
	done      chan struct{}
}

// New creates a Worker in StatusReady. A nil listener is allowed.
func New(process ProcessFunc, cfg Config, l Listener) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if l == nil {
		l = NopListener{}
	}
	n := len(cfg.Tasks)
	return &Worker{
		cfg:      cfg,
		process:  process,
		listener: l,
		clock:    cfg.Clock,
		status:   StatusReady,
		waiting:  make([]bool, n),
		taskPct:  make([]float64, n),
		counts:   Counts{Total: n},
		done:     make(chan struct{}),
	}
}

// LockID returns the store lock of the batch.
func (w *Worker) LockID() string { return w.cfg.LockID }

// Tasks returns the tasks of the batch.
func (w *Worker) Tasks() []api.Task { return append([]api.Task(nil), w.cfg.Tasks...) }

// Start invokes the ProcessFunc on a new goroutine. It is a no-op if the
// worker was already started or has ended.
func (w *Worker) Start(ctx context.Context) {
	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	if w.active || w.ended {
		w.mu.Unlock()
		return
	}
	runCtx, stop := context.WithCancel(ctx)
	w.active = true
	w.status = StatusInProgress
	w.startedAt = w.clock.Now()
	w.stop = stop
	for i := range w.waiting {
		w.waiting[i] = true
	}
	if w.cfg.Timeout > 0 {
		w.timer = w.clock.AfterFunc(w.cfg.Timeout, w.timeout)
	}
	w.mu.Unlock()

	go w.run(runCtx)
}

func (w *Worker) run(ctx context.Context) {
	result, err := w.invoke(ctx)
	if err != nil {
		w.FailBatch(err)
		return
	}
	w.FinishBatch(result)
}

func (w *Worker) invoke(ctx context.Context) (result any, err error) {
	if w.cfg.FailOnPanic {
		defer func() {
			if r := recover(); r != nil {
				result, err = nil, &api.ProcessPanicError{Value: r}
			}
		}()
	}
	return w.process(ctx, &Batch{w: w})
}

func (w *Worker) timeout() {
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.FailBatch(api.ErrTimedOut)
}

// FinishTask resolves task i successfully. Repeated calls for a resolved
// task are no-ops.
func (w *Worker) FinishTask(i int, result any) {
	w.op.Lock()
	defer w.op.Unlock()
	w.resolve(i, result, nil)
	w.endIfComplete()
}

// FailTask resolves task i with err. Repeated calls for a resolved task
// are no-ops.
func (w *Worker) FailTask(i int, err error) {
	w.op.Lock()
	defer w.op.Unlock()
	w.resolve(i, nil, err)
	w.endIfComplete()
}

// FinishBatch finishes every task still waiting, then ends the batch.
func (w *Worker) FinishBatch(result any) {
	w.op.Lock()
	defer w.op.Unlock()
	for i := range w.cfg.Tasks {
		w.resolve(i, result, nil)
	}
	w.end(nil)
}

// FailBatch fails every task still waiting with err, then ends the batch.
func (w *Worker) FailBatch(err error) {
	w.op.Lock()
	defer w.op.Unlock()
	for i := range w.cfg.Tasks {
		w.resolve(i, nil, err)
	}
	w.end(err)
}

// ProgressTask reports progress for task i while it is still waiting.
func (w *Worker) ProgressTask(i int, done, total float64, msg string) {
	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	if !w.isWaiting(i) {
		w.mu.Unlock()
		return
	}
	p, ok := api.NewProgress(done, total, w.clock.Since(w.startedAt), msg)
	if !ok {
		w.mu.Unlock()
		return
	}
	w.taskPct[i] = p.Pct
	taskID := w.cfg.Tasks[i].ID
	w.mu.Unlock()

	w.listener.OnTaskProgress(w, taskID, p)
	w.emitAggregate("")
}

// ProgressBatch reports progress for the batch as a whole.
func (w *Worker) ProgressBatch(done, total float64, msg string) {
	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	p, ok := api.NewProgress(done, total, w.clock.Since(w.startedAt), msg)
	if !ok {
		w.mu.Unlock()
		return
	}
	w.progress = p
	w.mu.Unlock()

	w.listener.OnProgress(w, p)
}

// Pause marks the worker paused and forwards to the control value.
func (w *Worker) Pause() {
	w.mu.Lock()
	if w.status != StatusInProgress {
		w.mu.Unlock()
		return
	}
	w.status = StatusPaused
	control := w.control
	w.mu.Unlock()

	if p, ok := control.(Pauser); ok {
		p.Pause()
	}
}

// Resume reverses Pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	if w.status != StatusPaused {
		w.mu.Unlock()
		return
	}
	w.status = StatusInProgress
	control := w.control
	w.mu.Unlock()

	if r, ok := control.(Resumer); ok {
		r.Resume()
	}
}

// Cancel cancels the ProcessFunc context, asks the control value to cancel
// and abort, and fails the batch with api.ErrCancelled. The underlying
// work may keep running if it ignores both.
func (w *Worker) Cancel() {
	w.mu.Lock()
	if w.ended || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	control := w.control
	stop := w.stop
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c, ok := control.(Canceler); ok {
		c.Cancel()
	}
	if a, ok := control.(Aborter); ok {
		a.Abort()
	}
	w.FailBatch(api.ErrCancelled)
}

// End terminates the batch without resolving waiting tasks. It is
// idempotent.
func (w *Worker) End() {
	w.op.Lock()
	defer w.op.Unlock()
	w.end(nil)
}

// Status returns the lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Counts returns task outcome counters.
func (w *Worker) Counts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts
}

// Progress returns the latest batch-level progress.
func (w *Worker) Progress() api.Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Cancelled reports whether Cancel was called.
func (w *Worker) Cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// Done is closed once the batch has ended.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the whole-batch failure, if any, after Done is closed.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endErr
}

func (w *Worker) setControl(c any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.control = c
}

// isWaiting must be called with mu held.
func (w *Worker) isWaiting(i int) bool {
	return w.active && i >= 0 && i < len(w.waiting) && w.waiting[i]
}

// resolve must be called with op held.
func (w *Worker) resolve(i int, result any, err error) {
	w.mu.Lock()
	if !w.isWaiting(i) {
		w.mu.Unlock()
		return
	}
	w.waiting[i] = false
	w.counts.Completed++
	if err != nil {
		w.counts.Failed++
	} else {
		w.counts.Finished++
	}
	taskID := w.cfg.Tasks[i].ID
	w.mu.Unlock()

	if err != nil {
		w.listener.OnTaskFailed(w, taskID, err)
	} else {
		w.listener.OnTaskFinish(w, taskID, result)
	}
	if len(w.cfg.Tasks) > 1 {
		w.emitAggregate("")
	}
}

func (w *Worker) endIfComplete() {
	w.mu.Lock()
	complete := w.active && w.counts.Completed == w.counts.Total
	w.mu.Unlock()
	if complete {
		w.end(nil)
	}
}

// emitAggregate rolls per-task percentages into batch progress. Resolved
// tasks count as done; waiting tasks contribute their last percentage.
func (w *Worker) emitAggregate(msg string) {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	done := float64(w.counts.Completed)
	for i, waiting := range w.waiting {
		if waiting {
			done += w.taskPct[i]
		}
	}
	p, ok := api.NewProgress(done, float64(w.counts.Total), w.clock.Since(w.startedAt), msg)
	if ok {
		w.progress = p
	}
	w.mu.Unlock()

	if ok {
		w.listener.OnProgress(w, p)
	}
}

// end must be called with op held.
func (w *Worker) end(err error) {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.ended = true
	w.active = false
	w.status = StatusFinished
	w.endErr = err
	if w.timer != nil {
		w.timer.Stop()
	}
	stop := w.stop
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
	w.listener.OnEnd(w, err)
	close(w.done)
}
