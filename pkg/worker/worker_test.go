package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq/pkg/api"
)

// recorder is a Listener that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	events   []string
	results  map[string]any
	errs     map[string]error
	progress []api.Progress
	ends     int
	endErr   error
}

func newRecorder() *recorder {
	return &recorder{results: map[string]any{}, errs: map[string]error{}}
}

func (r *recorder) OnTaskFinish(w *Worker, taskID string, result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "task_finish:"+taskID)
	r.results[taskID] = result
}

func (r *recorder) OnTaskFailed(w *Worker, taskID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "task_failed:"+taskID)
	r.errs[taskID] = err
}

func (r *recorder) OnTaskProgress(w *Worker, taskID string, p api.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "task_progress:"+taskID)
}

func (r *recorder) OnProgress(w *Worker, p api.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnEnd(w *Worker, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "end")
	r.ends++
	r.endErr = err
}

func tasks(ids ...string) []api.Task {
	out := make([]api.Task, len(ids))
	for i, id := range ids {
		out[i] = api.Task{ID: id, Payload: id + "-payload"}
	}
	return out
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %s did not end", w.LockID())
	}
}

func TestWorker_ReturnFinishesWaitingTasks(t *testing.T) {
	rec := newRecorder()
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		return "ok", nil
	}, Config{LockID: "l1", Tasks: tasks("a", "b")}, rec)

	assert.Equal(t, StatusReady, w.Status())
	w.Start(context.Background())
	waitDone(t, w)

	assert.Equal(t, []string{"task_finish:a", "task_finish:b", "end"}, rec.events)
	assert.Equal(t, "ok", rec.results["a"])
	assert.Equal(t, Counts{Finished: 2, Completed: 2, Total: 2}, w.Counts())
	assert.Equal(t, StatusFinished, w.Status())
	assert.NoError(t, w.Err())
	assert.Equal(t, 1, rec.ends)
}

func TestWorker_ErrorFailsWaitingTasks(t *testing.T) {
	rec := newRecorder()
	boom := errors.New("boom")
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		b.FinishTask(0, "first")
		return nil, boom
	}, Config{LockID: "l1", Tasks: tasks("a", "b")}, rec)

	w.Start(context.Background())
	waitDone(t, w)

	assert.Equal(t, "first", rec.results["a"])
	assert.ErrorIs(t, rec.errs["b"], boom)
	assert.ErrorIs(t, rec.endErr, boom)
	assert.Equal(t, Counts{Finished: 1, Failed: 1, Completed: 2, Total: 2}, w.Counts())
}

func TestWorker_TaskResolutionIsIdempotent(t *testing.T) {
	rec := newRecorder()
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		b.FinishTask(0, "a1")
		b.FinishTask(0, "a2")
		b.FailTask(0, errors.New("late"))
		b.FailTask(1, errors.New("nope"))
		b.FinishTask(1, "b")
		b.FinishTask(7, "out of range")
		return "ignored", nil
	}, Config{LockID: "l1", Tasks: tasks("a", "b")}, rec)

	w.Start(context.Background())
	waitDone(t, w)

	assert.Equal(t, []string{"task_finish:a", "task_failed:b", "end"}, rec.events)
	assert.Equal(t, "a1", rec.results["a"])
	assert.EqualError(t, rec.errs["b"], "nope")
	assert.Equal(t, 1, rec.ends)
}

func TestWorker_StartIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}, Config{LockID: "l1", Tasks: tasks("a")}, nil)

	w.Start(context.Background())
	w.Start(context.Background())
	close(release)
	waitDone(t, w)

	w.Start(context.Background())
	w.End()
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_PanicBecomesBatchFailure(t *testing.T) {
	rec := newRecorder()
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		panic("kaboom")
	}, Config{LockID: "l1", Tasks: tasks("a"), FailOnPanic: true}, rec)

	w.Start(context.Background())
	waitDone(t, w)

	var perr *api.ProcessPanicError
	require.ErrorAs(t, rec.errs["a"], &perr)
	assert.Equal(t, "kaboom", perr.Value)
}

func TestWorker_PanicPropagatesWithoutPolicy(t *testing.T) {
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		panic("kaboom")
	}, Config{LockID: "l1", Tasks: tasks("a")}, nil)

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = w.invoke(context.Background())
	})
}

func TestBatch_Input(t *testing.T) {
	single := New(nil, Config{Tasks: tasks("a"), Single: true}, nil)
	assert.Equal(t, "a-payload", (&Batch{w: single}).Input())

	multi := New(nil, Config{Tasks: tasks("a", "b")}, nil)
	b := &Batch{w: multi}
	assert.Equal(t, []any{"a-payload", "b-payload"}, b.Input())
	assert.Equal(t, 2, b.Len())
}

func TestWorker_ProgressAggregation(t *testing.T) {
	rec := newRecorder()
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		b.TaskProgress(0, 1, 2, "")
		b.FinishTask(0, nil)
		b.TaskProgress(0, 2, 2, "")
		b.TaskProgress(1, 1, 4, "")
		b.TaskProgress(1, 1, 0, "")
		return nil, nil
	}, Config{LockID: "l1", Tasks: tasks("a", "b")}, rec)

	w.Start(context.Background())
	waitDone(t, w)

	pcts := make([]float64, 0, len(rec.progress))
	for _, p := range rec.progress {
		pcts = append(pcts, p.Pct)
	}
	// a at 50%, a done, b at 25%, b done.
	require.Len(t, pcts, 4)
	assert.InDelta(t, 0.25, pcts[0], 1e-9)
	assert.InDelta(t, 0.5, pcts[1], 1e-9)
	assert.InDelta(t, 0.625, pcts[2], 1e-9)
	assert.InDelta(t, 1.0, pcts[3], 1e-9)
	assert.Equal(t, []string{"task_progress:a", "task_finish:a", "task_progress:b", "task_finish:b", "end"}, rec.events)
}

type control struct {
	mu     sync.Mutex
	called []string
}

func (c *control) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.called = append(c.called, name)
}

func (c *control) Pause()  { c.record("pause") }
func (c *control) Resume() { c.record("resume") }
func (c *control) Cancel() { c.record("cancel") }
func (c *control) Abort()  { c.record("abort") }

func TestWorker_ControlCallsAreForwarded(t *testing.T) {
	ctl := &control{}
	started := make(chan struct{})
	rec := newRecorder()
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		b.SetControl(ctl)
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, Config{LockID: "l1", Tasks: tasks("a", "b")}, rec)

	w.Start(context.Background())
	<-started

	w.Resume()
	w.Pause()
	assert.Equal(t, StatusPaused, w.Status())
	w.Pause()
	w.Resume()
	assert.Equal(t, StatusInProgress, w.Status())

	w.Cancel()
	waitDone(t, w)
	w.Cancel()

	assert.True(t, w.Cancelled())
	assert.Equal(t, []string{"pause", "resume", "cancel", "abort"}, ctl.called)
	assert.ErrorIs(t, rec.errs["a"], api.ErrCancelled)
	assert.ErrorIs(t, rec.errs["b"], api.ErrCancelled)
	assert.ErrorIs(t, w.Err(), api.ErrCancelled)
	assert.Equal(t, 1, rec.ends)
}

func TestWorker_CancelWithoutControl(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	w := New(func(ctx context.Context, b *Batch) (any, error) {
		<-release
		return "too late", nil
	}, Config{LockID: "l1", Tasks: tasks("a")}, rec)

	w.Start(context.Background())
	w.Pause()
	w.Cancel()
	waitDone(t, w)
	close(release)

	assert.ErrorIs(t, rec.errs["a"], api.ErrCancelled)
	assert.Empty(t, rec.results)
}
