package engine

import (
	"cmp"
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/ticket"
	"github.com/petrijr/fluxq/pkg/worker"
)

// run is one dispatched batch, keyed by its store lock.
type run struct {
	lockID  string
	store   api.Store
	worker  *worker.Worker
	tasks   map[string]*runTask
	started time.Time

	// requeue releases the lock instead of deleting it when the batch ends.
	requeue bool
}

type runTask struct {
	task     api.Task
	group    *ticket.Group
	resolved bool
}

type delayedRetry struct {
	timer clockwork.Timer
	task  api.Task
	group *ticket.Group
}

func (q *Queue) startRun(lockID string, tasks []api.Task, store api.Store) {
	r := &run{
		lockID:  lockID,
		store:   store,
		tasks:   make(map[string]*runTask, len(tasks)),
		started: q.clock.Now(),
	}
	for _, t := range tasks {
		g, ok := q.pending[t.ID]
		if ok {
			delete(q.pending, t.ID)
		} else {
			g = ticket.NewGroup()
		}
		r.tasks[t.ID] = &runTask{task: t, group: g}
		q.workers[t.ID] = r
	}
	q.runs[lockID] = r
	q.emptyArmed = true

	r.worker = worker.New(q.cfg.Process, worker.Config{
		LockID:      lockID,
		Tasks:       tasks,
		Single:      q.cfg.BatchSize == 1,
		FailOnPanic: q.cfg.FailTaskOnProcessException,
		Timeout:     q.cfg.MaxTimeout,
		Clock:       q.clock,
	}, &runListener{q: q, r: r})

	q.log.DebugContext(q.ctx, "batch_started", "lock_id", lockID, "tasks", len(tasks))
	q.obs.OnBatchStarted(q.ctx, lockID, len(tasks))
	for _, t := range tasks {
		r.tasks[t.ID].group.Start()
		q.obs.OnTaskStarted(q.ctx, t.ID, lockID)
	}
	r.worker.Start(q.ctx)
}

// runListener forwards worker events to the orchestration goroutine.
type runListener struct {
	q *Queue
	r *run
}

func (l *runListener) OnTaskFinish(_ *worker.Worker, taskID string, result any) {
	l.q.post(func() { l.q.taskFinished(l.r, taskID, result) })
}

func (l *runListener) OnTaskFailed(_ *worker.Worker, taskID string, err error) {
	l.q.post(func() { l.q.taskFailed(l.r, taskID, err) })
}

func (l *runListener) OnTaskProgress(_ *worker.Worker, taskID string, p api.Progress) {
	l.q.post(func() {
		if rt := l.r.tasks[taskID]; rt != nil && !rt.resolved {
			rt.group.SetProgress(p.Done, p.Total, p.Message)
			l.q.obs.OnTaskProgress(l.q.ctx, taskID, p)
		}
	})
}

func (l *runListener) OnProgress(_ *worker.Worker, p api.Progress) {
	l.q.post(func() { l.q.obs.OnBatchProgress(l.q.ctx, l.r.lockID, p) })
}

func (l *runListener) OnEnd(_ *worker.Worker, err error) {
	l.q.post(func() { l.q.runEnded(l.r, err) })
}

func (q *Queue) taskFinished(r *run, id string, result any) {
	rt := r.tasks[id]
	if rt == nil || rt.resolved {
		return
	}
	rt.resolved = true
	delete(q.retries, id)

	elapsed := q.clock.Since(r.started)
	q.record(true, elapsed)
	rt.group.Finish(result)
	q.obs.OnTaskFinished(q.ctx, id, result, elapsed)
}

// taskFailed retries the task while attempts remain. Cancelled tasks are
// never retried; tasks of an aborted batch return to queued.
func (q *Queue) taskFailed(r *run, id string, err error) {
	rt := r.tasks[id]
	if rt == nil || rt.resolved {
		return
	}
	rt.resolved = true

	if r.requeue {
		rt.group.Stop()
		return
	}
	if q.cfg.MaxRetries > 0 && !errors.Is(err, api.ErrCancelled) {
		q.retries[id]++
		if attempt := q.retries[id]; attempt <= q.cfg.MaxRetries {
			rt.group.Stop()
			q.log.InfoContext(q.ctx, "task_retry", "task_id", id, "attempt", attempt, "error", err)
			q.obs.OnTaskRetry(q.ctx, id, attempt, err)
			q.scheduleRetry(rt.task, rt.group)
			return
		}
	}
	delete(q.retries, id)

	q.record(false, q.clock.Since(r.started))
	rt.group.Fail(err)
	q.log.WarnContext(q.ctx, "task_failed", "task_id", id, "lock_id", r.lockID, "error", err)
	q.obs.OnTaskFailed(q.ctx, id, err)
}

func (q *Queue) scheduleRetry(task api.Task, g *ticket.Group) {
	dr := &delayedRetry{task: task, group: g}
	q.retryWaits[dr] = struct{}{}
	delay := q.cfg.RetryDelay
	if q.closing {
		delay = 0
	}
	dr.timer = q.after(delay, func() { q.fireRetry(dr) })
}

func (q *Queue) fireRetry(dr *delayedRetry) {
	if _, ok := q.retryWaits[dr]; !ok {
		return
	}
	delete(q.retryWaits, dr)
	q.enqueueRetry(dr.task, dr.group)
}

func (q *Queue) runEnded(r *run, err error) {
	if q.runs[r.lockID] != r {
		return
	}
	for id, rt := range r.tasks {
		if !rt.resolved {
			q.taskFailed(r, id, cmp.Or(err, api.ErrCancelled))
		}
	}
	delete(q.runs, r.lockID)
	for id := range r.tasks {
		if q.workers[id] == r {
			delete(q.workers, id)
		}
	}
	q.log.DebugContext(q.ctx, "batch_ended", "lock_id", r.lockID, "error", err)
	q.obs.OnBatchEnded(q.ctx, r.lockID, err)

	if r.requeue {
		q.releaseLock(r)
	} else {
		q.markDone(r.store, r.lockID)
	}

	if q.cfg.AfterProcessDelay > 0 && !q.closing {
		if !q.cooling {
			q.cooling = true
			q.cooldownTimer = q.after(q.cfg.AfterProcessDelay, func() {
				q.cooldownTimer = nil
				q.cooling = false
				q.dispatch()
			})
		}
		q.checkSignals()
		return
	}
	q.dispatch()
	q.checkSignals()
}

func (q *Queue) markDone(store api.Store, lockID string) {
	q.enqueueWrite(&writeOp{
		name: "mark_done",
		exec: func(ctx context.Context, _ api.Store) error { return store.MarkDone(ctx, lockID) },
		done: func(err error) {
			if err != nil {
				q.log.WarnContext(q.ctx, "store_mark_done_failed", "lock_id", lockID, "error", err)
			}
		},
	})
}

// releaseLock hands an aborted batch back to the store. Stores without
// Requeue keep the lock, and the batch is recovered on the next connect.
func (q *Queue) releaseLock(r *run) {
	rq, ok := r.store.(api.Requeuer)
	if !ok {
		return
	}
	q.enqueueWrite(&writeOp{
		name: "requeue",
		exec: func(ctx context.Context, _ api.Store) error { return rq.Requeue(ctx, r.lockID) },
		done: func(err error) {
			if err != nil {
				q.log.WarnContext(q.ctx, "store_requeue_failed", "lock_id", r.lockID, "error", err)
				return
			}
			for id, rt := range r.tasks {
				if g, ok := q.pending[id]; ok {
					g.Merge(rt.group)
					continue
				}
				q.pending[id] = rt.group
				q.grow(1)
			}
		},
	})
}

func (q *Queue) record(ok bool, elapsed time.Duration) {
	q.total++
	if ok {
		q.succeeded++
	} else {
		q.failed++
	}
	q.peak = max(q.peak, elapsed)
	q.average += (elapsed - q.average) / time.Duration(q.total)
}
