package engine

import (
	"context"

	"github.com/petrijr/fluxq/pkg/api"
)

func (q *Queue) canDispatch() bool {
	return !q.stopped && !q.closing && q.connected && !q.fetching && !q.cooling &&
		len(q.runs) < q.cfg.Concurrent
}

// dispatch starts as many batches as the concurrency limit allows.
// Recovered locks go first; new batches then wait for the precondition
// and the batch delay before a take is queued.
func (q *Queue) dispatch() {
	for q.canDispatch() && len(q.recovered) > 0 {
		lk := q.recovered[0]
		q.recovered = q.recovered[1:]
		q.log.InfoContext(q.ctx, "batch_recovered", "lock_id", lk.id, "tasks", len(lk.tasks))
		q.startRun(lk.id, lk.tasks, q.store)
	}
	if !q.canDispatch() || q.length == 0 {
		q.checkSignals()
		return
	}
	if q.checking || q.preconditionWait {
		return
	}
	if q.cfg.Precondition != nil {
		q.checkPrecondition()
		return
	}
	q.dispatchReady()
}

func (q *Queue) checkPrecondition() {
	q.checking = true
	pre := q.cfg.Precondition
	go func() {
		ok, err := pre(q.ctx)
		q.post(func() {
			q.checking = false
			if err != nil {
				q.log.DebugContext(q.ctx, "precondition_failed", "error", err)
			}
			if err != nil || !ok {
				q.preconditionWait = true
				q.preconditionTimer = q.after(q.cfg.PreconditionRetryTimeout, func() {
					q.preconditionTimer = nil
					q.preconditionWait = false
					q.dispatch()
				})
				return
			}
			q.dispatchReady()
		})
	}()
}

func (q *Queue) dispatchReady() {
	if !q.canDispatch() || q.length == 0 {
		return
	}
	if q.cfg.BatchDelay > 0 && q.length < q.cfg.BatchSize && !q.batchDue {
		if q.batchTimer == nil {
			q.noteArrival()
		}
		return
	}
	q.fetch()
}

// noteArrival restarts the quiet-period timer of the batch delay. The
// first arrival of a window also starts the cap timer.
func (q *Queue) noteArrival() {
	if q.cfg.BatchDelay <= 0 || q.closing {
		return
	}
	q.batchGen++
	gen := q.batchGen
	if q.batchTimer != nil {
		q.batchTimer.Stop()
	}
	q.batchTimer = q.clock.AfterFunc(q.cfg.BatchDelay, func() {
		q.post(func() {
			if gen == q.batchGen {
				q.batchElapsed()
			}
		})
	})
	if q.cfg.BatchDelayTimeout > 0 && q.batchCapTimer == nil {
		q.batchCapTimer = q.clock.AfterFunc(q.cfg.BatchDelayTimeout, func() {
			q.post(func() {
				if q.batchCapTimer != nil {
					q.batchElapsed()
				}
			})
		})
	}
}

func (q *Queue) batchElapsed() {
	q.batchGen++
	stopTimer(&q.batchTimer)
	stopTimer(&q.batchCapTimer)
	q.batchDue = true
	q.dispatch()
}

// fetch queues a take behind the pending writes.
func (q *Queue) fetch() {
	q.fetching = true
	q.batchDue = false
	q.batchGen++
	stopTimer(&q.batchTimer)
	stopTimer(&q.batchCapTimer)

	n, filo := q.cfg.BatchSize, q.cfg.Filo
	var (
		store  api.Store
		lockID string
		tasks  []api.Task
	)
	w := &writeOp{
		name: "take",
		exec: func(ctx context.Context, s api.Store) (err error) {
			store = s
			if filo {
				lockID, tasks, err = s.(api.LastNTaker).TakeLastN(ctx, n)
			} else {
				lockID, tasks, err = s.TakeFirstN(ctx, n)
			}
			return err
		},
	}
	w.done = func(err error) {
		q.fetching = false
		if w.gen != q.storeGen {
			q.takenFromRetired(store, lockID, tasks, err)
			return
		}
		q.taken(store, lockID, tasks, err)
	}
	q.enqueueWrite(w)
}

// takenFromRetired runs a batch locked in a store the queue switched away
// from while the take was in flight. The length of the current store is
// left alone.
func (q *Queue) takenFromRetired(store api.Store, lockID string, tasks []api.Task, err error) {
	if err == nil && len(tasks) > 0 {
		q.startRun(lockID, tasks, store)
	}
	q.dispatch()
	q.checkSignals()
}

func (q *Queue) taken(store api.Store, lockID string, tasks []api.Task, err error) {
	if err != nil {
		q.reconnect(err)
		return
	}
	if len(tasks) == 0 {
		q.length = 0
		q.checkSignals()
		return
	}
	q.length = max(q.length-len(tasks), 0)

	// Tasks cancelled while this take was queued were locked before their
	// delete could run. Their tickets already failed; drop them here.
	kept := make([]api.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := q.cancelled[t.ID]; ok {
			delete(q.cancelled, t.ID)
			q.log.DebugContext(q.ctx, "cancelled_task_skipped", "task_id", t.ID, "lock_id", lockID)
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		q.markDone(store, lockID)
	} else {
		q.startRun(lockID, kept, store)
	}
	q.checkSignals()
	q.dispatch()
}

// checkSignals emits drain and empty on their edges and releases a
// pending Close once the queue is idle.
func (q *Queue) checkSignals() {
	if q.length == 0 && q.drainArmed {
		q.drainArmed = false
		q.log.DebugContext(q.ctx, "queue_drained")
		q.obs.OnDrain(q.ctx)
	}
	if q.emptyArmed && q.idle() {
		q.emptyArmed = false
		q.log.DebugContext(q.ctx, "queue_empty")
		q.obs.OnEmpty(q.ctx)
	}
	q.checkClosed()
}

func (q *Queue) idle() bool {
	return q.length == 0 && len(q.runs) == 0 && len(q.recovered) == 0 &&
		len(q.retryWaits) == 0 && len(q.buffered) == 0 &&
		len(q.writes) == 0 && !q.writing
}
