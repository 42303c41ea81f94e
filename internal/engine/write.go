package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/ticket"
)

// writeOp is one store mutation. Ops run strictly one at a time in the
// order they were enqueued, and only while the store is connected.
type writeOp struct {
	name string

	// begin runs on the orchestration goroutine right before exec.
	begin func()

	// exec runs on its own goroutine and must not touch queue state.
	exec func(ctx context.Context, s api.Store) error

	// done runs on the orchestration goroutine with exec's result.
	done func(err error)

	// gen is the store generation exec ran against, or would have.
	gen int
}

func (q *Queue) enqueueWrite(op *writeOp) {
	op.gen = q.storeGen
	q.writes = append(q.writes, op)
	q.pumpWrites()
}

func (q *Queue) pumpWrites() {
	if q.writing || !q.connected || len(q.writes) == 0 {
		return
	}
	op := q.writes[0]
	q.writes[0] = nil
	q.writes = q.writes[1:]
	if op.begin != nil {
		op.begin()
	}

	q.writing = true
	s := q.store
	op.gen = q.storeGen
	go func() {
		err := op.exec(q.ctx, s)
		q.post(func() {
			q.writing = false
			if err != nil {
				q.log.DebugContext(q.ctx, "store_write_failed", "op", op.name, "error", err)
			}
			op.done(err)
			q.pumpWrites()
			q.checkSignals()
		})
	}()
}

// putOp persists one task identity. Pushes for the same identity arriving
// before the op starts are folded into it instead of queueing another write.
type putOp struct {
	id     string
	inputs []any
	retry  *api.Task
	group  *ticket.Group

	cancelled bool
	merged    bool
}

func (q *Queue) enqueuePut(id string, input any, t *ticket.Ticket) {
	if op, ok := q.puts[id]; ok {
		op.inputs = append(op.inputs, input)
		op.group.Add(t)
		return
	}
	q.schedulePut(&putOp{id: id, inputs: []any{input}, group: ticket.NewGroup(t)})
}

// enqueueRetry re-persists a failed task as a new arrival. If the same
// identity was pushed again in the meantime the newer payload wins.
func (q *Queue) enqueueRetry(task api.Task, g *ticket.Group) {
	if op, ok := q.puts[task.ID]; ok {
		op.group.Merge(g)
		if op.retry == nil {
			op.retry = &task
		}
		return
	}
	q.schedulePut(&putOp{id: task.ID, retry: &task, group: g})
}

func (q *Queue) schedulePut(op *putOp) {
	q.puts[op.id] = op
	q.queuedPuts++
	q.emptyArmed = true
	w := &writeOp{
		name: "put",
		begin: func() {
			if q.puts[op.id] == op {
				delete(q.puts, op.id)
			}
		},
		exec: func(ctx context.Context, s api.Store) error {
			if op.cancelled {
				return nil
			}
			return q.execPut(ctx, s, op)
		},
	}
	w.done = func(err error) {
		q.queuedPuts--
		if err == nil && w.gen != q.storeGen {
			// Persisted to a store the queue has since switched away from.
			err = api.ErrStoreSwitched
		}
		q.putDone(op, err)
	}
	q.enqueueWrite(w)
}

func (q *Queue) execPut(ctx context.Context, s api.Store, op *putOp) error {
	var (
		payload  any
		priority int
		have     bool
	)
	existing, err := s.GetTask(ctx, op.id)
	switch {
	case err == nil:
		payload, priority, have = existing.Payload, existing.Priority, true
		op.merged = true
	case !errors.Is(err, api.ErrTaskNotFound):
		return err
	}
	if !have && op.retry != nil {
		payload, priority, have = op.retry.Payload, op.retry.Priority, true
	}
	for _, in := range op.inputs {
		if !have {
			payload, have = in, true
			continue
		}
		if payload, err = q.merge(ctx, payload, in); err != nil {
			return fmt.Errorf("merge %s: %w", op.id, err)
		}
	}
	if len(op.inputs) == 0 && op.merged {
		return nil
	}
	if len(op.inputs) > 0 && q.cfg.Priority != nil {
		if priority, err = q.cfg.Priority(ctx, payload); err != nil {
			return fmt.Errorf("priority %s: %w", op.id, err)
		}
	}
	return s.PutTask(ctx, api.Task{ID: op.id, Payload: payload, Priority: priority})
}

func (q *Queue) merge(ctx context.Context, old, input any) (any, error) {
	if q.cfg.Merge == nil {
		return input, nil
	}
	return q.cfg.Merge(ctx, old, input)
}

func (q *Queue) putDone(op *putOp, err error) {
	if op.cancelled {
		op.group.Fail(api.ErrCancelled)
		q.obs.OnTaskFailed(q.ctx, op.id, api.ErrCancelled)
		return
	}
	if err != nil {
		q.log.ErrorContext(q.ctx, "store_put_failed", "task_id", op.id, "error", err)
		op.group.Fail(err)
		q.obs.OnTaskFailed(q.ctx, op.id, err)
		return
	}

	g, ok := q.pending[op.id]
	if ok {
		g.Unqueue()
		g.Merge(op.group)
	} else {
		g = op.group
		q.pending[op.id] = g
	}
	g.Queue()
	if !op.merged {
		q.grow(1)
	}
	q.obs.OnTaskQueued(q.ctx, op.id)

	q.noteArrival()
	q.dispatch()
}

// grow records n new pending tasks.
func (q *Queue) grow(n int) {
	if n <= 0 {
		return
	}
	q.length += n
	q.drainArmed = true
	q.emptyArmed = true
}
