package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/petrijr/fluxq/pkg/api"
)

type recoveredLock struct {
	id    string
	tasks []api.Task
}

// connect starts a connection attempt unless one is running or the attempt
// budget is spent. Failed attempts are retried after StoreRetryTimeout.
func (q *Queue) connect() {
	if q.connected || q.connecting || q.closing || q.fatalErr != nil {
		return
	}
	if q.cfg.StoreMaxRetries > 0 && q.storeRetries >= q.cfg.StoreMaxRetries {
		q.fail(fmt.Errorf("%w after %d attempts: %w", api.ErrConnectFailed, q.storeRetries, q.lastConnectErr))
		return
	}
	q.storeRetries++
	q.connecting = true

	store, gen := q.store, q.storeGen
	go func() {
		n, running, err := connectStore(q.ctx, store)
		q.post(func() { q.onConnect(gen, n, running, err) })
	}()
}

func connectStore(ctx context.Context, s api.Store) (int, map[string][]api.Task, error) {
	n, err := s.Connect(ctx)
	if err != nil || n < 0 {
		return n, nil, err
	}
	running, err := s.GetRunningTasks(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("running tasks: %w", err)
	}
	return n, running, nil
}

func (q *Queue) onConnect(gen, n int, running map[string][]api.Task, err error) {
	if gen != q.storeGen {
		return
	}
	q.connecting = false
	if q.closing {
		q.checkSignals()
		return
	}
	if err != nil {
		q.lastConnectErr = err
		q.log.WarnContext(q.ctx, "store_connect_failed", "attempt", q.storeRetries, "error", err)
		q.connectTimer = q.after(q.cfg.StoreRetryTimeout, func() {
			q.connectTimer = nil
			q.connect()
		})
		return
	}
	if n < 0 {
		q.fail(&api.ConfigError{Err: api.ErrInvalidLength, Detail: strconv.Itoa(n)})
		return
	}

	q.storeRetries = 0
	q.connected = true
	q.length = 0
	q.grow(n)
	q.log.InfoContext(q.ctx, "store_connected", "length", n, "locks", len(running))

	if q.cfg.AutoResume {
		q.recover(running)
	}

	buffered := q.buffered
	q.buffered = nil
	for _, req := range buffered {
		q.enqueuePut(req.id, req.input, req.ticket)
	}
	q.pumpWrites()
	q.dispatch()
	q.checkSignals()
}

// recover queues locks left behind by a previous run so they are resumed
// before new batches are taken. Locks held by this queue's own running
// batches are skipped.
func (q *Queue) recover(running map[string][]api.Task) {
	for _, lockID := range slices.Sorted(maps.Keys(running)) {
		tasks := running[lockID]
		if _, ok := q.runs[lockID]; ok || len(tasks) == 0 {
			continue
		}
		if slices.ContainsFunc(q.recovered, func(l recoveredLock) bool { return l.id == lockID }) {
			continue
		}
		q.recovered = append(q.recovered, recoveredLock{id: lockID, tasks: tasks})
		q.emptyArmed = true
	}
}

// reconnect drops the connection after a failed store call and starts the
// connect protocol again.
func (q *Queue) reconnect(err error) {
	if !q.connected || q.closing {
		return
	}
	q.log.WarnContext(q.ctx, "store_disconnected", "error", err)
	q.connected = false
	q.lastConnectErr = err
	q.connect()
}

// fail surfaces a fatal error. Buffered and queued pushes can never be
// persisted, so their tickets fail with it.
func (q *Queue) fail(err error) {
	q.fatalErr = err
	q.log.ErrorContext(q.ctx, "queue_error", "error", err)

	for _, req := range q.buffered {
		req.ticket.Fail(err)
	}
	q.buffered = nil
	writes := q.writes
	q.writes = nil
	clear(q.puts)
	for _, op := range writes {
		op.done(err)
	}

	q.obs.OnError(q.ctx, err)
	q.checkSignals()
}
