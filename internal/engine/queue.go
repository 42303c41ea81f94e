package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/ticket"
	"github.com/petrijr/fluxq/pkg/worker"
)

// Queue is a persistent in-process task queue.
//
// All scheduling state is owned by a single orchestration goroutine. Public
// methods post closures to it; store I/O, filter, precondition and process
// functions run on other goroutines and report back the same way. Observer
// callbacks and ticket listeners run on the orchestration goroutine and
// must not call Cancel, Use, ResetStats or Close synchronously.
type Queue struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger
	obs   api.Observer

	ctx    context.Context
	cancel context.CancelFunc

	mbMu     sync.Mutex
	mailbox  []func()
	mbClosed bool
	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	finished chan struct{}

	closed  atomic.Bool
	inbound atomic.Int64

	snapMu  sync.Mutex
	snap    Stats
	waiting int

	// Fields below are owned by the orchestration goroutine.

	store     api.Store
	ownsStore bool
	retired   []ownedStore
	storeGen  int

	connected      bool
	connecting     bool
	storeRetries   int
	lastConnectErr error
	connectTimer   clockwork.Timer
	fatalErr       error

	stopped bool
	closing bool
	idleCh  chan struct{}

	length   int
	buffered []*pushRequest

	writes     []*writeOp
	writing    bool
	puts       map[string]*putOp
	queuedPuts int

	pending    map[string]*ticket.Group
	runs       map[string]*run
	workers    map[string]*run
	recovered  []recoveredLock
	cancelled  map[string]struct{}
	retries    map[string]int
	retryWaits map[*delayedRetry]struct{}

	fetching          bool
	checking          bool
	preconditionWait  bool
	preconditionTimer clockwork.Timer
	batchTimer        clockwork.Timer
	batchCapTimer     clockwork.Timer
	batchGen          int
	batchDue          bool
	cooling           bool
	cooldownTimer     clockwork.Timer

	drainArmed bool
	emptyArmed bool

	total     int64
	succeeded int64
	failed    int64
	peak      time.Duration
	average   time.Duration
}

type ownedStore struct {
	store api.Store
	owned bool
}

type pushRequest struct {
	id     string
	input  any
	ticket *ticket.Ticket
}

// New builds a queue around process and starts connecting to its store.
func New(process worker.ProcessFunc, opts ...Option) (*Queue, error) {
	cfg := defaultConfig()
	cfg.Process = process
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	store, owned, err := resolveStore(cfg.Store, cfg.Filo)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg,
		clock:      cfg.Clock,
		log:        cfg.Logger.With("component", "fluxq"),
		obs:        cfg.Observer,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		finished:   make(chan struct{}),
		store:      store,
		ownsStore:  owned,
		puts:       make(map[string]*putOp),
		pending:    make(map[string]*ticket.Group),
		runs:       make(map[string]*run),
		workers:    make(map[string]*run),
		cancelled:  make(map[string]struct{}),
		retries:    make(map[string]int),
		retryWaits: make(map[*delayedRetry]struct{}),
	}
	go q.loop()
	q.post(q.connect)
	return q, nil
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
		}
		for fn := q.next(); fn != nil; fn = q.next() {
			fn()
		}
		q.publish()
	}
}

func (q *Queue) next() func() {
	q.mbMu.Lock()
	defer q.mbMu.Unlock()
	if len(q.mailbox) == 0 {
		return nil
	}
	fn := q.mailbox[0]
	q.mailbox[0] = nil
	q.mailbox = q.mailbox[1:]
	return fn
}

// post schedules fn on the orchestration goroutine. It reports false once
// the queue has shut down.
func (q *Queue) post(fn func()) bool {
	q.mbMu.Lock()
	if q.mbClosed {
		q.mbMu.Unlock()
		return false
	}
	q.mailbox = append(q.mailbox, fn)
	q.mbMu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the orchestration goroutine and waits for it.
func (q *Queue) call(fn func()) bool {
	done := make(chan struct{})
	if !q.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-q.loopDone:
		return false
	}
}

// after runs fn on the orchestration goroutine once d has elapsed. A
// non-positive d posts fn right away and returns a nil timer.
func (q *Queue) after(d time.Duration, fn func()) clockwork.Timer {
	if d <= 0 {
		q.post(fn)
		return nil
	}
	return q.clock.AfterFunc(d, func() { q.post(fn) })
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (q *Queue) newTicket(id string) *ticket.Ticket {
	return ticket.New(id, ticket.WithClock(q.clock))
}

// Push queues input and returns the ticket tracking it.
//
// The filter and identity hooks run on the calling goroutine. Push never
// waits for the store: an accepted ticket moves to queued once the task is
// persisted. A rejected push returns a failed ticket together with the
// error (api.ErrFiltered, api.ErrSaturated or api.ErrClosed).
func (q *Queue) Push(ctx context.Context, input any) (*ticket.Ticket, error) {
	if q.closed.Load() {
		return q.rejected("", api.ErrClosed)
	}
	if q.cfg.Filter != nil {
		out, err := q.cfg.Filter(ctx, input)
		if err != nil {
			return q.rejected("", fmt.Errorf("%w: %w", api.ErrFiltered, err))
		}
		input = out
	}
	id, err := q.identity(input)
	if err != nil {
		return q.rejected("", err)
	}
	if q.saturated() {
		q.log.DebugContext(ctx, "push_saturated", "task_id", id)
		return q.rejected(id, api.ErrSaturated)
	}

	t := q.newTicket(id)
	t.Accept()
	req := &pushRequest{id: id, input: input, ticket: t}
	q.inbound.Add(1)
	if !q.post(func() { q.inbound.Add(-1); q.handlePush(req) }) {
		q.inbound.Add(-1)
		t.Fail(api.ErrClosed)
		return t, api.ErrClosed
	}
	return t, nil
}

func (q *Queue) rejected(id string, err error) (*ticket.Ticket, error) {
	t := q.newTicket(id)
	t.Fail(err)
	return t, err
}

func (q *Queue) saturated() bool {
	if q.cfg.MaxQueued <= 0 {
		return false
	}
	q.snapMu.Lock()
	waiting := q.waiting
	q.snapMu.Unlock()
	return waiting+int(q.inbound.Load()) >= q.cfg.MaxQueued
}

func (q *Queue) handlePush(req *pushRequest) {
	switch {
	case q.fatalErr != nil:
		req.ticket.Fail(q.fatalErr)
		return
	case q.closing:
		req.ticket.Fail(api.ErrClosed)
		return
	}
	q.obs.OnTaskAccepted(q.ctx, req.id)

	if q.cfg.CancelIfRunning {
		if r := q.workers[req.id]; r != nil {
			q.log.DebugContext(q.ctx, "cancel_running", "task_id", req.id, "lock_id", r.lockID)
			r.worker.Cancel()
		}
	}
	if !q.connected {
		q.buffered = append(q.buffered, req)
		return
	}
	q.enqueuePut(req.id, req.input, req.ticket)
}

// Pause stops dispatching new batches and pauses running workers.
func (q *Queue) Pause() {
	q.post(func() {
		if q.stopped {
			return
		}
		q.stopped = true
		for _, r := range q.runs {
			r.worker.Pause()
		}
		q.log.InfoContext(q.ctx, "queue_paused")
	})
}

// Resume reverses Pause.
func (q *Queue) Resume() {
	q.post(func() {
		if !q.stopped {
			return
		}
		q.stopped = false
		for _, r := range q.runs {
			r.worker.Resume()
		}
		q.log.InfoContext(q.ctx, "queue_resumed")
		q.connect()
		q.dispatch()
	})
}

// Cancel cancels the task with the given identity wherever it is: buffered,
// waiting to be persisted, pending in the store or running. A running task
// is cancelled together with the rest of its batch.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	found := false
	done := make(chan struct{})
	if !q.post(func() { found = q.cancelTask(id); close(done) }) {
		return api.ErrClosed
	}
	select {
	case <-done:
	case <-q.loopDone:
		return api.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if !found {
		return fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
	}
	return nil
}

func (q *Queue) cancelTask(id string) bool {
	found := false
	if r := q.workers[id]; r != nil {
		r.worker.Cancel()
		found = true
	}

	kept := q.buffered[:0]
	for _, req := range q.buffered {
		if req.id == id {
			req.ticket.Fail(api.ErrCancelled)
			found = true
			continue
		}
		kept = append(kept, req)
	}
	q.buffered = kept

	if op := q.puts[id]; op != nil {
		delete(q.puts, id)
		op.cancelled = true
		found = true
	}

	if g := q.pending[id]; g != nil {
		delete(q.pending, id)
		found = true
		g.Fail(api.ErrCancelled)
		q.obs.OnTaskFailed(q.ctx, id, api.ErrCancelled)

		// A take already queued may lock the task before the delete runs;
		// whichever of the two sees the mark first removes it from length.
		q.cancelled[id] = struct{}{}
		q.enqueueWrite(&writeOp{
			name: "delete",
			exec: func(ctx context.Context, s api.Store) error { return s.DeleteTask(ctx, id) },
			done: func(err error) {
				if err != nil {
					q.log.WarnContext(q.ctx, "store_delete_failed", "task_id", id, "error", err)
				}
				if _, ok := q.cancelled[id]; ok {
					delete(q.cancelled, id)
					q.length = max(q.length-1, 0)
				}
			},
		})
	}
	return found
}

// Use switches the queue to another store and reconnects. Pushes buffered
// while disconnected, or still waiting to be written, are persisted to the
// new store. Tasks already persisted in the previous store stay there and
// are never dispatched by this queue; their tickets fail with
// api.ErrStoreSwitched. Running batches finish against the store they were
// taken from.
func (q *Queue) Use(store any) error {
	if q.closed.Load() {
		return api.ErrClosed
	}
	s, owned, err := resolveStore(store, q.cfg.Filo)
	if err != nil {
		return err
	}
	if !q.call(func() { q.swapStore(s, owned) }) {
		if owned {
			_ = closeStore(s)
		}
		return api.ErrClosed
	}
	return nil
}

func (q *Queue) swapStore(s api.Store, owned bool) {
	q.retired = append(q.retired, ownedStore{store: q.store, owned: q.ownsStore})
	q.store, q.ownsStore = s, owned
	q.storeGen++
	q.connected, q.connecting = false, false
	q.storeRetries = 0
	q.fatalErr = nil
	stopTimer(&q.connectTimer)
	q.length = 0
	q.recovered = nil
	clear(q.cancelled)
	abandoned := len(q.pending)
	for id, g := range q.pending {
		g.Fail(api.ErrStoreSwitched)
		q.obs.OnTaskFailed(q.ctx, id, api.ErrStoreSwitched)
	}
	clear(q.pending)
	q.log.InfoContext(q.ctx, "store_switched", "abandoned", abandoned)
	q.connect()
}

// Close stops dispatching and waits for running batches and pending store
// writes. When ctx ends first, running batches are cancelled and their
// tasks released back to the store; their tickets return to queued. Stores
// opened by name or configuration are closed.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		<-q.finished
		return nil
	}
	defer close(q.finished)

	var idle chan struct{}
	if !q.call(func() { idle = q.beginClose() }) {
		return nil
	}

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
		q.call(q.abortRuns)
		<-idle
	}

	q.mbMu.Lock()
	q.mbClosed = true
	q.mbMu.Unlock()
	close(q.quit)
	<-q.loopDone
	q.cancel()

	return errors.Join(err, q.closeStores())
}

func (q *Queue) beginClose() chan struct{} {
	q.closing = true
	idle := make(chan struct{})
	q.idleCh = idle
	q.log.InfoContext(q.ctx, "queue_closing", "running", len(q.runs), "writes", len(q.writes))

	for _, t := range []*clockwork.Timer{&q.connectTimer, &q.preconditionTimer, &q.batchTimer, &q.batchCapTimer, &q.cooldownTimer} {
		stopTimer(t)
	}
	for _, req := range q.buffered {
		req.ticket.Fail(api.ErrClosed)
	}
	q.buffered = nil
	q.recovered = nil
	for dr := range q.retryWaits {
		if dr.timer != nil {
			dr.timer.Stop()
		}
		q.fireRetry(dr)
	}
	// checkSignals may release idle right away and clear q.idleCh.
	q.checkSignals()
	return idle
}

func (q *Queue) abortRuns() {
	for _, r := range q.runs {
		r.requeue = true
		r.worker.Cancel()
	}
}

// checkClosed releases Close once nothing is left in flight. Writes that
// can never run on a disconnected store are failed.
func (q *Queue) checkClosed() {
	if !q.closing || q.idleCh == nil {
		return
	}
	if len(q.runs) > 0 || q.writing || len(q.retryWaits) > 0 {
		return
	}
	if !q.connected {
		writes := q.writes
		q.writes = nil
		clear(q.puts)
		for _, op := range writes {
			op.done(api.ErrClosed)
		}
	}
	// A failed write above may already have released Close.
	if q.idleCh == nil || len(q.writes) > 0 {
		return
	}
	close(q.idleCh)
	q.idleCh = nil
}

func (q *Queue) closeStores() error {
	var errs []error
	for _, s := range append(q.retired, ownedStore{store: q.store, owned: q.ownsStore}) {
		if s.owned {
			errs = append(errs, closeStore(s.store))
		}
	}
	return errors.Join(errs...)
}
