package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq/internal/persistence"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/ticket"
	"github.com/petrijr/fluxq/pkg/worker"
)

const waitFor = 5 * time.Second

// events is what the recorder has seen so far.
type events struct {
	queued   []string
	started  []string
	finished []string
	failed   []string
	retried  []string
	batches  []int
	drains   int
	empties  int
	errs     []error
}

// recorder is an Observer that records the calls the tests assert on.
type recorder struct {
	api.NoopObserver

	mu sync.Mutex
	ev events
}

func (r *recorder) record(fn func(ev *events)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.ev)
}

func (r *recorder) OnTaskQueued(_ context.Context, id string) {
	r.record(func(ev *events) { ev.queued = append(ev.queued, id) })
}

func (r *recorder) OnTaskStarted(_ context.Context, id, _ string) {
	r.record(func(ev *events) { ev.started = append(ev.started, id) })
}

func (r *recorder) OnTaskFinished(_ context.Context, id string, _ any, _ time.Duration) {
	r.record(func(ev *events) { ev.finished = append(ev.finished, id) })
}

func (r *recorder) OnTaskFailed(_ context.Context, id string, _ error) {
	r.record(func(ev *events) { ev.failed = append(ev.failed, id) })
}

func (r *recorder) OnTaskRetry(_ context.Context, id string, _ int, _ error) {
	r.record(func(ev *events) { ev.retried = append(ev.retried, id) })
}

func (r *recorder) OnBatchStarted(_ context.Context, _ string, size int) {
	r.record(func(ev *events) { ev.batches = append(ev.batches, size) })
}

func (r *recorder) OnDrain(context.Context) {
	r.record(func(ev *events) { ev.drains++ })
}

func (r *recorder) OnEmpty(context.Context) {
	r.record(func(ev *events) { ev.empties++ })
}

func (r *recorder) OnError(_ context.Context, err error) {
	r.record(func(ev *events) { ev.errs = append(ev.errs, err) })
}

func (r *recorder) snapshot() events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return events{
		queued:   slices.Clone(r.ev.queued),
		started:  slices.Clone(r.ev.started),
		finished: slices.Clone(r.ev.finished),
		failed:   slices.Clone(r.ev.failed),
		retried:  slices.Clone(r.ev.retried),
		batches:  slices.Clone(r.ev.batches),
		drains:   r.ev.drains,
		empties:  r.ev.empties,
		errs:     slices.Clone(r.ev.errs),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestQueue builds a queue over a fresh memory store unless opts pick
// another one, and closes it when the test ends.
func newTestQueue(t *testing.T, process worker.ProcessFunc, opts ...Option) (*Queue, *recorder) {
	t.Helper()
	rec := &recorder{}
	base := []Option{
		WithStore(persistence.NewMemoryStore()),
		WithObserver(rec),
		WithLogger(quietLogger()),
	}
	q, err := New(process, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q, rec
}

func push(t *testing.T, q *Queue, input any) *ticket.Ticket {
	t.Helper()
	tk, err := q.Push(context.Background(), input)
	require.NoError(t, err)
	return tk
}

func wait(t *testing.T, tk *ticket.Ticket) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := tk.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "ticket %s did not settle", tk.TaskID())
	return res, err
}

func echo(_ context.Context, b *worker.Batch) (any, error) {
	return b.Input(), nil
}

func task(id string, v any) map[string]any {
	return map[string]any{"id": id, "v": v}
}

// flakyStore fails Connect a fixed number of times before delegating.
type flakyStore struct {
	*persistence.MemoryStore
	failures int
	calls    atomic.Int32
}

func (s *flakyStore) Connect(ctx context.Context) (int, error) {
	if int(s.calls.Add(1)) <= s.failures {
		return 0, errors.New("connection refused")
	}
	return s.MemoryStore.Connect(ctx)
}

// negativeStore reports an impossible length.
type negativeStore struct {
	*persistence.MemoryStore
}

func (negativeStore) Connect(context.Context) (int, error) { return -1, nil }

// fifoOnlyStore hides TakeLastN.
type fifoOnlyStore struct {
	api.Store
}

// gatedStore blocks its first TakeFirstN until release is closed.
type gatedStore struct {
	*persistence.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) TakeFirstN(ctx context.Context, n int) (string, []api.Task, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.TakeFirstN(ctx, n)
}
