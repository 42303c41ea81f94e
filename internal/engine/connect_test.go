package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq/internal/persistence"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/ticket"
	"github.com/petrijr/fluxq/pkg/worker"
)

func seedStore(t *testing.T, ids ...string) *persistence.MemoryStore {
	t.Helper()
	store := persistence.NewMemoryStore()
	for _, id := range ids {
		require.NoError(t, store.PutTask(context.Background(), api.Task{ID: id, Payload: task(id, id)}))
	}
	return store
}

func TestQueue_ReconnectsWithConstantBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	clock := clockwork.NewFakeClock()
	store := &flakyStore{MemoryStore: seedStore(t, "a", "b", "c"), failures: 2}

	var mu sync.Mutex
	var processed []string
	q, rec := newTestQueue(t, func(_ context.Context, b *worker.Batch) (any, error) {
		mu.Lock()
		processed = append(processed, b.Tasks()[0].ID)
		mu.Unlock()
		return nil, nil
	}, WithStore(store), WithClock(clock), WithStoreRetries(5, 50*time.Millisecond))

	for attempt := int32(1); attempt <= 2; attempt++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, attempt, store.calls.Load())
		clock.Advance(50 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return rec.snapshot().empties == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(3), store.calls.Load())
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, processed)
	mu.Unlock()
	assert.True(t, q.Stats().Connected)
	assert.Empty(t, rec.snapshot().errs)
}

func TestQueue_ConnectRetriesExhausted(t *testing.T) {
	store := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 100}
	q, rec := newTestQueue(t, echo, WithStore(store), WithStoreRetries(2, time.Millisecond))

	tk := push(t, q, task("x", 1))
	_, err := wait(t, tk)
	require.ErrorIs(t, err, api.ErrConnectFailed)

	require.Eventually(t, func() bool { return len(rec.snapshot().errs) == 1 }, waitFor, 5*time.Millisecond)
	require.ErrorIs(t, rec.snapshot().errs[0], api.ErrConnectFailed)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestQueue_NegativeLengthIsConfigError(t *testing.T) {
	_, rec := newTestQueue(t, echo, WithStore(negativeStore{persistence.NewMemoryStore()}))

	require.Eventually(t, func() bool { return len(rec.snapshot().errs) == 1 }, waitFor, 5*time.Millisecond)
	err := rec.snapshot().errs[0]
	var cfgErr *api.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, api.ErrInvalidLength)
}

func TestQueue_ResumesRecoveredLocks(t *testing.T) {
	store := seedStore(t, "orphan", "fresh")
	lockID, tasks, err := store.TakeFirstN(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "orphan", tasks[0].ID)

	var mu sync.Mutex
	counts := map[string]int{}
	_, rec := newTestQueue(t, func(_ context.Context, b *worker.Batch) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, tk := range b.Tasks() {
			counts[tk.ID]++
		}
		return nil, nil
	}, WithStore(store))

	require.Eventually(t, func() bool { return rec.snapshot().empties == 1 }, waitFor, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, map[string]int{"orphan": 1, "fresh": 1}, counts)
	mu.Unlock()
	assert.Equal(t, []string{"orphan", "fresh"}, rec.snapshot().started)

	running, err := store.GetRunningTasks(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, running, lockID)
}

func TestQueue_AutoResumeDisabledLeavesLocks(t *testing.T) {
	store := seedStore(t, "orphan")
	lockID, _, err := store.TakeFirstN(context.Background(), 1)
	require.NoError(t, err)

	q, rec := newTestQueue(t, echo, WithStore(store), WithAutoResume(false))
	require.Eventually(t, func() bool { return q.Stats().Connected }, waitFor, 5*time.Millisecond)

	assert.Empty(t, rec.snapshot().started)
	running, err := store.GetRunningTasks(context.Background())
	require.NoError(t, err)
	assert.Contains(t, running, lockID)
}

func TestQueue_UseKeepsBufferedPushes(t *testing.T) {
	dead := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 1 << 30}
	q, _ := newTestQueue(t, echo, WithStore(dead), WithStoreRetries(0, 5*time.Millisecond))

	tk := push(t, q, task("x", 1))
	require.Eventually(t, func() bool { return dead.calls.Load() >= 2 }, waitFor, time.Millisecond)
	assert.False(t, q.Stats().Connected)

	live := persistence.NewMemoryStore()
	require.NoError(t, q.Use(live))

	res, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, task("x", 1), res)
}

func TestQueue_UseRejectsUnknownStore(t *testing.T) {
	q, _ := newTestQueue(t, echo)
	err := q.Use("no-such-backend")
	require.ErrorIs(t, err, api.ErrUnknownStore)
}

func TestQueue_UseFailsTasksLeftInOldStore(t *testing.T) {
	old := persistence.NewMemoryStore()
	q, rec := newTestQueue(t, echo, WithStore(old))

	q.Pause()
	stranded := push(t, q, task("x", 1))
	require.Eventually(t, func() bool { return stranded.Status() == ticket.StatusQueued }, waitFor, 5*time.Millisecond)

	require.NoError(t, q.Use(persistence.NewMemoryStore()))
	_, err := wait(t, stranded)
	require.ErrorIs(t, err, api.ErrStoreSwitched)
	require.Eventually(t, func() bool { return slices.Contains(rec.snapshot().failed, "x") }, waitFor, 5*time.Millisecond)

	fresh := push(t, q, task("y", 2))
	q.Resume()
	res, err := wait(t, fresh)
	require.NoError(t, err)
	assert.Equal(t, task("y", 2), res)

	// The old store still holds the task; nothing was taken from it.
	got, err := old.GetTask(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, task("x", 1), got.Payload)
}
