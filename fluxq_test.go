package fluxq_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq"
)

// TestSQLiteQueue_DurableAcrossRestart pushes into a paused queue, closes it
// and checks that a second queue on the same database processes the tasks.
func TestSQLiteQueue_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := fluxq.StoreConfig{Type: fluxq.StoreSQLite, DSN: filepath.Join(t.TempDir(), "fluxq.db")}
	noop := func(context.Context, *fluxq.Batch) (any, error) { return nil, nil }

	// --- Phase 1: persist three tasks without processing them.

	first, err := fluxq.New(noop, fluxq.WithStore(store))
	require.NoError(t, err)
	first.Pause()

	for _, id := range []string{"a", "b", "c"} {
		_, err := first.Push(ctx, map[string]any{"id": id, "n": 1})
		require.NoError(t, err)
	}
	// Same identity: merged into "a" rather than stored twice.
	_, err = first.Push(ctx, map[string]any{"id": "a", "n": 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.Stats().Length == 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close(ctx))

	// --- Phase 2: a fresh queue picks them up.

	var mu sync.Mutex
	seen := map[string]any{}
	second, err := fluxq.New(func(_ context.Context, b *fluxq.Batch) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, tk := range b.Tasks() {
			seen[tk.ID] = tk.Payload.(map[string]any)["n"]
		}
		return nil, nil
	}, fluxq.WithStore(store), fluxq.WithBatchSize(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })

	require.Eventually(t, func() bool { return second.Stats().Succeeded == 3 }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
	assert.EqualValues(t, 2, seen["a"])
	assert.EqualValues(t, 1, seen["b"])
}

func TestQueue_TicketsShareMergedOutcome(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := fluxq.New(func(_ context.Context, b *fluxq.Batch) (any, error) {
		return b.Input(), nil
	}, fluxq.WithStore(fluxq.NewMemoryStore()), fluxq.WithMerge(func(_ context.Context, old, in any) (any, error) {
		return old.(int) + in.(int), nil
	}), fluxq.WithIDFunc(func(any) (string, error) { return "sum", nil }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	q.Pause()
	t1, err := q.Push(ctx, 1)
	require.NoError(t, err)
	t2, err := q.Push(ctx, 2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return t1.Status() == fluxq.StatusQueued && t2.Status() == fluxq.StatusQueued }, 5*time.Second, 5*time.Millisecond)
	q.Resume()

	r1, err := t1.Wait(ctx)
	require.NoError(t, err)
	r2, err := t2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, r1)
	assert.Equal(t, 3, r2)
}

func TestOpenStoreByName(t *testing.T) {
	assert.Subset(t, fluxq.RegisteredStores(), []string{
		fluxq.StoreMemory, fluxq.StoreSQLite, fluxq.StorePostgres, fluxq.StoreRedis, fluxq.StoreMongo,
	})

	s, err := fluxq.OpenStore(fluxq.StoreConfig{Type: fluxq.StoreMemory})
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = fluxq.OpenStore(fluxq.StoreConfig{Type: "nope"})
	require.ErrorIs(t, err, fluxq.ErrUnknownStore)
}
