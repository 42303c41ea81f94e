package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq/pkg/api"
)

// runStoreContract exercises the behaviour every backend must share.
// newStore must return an empty, unconnected store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) api.Store) {
	t.Helper()
	ctx := context.Background()

	connect := func(t *testing.T) api.Store {
		t.Helper()
		s := newStore(t)
		n, err := s.Connect(ctx)
		require.NoError(t, err)
		require.Zero(t, n, "new store must be empty")
		return s
	}
	put := func(t *testing.T, s api.Store, tasks ...api.Task) {
		t.Helper()
		for _, task := range tasks {
			require.NoError(t, s.PutTask(ctx, task))
		}
	}
	ids := func(tasks []api.Task) []string {
		out := make([]string, len(tasks))
		for i, task := range tasks {
			out[i] = task.ID
		}
		return out
	}

	t.Run("PutGetReplace", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: samplePayload{Msg: "v1", N: 1}},
			api.Task{ID: "a", Payload: samplePayload{Msg: "v2", N: 2}, Priority: 3},
		)

		got, err := s.GetTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, samplePayload{Msg: "v2", N: 2}, got.Payload)
		assert.Equal(t, 3, got.Priority)

		n, err := s.Connect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := connect(t)
		_, err := s.GetTask(ctx, "nope")
		require.ErrorIs(t, err, api.ErrTaskNotFound)
	})

	t.Run("TakeFirstNArrivalOrder", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: "1"},
			api.Task{ID: "b", Payload: "2"},
			api.Task{ID: "c", Payload: "3"},
			api.Task{ID: "b", Payload: "2b"},
		)

		lockID, tasks, err := s.TakeFirstN(ctx, 2)
		require.NoError(t, err)
		require.NotEmpty(t, lockID)
		assert.Equal(t, []string{"a", "b"}, ids(tasks))
		assert.Equal(t, "2b", tasks[1].Payload, "replacing keeps the arrival position")

		_, tasks, err = s.TakeFirstN(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(tasks))

		lockID, tasks, err = s.TakeFirstN(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, lockID)
		assert.Empty(t, tasks)
	})

	t.Run("PriorityOrdering", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: "a"},
			api.Task{ID: "b", Payload: "b", Priority: 5},
			api.Task{ID: "c", Payload: "c"},
			api.Task{ID: "d", Payload: "d", Priority: 5},
		)

		lifo, ok := s.(api.LastNTaker)
		require.True(t, ok, "backend must support last-in-first-out takes")

		_, tasks, err := lifo.TakeLastN(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b", "c", "a"}, ids(tasks))
	})

	t.Run("PriorityOrderingFIFO", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: "a"},
			api.Task{ID: "b", Payload: "b", Priority: 5},
			api.Task{ID: "c", Payload: "c"},
			api.Task{ID: "d", Payload: "d", Priority: 5},
		)

		_, tasks, err := s.TakeFirstN(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "a", "c"}, ids(tasks))
	})

	t.Run("PartialTakeSpansPriorities", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: "a"},
			api.Task{ID: "b", Payload: "b", Priority: 5},
			api.Task{ID: "c", Payload: "c"},
			api.Task{ID: "d", Payload: "d", Priority: 5},
			api.Task{ID: "e", Payload: "e", Priority: -1},
		)

		_, first, err := s.TakeFirstN(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "a"}, ids(first))

		lifo, ok := s.(api.LastNTaker)
		require.True(t, ok)
		_, last, err := lifo.TakeLastN(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "e"}, ids(last))
	})

	t.Run("ReplaceReordersByNewPriority", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: "a"},
			api.Task{ID: "b", Payload: "b"},
			api.Task{ID: "c", Payload: "c"},
			api.Task{ID: "c", Payload: "c2", Priority: 1},
		)

		_, tasks, err := s.TakeFirstN(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, ids(tasks))
		assert.Equal(t, "c2", tasks[0].Payload)
		assert.Equal(t, 1, tasks[0].Priority)
	})

	t.Run("LockedTasksAreNotPending", func(t *testing.T) {
		s := connect(t)
		put(t, s, api.Task{ID: "a", Payload: "first"})

		lockID, _, err := s.TakeFirstN(ctx, 1)
		require.NoError(t, err)

		_, err = s.GetTask(ctx, "a")
		require.ErrorIs(t, err, api.ErrTaskNotFound)

		// The same identity can be pending again while the first is locked.
		put(t, s, api.Task{ID: "a", Payload: "second"})
		n, err := s.Connect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		running, err := s.GetRunningTasks(ctx)
		require.NoError(t, err)
		require.Contains(t, running, lockID)
		assert.Equal(t, "first", running[lockID][0].Payload)

		require.NoError(t, s.MarkDone(ctx, lockID))
		running, err = s.GetRunningTasks(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)

		got, err := s.GetTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Payload)
	})

	t.Run("Requeue", func(t *testing.T) {
		s := connect(t)
		put(t, s,
			api.Task{ID: "a", Payload: "a"},
			api.Task{ID: "b", Payload: "b"},
			api.Task{ID: "c", Payload: "c"},
		)

		lockID, _, err := s.TakeFirstN(ctx, 2)
		require.NoError(t, err)

		rq, ok := s.(api.Requeuer)
		require.True(t, ok)
		require.NoError(t, rq.Requeue(ctx, lockID))

		running, err := s.GetRunningTasks(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)

		_, tasks, err := s.TakeFirstN(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(tasks))
	})

	t.Run("Delete", func(t *testing.T) {
		s := connect(t)
		put(t, s, api.Task{ID: "a", Payload: "a"})

		require.NoError(t, s.DeleteTask(ctx, "a"))
		require.NoError(t, s.DeleteTask(ctx, "missing"))

		n, err := s.Connect(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
