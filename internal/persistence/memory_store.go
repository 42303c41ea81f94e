package persistence

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/fluxq/pkg/api"
)

type memoryEntry struct {
	task api.Task
	seq  int64
}

// MemoryStore is a goroutine-safe Store backed by maps. It keeps its state
// across Connect calls, so locked batches survive an engine restart within
// the same process.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	pending map[string]memoryEntry
	locked  map[string][]memoryEntry
}

var (
	_ api.Store      = (*MemoryStore)(nil)
	_ api.LastNTaker = (*MemoryStore)(nil)
	_ api.Requeuer   = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]memoryEntry),
		locked:  make(map[string][]memoryEntry),
	}
}

func (s *MemoryStore) Connect(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
	}
	t := e.task
	return &t, nil
}

func (s *MemoryStore) PutTask(ctx context.Context, t api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.pending[t.ID]; ok {
		e.task = t
		s.pending[t.ID] = e
		return nil
	}
	s.seq++
	s.pending[t.ID] = memoryEntry{task: t, seq: s.seq}
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *MemoryStore) TakeFirstN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(n, false)
}

func (s *MemoryStore) TakeLastN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(n, true)
}

func (s *MemoryStore) take(n int, newest bool) (string, []api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.pending) == 0 {
		return "", nil, nil
	}

	entries := make([]memoryEntry, 0, len(s.pending))
	for _, e := range s.pending {
		entries = append(entries, e)
	}
	order := byDequeueOrder(newest)
	slices.SortFunc(entries, func(a, b memoryEntry) int {
		return order(
			storedTask{Priority: a.task.Priority, Seq: a.seq},
			storedTask{Priority: b.task.Priority, Seq: b.seq},
		)
	})
	if len(entries) > n {
		entries = entries[:n]
	}

	lockID := uuid.NewString()
	tasks := make([]api.Task, len(entries))
	for i, e := range entries {
		delete(s.pending, e.task.ID)
		tasks[i] = e.task
	}
	s.locked[lockID] = entries
	return lockID, tasks, nil
}

func (s *MemoryStore) MarkDone(ctx context.Context, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locked[lockID]; !ok {
		return fmt.Errorf("%w: %s", api.ErrLockNotFound, lockID)
	}
	delete(s.locked, lockID)
	return nil
}

func (s *MemoryStore) GetRunningTasks(ctx context.Context) (map[string][]api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[string][]api.Task, len(s.locked))
	for lockID, entries := range s.locked {
		tasks := make([]api.Task, len(entries))
		for i, e := range entries {
			tasks[i] = e.task
		}
		running[lockID] = tasks
	}
	return running, nil
}

// Requeue returns the tasks of a lock to the pending set at their original
// arrival position. A task whose ID was pushed again in the meantime keeps
// the newer pending payload.
func (s *MemoryStore) Requeue(ctx context.Context, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.locked[lockID]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrLockNotFound, lockID)
	}
	for _, e := range entries {
		if _, exists := s.pending[e.task.ID]; !exists {
			s.pending[e.task.ID] = e
		}
	}
	delete(s.locked, lockID)
	return nil
}
