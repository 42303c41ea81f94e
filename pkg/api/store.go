package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Task is a queued unit of work as seen by a Store.
type Task struct {
	// ID is the task identity. At most one pending task exists per ID.
	ID string

	// Payload is the opaque task body. Persistent stores encode it with
	// encoding/gob, so concrete types must be gob-registered.
	Payload any

	// Priority orders dequeue: higher values are taken first. Tasks with
	// equal priority are taken in arrival order.
	Priority int
}

// Store is the durable task storage the engine depends on.
//
// Implementations must be safe for concurrent use, although a single engine
// never issues more than one mutating call at a time.
type Store interface {
	// Connect prepares the store and returns the number of pending tasks.
	Connect(ctx context.Context) (int, error)

	// GetTask returns the pending (not locked) task with the given ID, or
	// ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// PutTask inserts a pending task or replaces the payload and priority
	// of the pending task with the same ID. A replaced task keeps its
	// arrival position.
	PutTask(ctx context.Context, t Task) error

	// DeleteTask removes a pending task. Deleting a missing task is not an error.
	DeleteTask(ctx context.Context, id string) error

	// TakeFirstN locks up to n pending tasks, highest priority first and
	// oldest first among equal priorities. It returns an empty lock ID and
	// no tasks when nothing is pending.
	TakeFirstN(ctx context.Context, n int) (lockID string, tasks []Task, err error)

	// MarkDone deletes a lock and every task it still holds.
	MarkDone(ctx context.Context, lockID string) error

	// GetRunningTasks returns every lock currently held, keyed by lock ID.
	// After a restart these are batches orphaned by a previous process.
	GetRunningTasks(ctx context.Context) (map[string][]Task, error)
}

// LastNTaker is implemented by stores that support last-in-first-out
// dequeue. It is required when the engine is configured with Filo.
type LastNTaker interface {
	// TakeLastN behaves like TakeFirstN but takes the newest tasks first
	// among equal priorities.
	TakeLastN(ctx context.Context, n int) (lockID string, tasks []Task, err error)
}

// Requeuer is implemented by stores that can release a lock back to the
// pending set without deleting its tasks.
type Requeuer interface {
	Requeue(ctx context.Context, lockID string) error
}

// StoreConfig names a registered backend type and carries its connection
// settings. Fields a backend does not use are ignored.
type StoreConfig struct {
	Type string `toml:"type"`

	// DSN is used by SQL backends (sqlite, postgres).
	DSN string `toml:"dsn"`

	// Addr is the host:port of a Redis server.
	Addr string `toml:"addr"`

	// URI is a MongoDB connection string.
	URI string `toml:"uri"`

	// Prefix namespaces keys (redis) or tables/collections (sql, mongo).
	Prefix string `toml:"prefix"`

	// Database is the MongoDB database name.
	Database string `toml:"database"`
}

// StoreFactory builds a Store from its configuration.
type StoreFactory func(cfg StoreConfig) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]StoreFactory)
)

// RegisterStore makes a backend available by name. It is meant to be called
// from init functions; registering the same name twice panics.
func RegisterStore(name string, factory StoreFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("fluxq: RegisterStore factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("fluxq: RegisterStore called twice for " + name)
	}
	registry[name] = factory
}

// OpenStore builds a Store using the factory registered for cfg.Type.
func OpenStore(cfg StoreConfig) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, &ConfigError{Err: ErrUnknownStore, Detail: fmt.Sprintf("no backend registered as %q", cfg.Type)}
	}
	return factory(cfg)
}

// RegisteredStores returns the sorted names of all registered backends.
func RegisteredStores() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
