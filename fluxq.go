package fluxq

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxq/internal/engine"
	"github.com/petrijr/fluxq/internal/persistence"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/ticket"
	"github.com/petrijr/fluxq/pkg/worker"
)

// Re-export key types so users don't need to dig into internal packages.

type (
	Queue            = engine.Queue
	Config           = engine.Config
	Option           = engine.Option
	Stats            = engine.Stats
	FilterFunc       = engine.FilterFunc
	MergeFunc        = engine.MergeFunc
	PreconditionFunc = engine.PreconditionFunc
	PriorityFunc     = engine.PriorityFunc
	IDFunc           = engine.IDFunc
	Identifier       = engine.Identifier

	ProcessFunc = worker.ProcessFunc
	Batch       = worker.Batch

	Ticket       = ticket.Ticket
	TicketStatus = ticket.Status
	TicketEvent  = ticket.Event

	Task        = api.Task
	Store       = api.Store
	StoreConfig = api.StoreConfig
	Progress    = api.Progress

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	TracingObserver      = api.TracingObserver

	ConfigError       = api.ConfigError
	ProcessPanicError = api.ProcessPanicError
)

// Re-export ticket statuses.

const (
	StatusCreated    = ticket.StatusCreated
	StatusAccepted   = ticket.StatusAccepted
	StatusQueued     = ticket.StatusQueued
	StatusInProgress = ticket.StatusInProgress
	StatusFinished   = ticket.StatusFinished
	StatusFailed     = ticket.StatusFailed
)

// Registered store names.

const (
	StoreMemory   = persistence.StoreMemory
	StoreSQLite   = persistence.StoreSQLite
	StorePostgres = persistence.StorePostgres
	StoreRedis    = persistence.StoreRedis
	StoreMongo    = persistence.StoreMongo
)

// Re-export errors.

var (
	ErrTaskNotFound    = api.ErrTaskNotFound
	ErrLockNotFound    = api.ErrLockNotFound
	ErrProcessRequired = api.ErrProcessRequired
	ErrUnknownStore    = api.ErrUnknownStore
	ErrInvalidLength   = api.ErrInvalidLength
	ErrConnectFailed   = api.ErrConnectFailed
	ErrCancelled       = api.ErrCancelled
	ErrTimedOut        = api.ErrTimedOut
	ErrSaturated       = api.ErrSaturated
	ErrFiltered        = api.ErrFiltered
	ErrClosed          = api.ErrClosed
	ErrStoreSwitched   = api.ErrStoreSwitched
)

// Re-export observer and registry helpers.

var (
	NewLoggingObserver           = api.NewLoggingObserver
	NewCompositeObserver         = api.NewCompositeObserver
	NewTracingObserver           = api.NewTracingObserver
	NewTracingObserverWithTracer = api.NewTracingObserverWithTracer
	RegisterStore                = api.RegisterStore
	RegisteredStores             = api.RegisteredStores
	OpenStore                    = api.OpenStore
	RegisterPayload              = persistence.RegisterPayload
)

// Re-export options.

var (
	WithFilter                     = engine.WithFilter
	WithMerge                      = engine.WithMerge
	WithPrecondition               = engine.WithPrecondition
	WithPriority                   = engine.WithPriority
	WithIDField                    = engine.WithIDField
	WithIDFunc                     = engine.WithIDFunc
	WithCancelIfRunning            = engine.WithCancelIfRunning
	WithAutoResume                 = engine.WithAutoResume
	WithFailTaskOnProcessException = engine.WithFailTaskOnProcessException
	WithFilo                       = engine.WithFilo
	WithBatchSize                  = engine.WithBatchSize
	WithBatchDelay                 = engine.WithBatchDelay
	WithAfterProcessDelay          = engine.WithAfterProcessDelay
	WithConcurrent                 = engine.WithConcurrent
	WithMaxTimeout                 = engine.WithMaxTimeout
	WithRetries                    = engine.WithRetries
	WithStoreRetries               = engine.WithStoreRetries
	WithPreconditionRetryTimeout   = engine.WithPreconditionRetryTimeout
	WithMaxQueued                  = engine.WithMaxQueued
	WithStore                      = engine.WithStore
	WithObserver                   = engine.WithObserver
	WithLogger                     = engine.WithLogger
	WithClock                      = engine.WithClock
	WithConfig                     = engine.WithConfig
)

// New builds a Queue that hands batches to process. The default store is
// the in-memory backend.
func New(process ProcessFunc, opts ...Option) (*Queue, error) {
	return engine.New(process, opts...)
}

// Store constructors.
// These wrap internal/persistence so external callers never need to import
// internal packages. Stores built from a caller-owned handle are not closed
// by the queue.

// NewMemoryStore returns a non-durable store, mostly useful in tests.
func NewMemoryStore() Store {
	return persistence.NewMemoryStore()
}

// NewSQLiteStore returns a store over an open SQLite database. An empty
// table defaults to "fluxq_tasks".
func NewSQLiteStore(db *sql.DB, table string) Store {
	return persistence.NewSQLiteStore(db, table)
}

// OpenSQLiteStore opens dsn with the modernc.org/sqlite driver. The queue
// closes the database when it is closed.
func OpenSQLiteStore(dsn, table string) (Store, error) {
	s, err := persistence.OpenSQLiteStore(dsn, table)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore returns a store over an open PostgreSQL database.
func NewPostgresStore(db *sql.DB, table string) Store {
	return persistence.NewPostgresStore(db, table)
}

// OpenPostgresStore opens dsn with the pgx stdlib driver. The queue closes
// the database when it is closed.
func OpenPostgresStore(dsn, table string) (Store, error) {
	s, err := persistence.OpenPostgresStore(dsn, table)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewRedisStore returns a store using client. An empty prefix defaults to
// "fluxq:".
func NewRedisStore(client *redis.Client, prefix string) Store {
	return persistence.NewRedisStore(client, prefix)
}

// OpenRedisStore returns a store owning a new client for addr.
func OpenRedisStore(addr, prefix string) Store {
	return persistence.OpenRedisStore(addr, prefix)
}

// NewMongoStore returns a store using a collection of client.
func NewMongoStore(client *mongo.Client, database, collection string) Store {
	return persistence.NewMongoStore(client, database, collection)
}

// OpenMongoStore connects to uri and returns a store owning the client.
func OpenMongoStore(ctx context.Context, uri, database, collection string) (Store, error) {
	s, err := persistence.OpenMongoStore(ctx, uri, database, collection)
	if err != nil {
		return nil, err
	}
	return s, nil
}
