package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/fluxq/internal/persistence"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/worker"
)

// FilterFunc inspects an input before it is queued. It may return a
// transformed input; an error rejects the push.
type FilterFunc func(ctx context.Context, input any) (any, error)

// MergeFunc combines the payload of a pending task with a newly pushed
// input for the same identity.
type MergeFunc func(ctx context.Context, oldPayload, newInput any) (any, error)

// PreconditionFunc reports whether the queue may dispatch now. An error
// counts as not ready.
type PreconditionFunc func(ctx context.Context) (bool, error)

// PriorityFunc computes the dequeue priority of a payload. Higher values
// are taken first.
type PriorityFunc func(ctx context.Context, payload any) (int, error)

// IDFunc computes the identity of an input.
type IDFunc func(input any) (string, error)

// Config holds every queue setting. It is immutable once the queue is built.
type Config struct {
	Process worker.ProcessFunc

	Filter       FilterFunc
	Merge        MergeFunc
	Precondition PreconditionFunc
	Priority     PriorityFunc

	// IDField names the identity field of map and struct inputs. IDFunc,
	// when set, takes precedence. Inputs without an identity get a UUID.
	IDField string
	IDFunc  IDFunc

	CancelIfRunning            bool
	AutoResume                 bool
	FailTaskOnProcessException bool
	Filo                       bool

	BatchSize         int
	BatchDelay        time.Duration
	BatchDelayTimeout time.Duration
	AfterProcessDelay time.Duration
	Concurrent        int
	MaxTimeout        time.Duration

	MaxRetries int
	RetryDelay time.Duration

	// StoreMaxRetries bounds connect attempts; zero means unlimited.
	StoreMaxRetries   int
	StoreRetryTimeout time.Duration

	PreconditionRetryTimeout time.Duration

	// MaxQueued makes Push fail with api.ErrSaturated while this many tasks
	// are waiting. Zero means unbounded.
	MaxQueued int

	// Store is a registered backend name, an api.StoreConfig or an api.Store.
	Store any

	Observer api.Observer
	Logger   *slog.Logger
	Clock    clockwork.Clock
}

// Option configures a Queue.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		IDField:                    "id",
		AutoResume:                 true,
		FailTaskOnProcessException: true,
		BatchSize:                  1,
		Concurrent:                 1,
		StoreRetryTimeout:          time.Second,
		PreconditionRetryTimeout:   time.Second,
		Store:                      persistence.StoreMemory,
	}
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Concurrent <= 0 {
		c.Concurrent = 1
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.Store == nil {
		c.Store = persistence.StoreMemory
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

func (c *Config) validate() error {
	if c.Process == nil {
		return &api.ConfigError{Err: api.ErrProcessRequired}
	}
	durations := map[string]time.Duration{
		"batchDelay":               c.BatchDelay,
		"batchDelayTimeout":        c.BatchDelayTimeout,
		"afterProcessDelay":        c.AfterProcessDelay,
		"maxTimeout":               c.MaxTimeout,
		"retryDelay":               c.RetryDelay,
		"storeRetryTimeout":        c.StoreRetryTimeout,
		"preconditionRetryTimeout": c.PreconditionRetryTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("fluxq: %s must not be negative, got %s", name, d)
		}
	}
	if c.MaxRetries < 0 || c.StoreMaxRetries < 0 || c.MaxQueued < 0 {
		return fmt.Errorf("fluxq: retry and capacity limits must not be negative")
	}
	return nil
}

// WithFilter runs fn on every push before the task reaches the store.
func WithFilter(fn FilterFunc) Option { return func(c *Config) { c.Filter = fn } }

// WithMerge combines a push with a task already stored under the same ID.
func WithMerge(fn MergeFunc) Option { return func(c *Config) { c.Merge = fn } }

// WithPrecondition gates dispatch on fn returning true.
func WithPrecondition(fn PreconditionFunc) Option { return func(c *Config) { c.Precondition = fn } }

// WithPriority orders queued tasks by fn, higher first.
func WithPriority(fn PriorityFunc) Option { return func(c *Config) { c.Priority = fn } }

// WithIDField names the payload field read as the task ID.
func WithIDField(name string) Option { return func(c *Config) { c.IDField = name } }

// WithIDFunc derives task IDs with fn instead of a payload field.
func WithIDFunc(fn IDFunc) Option { return func(c *Config) { c.IDFunc = fn } }

// WithCancelIfRunning cancels a running task when a push reuses its ID.
func WithCancelIfRunning(on bool) Option { return func(c *Config) { c.CancelIfRunning = on } }

// WithAutoResume makes the queue resume itself once the store connects.
func WithAutoResume(on bool) Option { return func(c *Config) { c.AutoResume = on } }

// WithFilo takes the newest tasks first.
func WithFilo(on bool) Option { return func(c *Config) { c.Filo = on } }

// WithFailTaskOnProcessException controls whether a panicking process
// function fails its batch (true, the default) or crashes the program.
func WithFailTaskOnProcessException(on bool) Option {
	return func(c *Config) { c.FailTaskOnProcessException = on }
}

// WithBatchSize sets how many tasks one worker receives.
func WithBatchSize(n int) Option { return func(c *Config) { c.BatchSize = n } }

// WithBatchDelay waits for a quiet period of d after the latest push before
// taking a batch smaller than the batch size. timeout caps the total wait;
// zero means no cap.
func WithBatchDelay(d, timeout time.Duration) Option {
	return func(c *Config) {
		c.BatchDelay = d
		c.BatchDelayTimeout = timeout
	}
}

// WithAfterProcessDelay holds a worker slot for d after each batch ends.
func WithAfterProcessDelay(d time.Duration) Option { return func(c *Config) { c.AfterProcessDelay = d } }

// WithConcurrent sets how many batches may run at once.
func WithConcurrent(n int) Option { return func(c *Config) { c.Concurrent = n } }

// WithMaxTimeout fails a batch that runs longer than d. Zero disables it.
func WithMaxTimeout(d time.Duration) Option { return func(c *Config) { c.MaxTimeout = d } }

// WithRetries sets how many times a failed task is retried and the delay
// before it is queued again.
func WithRetries(max int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = max
		c.RetryDelay = delay
	}
}

// WithStoreRetries sets the connect attempt limit and the constant delay
// between attempts.
func WithStoreRetries(max int, timeout time.Duration) Option {
	return func(c *Config) {
		c.StoreMaxRetries = max
		c.StoreRetryTimeout = timeout
	}
}

// WithPreconditionRetryTimeout sets how long to wait before checking a
// false precondition again.
func WithPreconditionRetryTimeout(d time.Duration) Option {
	return func(c *Config) { c.PreconditionRetryTimeout = d }
}

// WithMaxQueued rejects pushes with api.ErrSaturated once n tasks are
// queued. Zero means unbounded.
func WithMaxQueued(n int) Option { return func(c *Config) { c.MaxQueued = n } }

// WithStore selects the backend: a registered name, an api.StoreConfig or
// an api.Store value.
func WithStore(store any) Option { return func(c *Config) { c.Store = store } }

// WithObserver receives task and batch lifecycle callbacks.
func WithObserver(o api.Observer) Option { return func(c *Config) { c.Observer = o } }

// WithLogger sets the structured logger. Nil means slog.Default.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option { return func(c *Config) { c.Clock = clock } }

// WithConfig replaces the whole configuration. A nil Process keeps the one
// passed to New. Later options still apply on top of it.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		if cfg.Process == nil {
			cfg.Process = c.Process
		}
		*c = cfg
	}
}
