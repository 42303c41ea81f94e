// Package ticket implements the caller-facing handle returned for every
// push: a small status/progress state machine with an event listener
// registry, and Group, which fans transitions out to every ticket that
// shares a merged task identity.
package ticket

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/fluxq/pkg/api"
)

// Status is the coarse state of a ticket.
type Status string

const (
	StatusCreated    Status = "created"
	StatusAccepted   Status = "accepted"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// EventType names a ticket transition. The values are part of the public
// contract and match the queue's event taxonomy.
type EventType string

const (
	EventAccepted EventType = "accepted"
	EventQueued   EventType = "queued"
	EventUnqueued EventType = "unqueued"
	EventStarted  EventType = "started"
	EventFailed   EventType = "failed"
	EventFinish   EventType = "finish"
	EventStopped  EventType = "stopped"
	EventProgress EventType = "progress"
)

// Event is delivered to listeners after each applied transition.
type Event struct {
	Type     EventType
	TaskID   string
	Status   Status
	Result   any
	Err      error
	Progress api.Progress
}

// Option configures a Ticket.
type Option func(*Ticket)

// WithClock sets the clock used for progress estimates.
func WithClock(c clockwork.Clock) Option {
	return func(t *Ticket) { t.clock = c }
}

// Ticket reports the status and progress of one pushed input. A ticket is
// never reused across tasks.
//
// Transitions that do not apply from the current status are ignored and
// report false. Finished and failed are terminal; Done is closed when one
// of them is reached.
type Ticket struct {
	id     string
	taskID string
	clock  clockwork.Clock

	mu        sync.Mutex
	status    Status
	result    any
	err       error
	progress  api.Progress
	startedAt time.Time
	listeners []func(Event)
	done      chan struct{}

	// emitMu keeps listener delivery in transition order.
	emitMu sync.Mutex
}

// New creates a ticket in StatusCreated for the given task identity.
func New(taskID string, opts ...Option) *Ticket {
	t := &Ticket{
		id:     uuid.NewString(),
		taskID: taskID,
		clock:  clockwork.NewRealClock(),
		status: StatusCreated,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the ticket's own unique ID.
func (t *Ticket) ID() string { return t.id }

// TaskID returns the identity of the task the ticket observes.
func (t *Ticket) TaskID() string { return t.taskID }

// OnEvent registers fn to receive every subsequent transition. Listeners
// run synchronously and must not call transition methods on the same ticket.
func (t *Ticket) OnEvent(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Accept acknowledges the push.
func (t *Ticket) Accept() bool {
	return t.transition(EventAccepted, func() bool {
		if t.status != StatusCreated {
			return false
		}
		t.status = StatusAccepted
		return true
	})
}

// Queue records that the task was durably persisted.
func (t *Ticket) Queue() bool {
	return t.transition(EventQueued, func() bool {
		if t.status != StatusAccepted {
			return false
		}
		t.status = StatusQueued
		return true
	})
}

// Unqueue reverts a queued ticket to accepted, used when its task is
// superseded by a merge before dispatch.
func (t *Ticket) Unqueue() bool {
	return t.transition(EventUnqueued, func() bool {
		if t.status != StatusQueued {
			return false
		}
		t.status = StatusAccepted
		return true
	})
}

// Start records that the task was handed to a worker.
func (t *Ticket) Start() bool {
	return t.transition(EventStarted, func() bool {
		if t.status != StatusQueued {
			return false
		}
		t.status = StatusInProgress
		t.startedAt = t.clock.Now()
		t.progress = api.Progress{}
		return true
	})
}

// Finish terminates the ticket successfully with result.
func (t *Ticket) Finish(result any) bool {
	return t.transition(EventFinish, func() bool {
		if t.status != StatusInProgress {
			return false
		}
		t.status = StatusFinished
		t.result = result
		if t.progress.Total > 0 {
			t.progress.Done = t.progress.Total
			t.progress.Pct = 1
		}
		close(t.done)
		return true
	})
}

// Fail terminates the ticket with err. Unlike Finish it applies from any
// non-terminal status, so inputs rejected before dispatch still resolve.
func (t *Ticket) Fail(err error) bool {
	return t.transition(EventFailed, func() bool {
		if t.terminal() {
			return false
		}
		t.status = StatusFailed
		t.err = err
		close(t.done)
		return true
	})
}

// Stop reverts an in-progress ticket to queued, used when its batch is
// requeued for another attempt or recovered after a stop.
func (t *Ticket) Stop() bool {
	return t.transition(EventStopped, func() bool {
		if t.status != StatusInProgress {
			return false
		}
		t.status = StatusQueued
		t.result = nil
		t.startedAt = time.Time{}
		t.progress = api.Progress{}
		return true
	})
}

// SetProgress records done/total for an in-progress ticket and derives the
// percentage and ETA from the time since Start. A zero total is a no-op.
func (t *Ticket) SetProgress(done, total float64, msg string) bool {
	return t.transition(EventProgress, func() bool {
		if t.status != StatusInProgress {
			return false
		}
		p, ok := api.NewProgress(done, total, t.clock.Since(t.startedAt), msg)
		if !ok {
			return false
		}
		t.progress = p
		return true
	})
}

// Status returns the current status.
func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the result of a finished ticket.
func (t *Ticket) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure of a failed ticket.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Progress returns the latest progress report.
func (t *Ticket) Progress() api.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Done is closed once the ticket is finished or failed.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket is terminal or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) terminal() bool {
	return t.status == StatusFinished || t.status == StatusFailed
}

// transition applies fn under the state lock and, when it reports a
// change, delivers the resulting event to listeners.
func (t *Ticket) transition(typ EventType, fn func() bool) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !fn() {
		t.mu.Unlock()
		return false
	}
	ev := Event{
		Type:     typ,
		TaskID:   t.taskID,
		Status:   t.status,
		Result:   t.result,
		Err:      t.err,
		Progress: t.progress,
	}
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return true
}
