package worker

import "github.com/petrijr/fluxq/pkg/api"

// Batch is the ProcessFunc's view of its worker.
type Batch struct {
	w *Worker
}

// LockID returns the store lock held for the batch.
func (b *Batch) LockID() string { return b.w.cfg.LockID }

// Len returns the number of tasks.
func (b *Batch) Len() int { return len(b.w.cfg.Tasks) }

// Tasks returns the tasks in dispatch order. Indexes into this slice
// identify tasks in FinishTask, FailTask and TaskProgress.
func (b *Batch) Tasks() []api.Task { return b.w.Tasks() }

// Input returns the lone payload when the worker runs in single mode,
// otherwise a []any of every payload.
func (b *Batch) Input() any {
	tasks := b.w.cfg.Tasks
	if b.w.cfg.Single && len(tasks) == 1 {
		return tasks[0].Payload
	}
	out := make([]any, len(tasks))
	for i, t := range tasks {
		out[i] = t.Payload
	}
	return out
}

func (b *Batch) FinishTask(i int, result any) { b.w.FinishTask(i, result) }
func (b *Batch) FailTask(i int, err error)    { b.w.FailTask(i, err) }

// Progress reports batch-level progress.
func (b *Batch) Progress(done, total float64, msg string) { b.w.ProgressBatch(done, total, msg) }

// TaskProgress reports progress for task i.
func (b *Batch) TaskProgress(i int, done, total float64, msg string) {
	b.w.ProgressTask(i, done, total, msg)
}

// SetControl registers a value implementing any subset of Pauser, Resumer,
// Canceler and Aborter. Worker control calls are forwarded to it.
func (b *Batch) SetControl(c any) { b.w.setControl(c) }
