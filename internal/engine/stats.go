package engine

import "time"

// Stats is a snapshot of queue state and outcome counters. Elapsed times
// are measured from batch start to task outcome.
type Stats struct {
	Length    int
	Running   int
	Connected bool
	Paused    bool

	// Total counts tasks that reached a terminal outcome. Retried attempts
	// are not counted until the final one.
	Total       int64
	Succeeded   int64
	Failed      int64
	SuccessRate float64

	Average time.Duration
	Peak    time.Duration
}

// Stats returns the snapshot taken after the orchestration goroutine last
// went idle. It never blocks on the queue and is safe to call from
// callbacks.
func (q *Queue) Stats() Stats {
	q.snapMu.Lock()
	defer q.snapMu.Unlock()
	return q.snap
}

// ResetStats clears the outcome counters and elapsed-time figures.
func (q *Queue) ResetStats() {
	q.call(func() {
		q.total, q.succeeded, q.failed = 0, 0, 0
		q.peak, q.average = 0, 0
		q.publish()
	})
}

func (q *Queue) publish() {
	s := Stats{
		Length:    q.length,
		Running:   len(q.runs),
		Connected: q.connected,
		Paused:    q.stopped,
		Total:     q.total,
		Succeeded: q.succeeded,
		Failed:    q.failed,
		Average:   q.average,
		Peak:      q.peak,
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}

	q.snapMu.Lock()
	q.snap = s
	q.waiting = q.length + len(q.buffered) + q.queuedPuts
	q.snapMu.Unlock()
}
