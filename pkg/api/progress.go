package api

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is a point-in-time progress report for a task or a batch.
type Progress struct {
	Done  float64
	Total float64

	// Pct is Done/Total clamped to [0, 1].
	Pct float64

	// Remaining is the estimated time left, derived from the elapsed time
	// and Pct. Zero when no estimate is possible yet.
	Remaining time.Duration

	// ETA is Remaining formatted for humans ("3 minutes", "now"). Empty
	// when no estimate is possible yet.
	ETA string

	Message string
}

// NewProgress computes percentage and ETA for done/total after elapsed.
// A zero total yields ok == false; callers treat that as a no-op.
func NewProgress(done, total float64, elapsed time.Duration, msg string) (p Progress, ok bool) {
	if total == 0 {
		return Progress{}, false
	}
	p = Progress{
		Done:    done,
		Total:   total,
		Pct:     clamp01(done / total),
		Message: msg,
	}
	p.Remaining = EstimateRemaining(elapsed, p.Pct)
	if p.Pct > 0 {
		p.ETA = FormatETA(p.Remaining)
	}
	return p, true
}

// EstimateRemaining extrapolates the time left from elapsed and the
// completed fraction. It returns 0 when pct is not positive.
func EstimateRemaining(elapsed time.Duration, pct float64) time.Duration {
	if pct <= 0 || elapsed <= 0 {
		return 0
	}
	if pct >= 1 {
		return 0
	}
	total := time.Duration(float64(elapsed) / pct)
	return total - elapsed
}

// FormatETA renders a remaining duration the way progress bars do.
func FormatETA(remaining time.Duration) string {
	if remaining < time.Second {
		return "now"
	}
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now, now.Add(remaining), "", ""))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
