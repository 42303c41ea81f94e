package worker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxq/pkg/api"
)

func TestWorker_TimeoutFailsBatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	ctxSeen := make(chan error, 1)

	w := New(func(ctx context.Context, b *Batch) (any, error) {
		<-ctx.Done()
		ctxSeen <- ctx.Err()
		return nil, ctx.Err()
	}, Config{
		LockID:  "l1",
		Tasks:   tasks("a"),
		Timeout: time.Minute,
		Clock:   clock,
	}, rec)

	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(59 * time.Second)
	select {
	case <-w.Done():
		t.Fatal("batch ended before its timeout")
	default:
	}

	clock.Advance(time.Second)
	waitDone(t, w)

	assert.ErrorIs(t, w.Err(), api.ErrTimedOut)
	assert.ErrorIs(t, rec.errs["a"], api.ErrTimedOut)
	assert.ErrorIs(t, <-ctxSeen, context.Canceled)
}

func TestWorker_TimerStoppedOnEnd(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()

	w := New(func(ctx context.Context, b *Batch) (any, error) {
		return "fast", nil
	}, Config{LockID: "l1", Tasks: tasks("a"), Timeout: time.Minute, Clock: clock}, rec)

	w.Start(context.Background())
	waitDone(t, w)
	clock.Advance(2 * time.Minute)

	assert.NoError(t, w.Err())
	assert.Equal(t, "fast", rec.results["a"])
	assert.Equal(t, 1, rec.ends)
}
