package fluxq_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/petrijr/fluxq"
)

// Example_push shows a queue upper-casing strings one task at a time.
func Example_push() {
	ctx := context.Background()

	q, err := fluxq.New(func(_ context.Context, b *fluxq.Batch) (any, error) {
		return strings.ToUpper(b.Input().(string)), nil
	})
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close(ctx)

	t, err := q.Push(ctx, "hello")
	if err != nil {
		log.Fatal(err)
	}
	out, err := t.Wait(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(out, t.Status())
	// Output: HELLO finished
}

// Example_batches shows merged pushes reaching the process function as
// one task.
func Example_batches() {
	ctx := context.Background()

	q, err := fluxq.New(func(_ context.Context, b *fluxq.Batch) (any, error) {
		for _, task := range b.Tasks() {
			fmt.Println(task.ID, task.Payload.(map[string]any)["total"])
		}
		return nil, nil
	}, fluxq.WithMerge(func(_ context.Context, old, in any) (any, error) {
		o, n := old.(map[string]any), in.(map[string]any)
		return map[string]any{"id": o["id"], "total": o["total"].(int) + n["total"].(int)}, nil
	}))
	if err != nil {
		log.Fatal(err)
	}

	q.Pause()
	var last *fluxq.Ticket
	for _, n := range []int{1, 2, 3} {
		if last, err = q.Push(ctx, map[string]any{"id": "cart-1", "total": n}); err != nil {
			log.Fatal(err)
		}
	}
	// Let the three pushes settle into one stored task before resuming.
	for q.Stats().Length != 1 || last.Status() != fluxq.StatusQueued {
		time.Sleep(time.Millisecond)
	}
	q.Resume()

	if _, err := last.Wait(ctx); err != nil {
		log.Fatal(err)
	}
	_ = q.Close(ctx)
	// Output: cart-1 6
}
