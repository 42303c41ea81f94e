package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxq"
)

var pushTimeout = 30 * time.Second

var pushCmd = &cobra.Command{
	Use:   "push [file]",
	Short: "Enqueue JSON lines from a file or stdin",
	Long: "Each non-empty line is decoded as JSON and pushed as one task. Lines\n" +
		"sharing an identity are merged into a single task.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		inputs, err := readJSONLines(in)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), pushTimeout)
		defer cancel()
		n, err := pushAll(ctx, cmd, inputs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pushed %d tasks (%d pending)\n", len(inputs), n)
		return nil
	},
}

func init() {
	pushCmd.Flags().DurationVar(&pushTimeout, "timeout", 30*time.Second, "How long to wait for the store to accept every task")
}

func readJSONLines(r io.Reader) ([]any, error) {
	var inputs []any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		inputs = append(inputs, v)
	}
	return inputs, sc.Err()
}

// pushAll persists inputs through a paused queue, so nothing is processed
// here, and returns the store's pending length once every ticket is queued.
func pushAll(ctx context.Context, cmd *cobra.Command, inputs []any) (int, error) {
	opts, err := queueOptions(cmd, fluxq.WithAutoResume(false))
	if err != nil {
		return 0, err
	}
	q, err := fluxq.New(func(context.Context, *fluxq.Batch) (any, error) {
		return nil, errors.New("push queue does not process tasks")
	}, opts...)
	if err != nil {
		return 0, err
	}
	q.Pause()

	tickets := make([]*fluxq.Ticket, 0, len(inputs))
	for _, in := range inputs {
		t, err := q.Push(ctx, in)
		if err != nil {
			return 0, errors.Join(err, q.Close(ctx))
		}
		tickets = append(tickets, t)
	}

	err = waitQueued(ctx, tickets)
	err = errors.Join(err, q.Close(ctx))
	return q.Stats().Length, err
}

func waitQueued(ctx context.Context, tickets []*fluxq.Ticket) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for _, t := range tickets {
		for t.Status() != fluxq.StatusQueued {
			if t.Status() == fluxq.StatusFailed {
				return fmt.Errorf("task %s: %w", t.TaskID(), t.Err())
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("task %s: %w", t.TaskID(), ctx.Err())
			case <-tick.C:
			}
		}
	}
	return nil
}
