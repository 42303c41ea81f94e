package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/petrijr/fluxq"
)

var shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Process queued tasks with a shell command",
	Long: "Runs <command> once per task with the task payload as JSON on stdin and\n" +
		"FLUXQ_TASK_ID in the environment. A non-zero exit fails the task.",
	Args: cobra.MinimumNArgs(1),
	RunE: runWorker,
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for running tasks before requeueing them")
}

func runWorker(cmd *cobra.Command, args []string) error {
	opts, err := queueOptions(cmd, fluxq.WithObserver(fluxq.NewLoggingObserver(slog.Default())))
	if err != nil {
		return err
	}
	q, err := fluxq.New(shellProcess(args[0], args[1:]), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("fluxq worker started", "command", strings.Join(args, " "))
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := q.Close(closeCtx)

	printStats(cmd, q.Stats())
	return closeErr
}

// shellProcess runs name once per task of a batch and resolves each task
// with the command's trimmed stdout.
func shellProcess(name string, args []string) fluxq.ProcessFunc {
	return func(ctx context.Context, b *fluxq.Batch) (any, error) {
		for i, task := range b.Tasks() {
			out, err := runShell(ctx, name, args, task)
			if err != nil {
				b.FailTask(i, err)
				continue
			}
			b.FinishTask(i, out)
		}
		return nil, nil
	}
}

func runShell(ctx context.Context, name string, args []string, task fluxq.Task) (string, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, name, args...)
	c.Stdin = bytes.NewReader(payload)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Env = append(os.Environ(), "FLUXQ_TASK_ID="+task.ID)
	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func printStats(cmd *cobra.Command, s fluxq.Stats) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOTAL\tSUCCEEDED\tFAILED\tSUCCESS\tAVERAGE\tPEAK\tPENDING")
	fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\t%d\n",
		humanize.Comma(s.Total),
		humanize.Comma(s.Succeeded),
		humanize.Comma(s.Failed),
		s.SuccessRate*100,
		s.Average.Round(time.Millisecond),
		s.Peak.Round(time.Millisecond),
		s.Length,
	)
	w.Flush()
}
