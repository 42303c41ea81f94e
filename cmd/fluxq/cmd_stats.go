package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxq"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending and locked tasks in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := fluxq.OpenStore(store)
		if err != nil {
			return err
		}
		if c, ok := s.(io.Closer); ok {
			defer c.Close()
		}

		pending, err := s.Connect(cmd.Context())
		if err != nil {
			return fmt.Errorf("connect %s store: %w", store.Type, err)
		}
		running, err := s.GetRunningTasks(cmd.Context())
		if err != nil {
			return err
		}
		locked := 0
		for _, tasks := range running {
			locked += len(tasks)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STORE\tPENDING\tLOCKS\tLOCKED")
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", store.Type, pending, len(running), locked)
		return w.Flush()
	},
}
