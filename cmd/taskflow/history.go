package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/persistence"
)

var errNoStore = errors.New("no store configured; pass --store or set TASKFLOW_STORE")

func (o *options) openStore(cmd *cobra.Command) (*persistence.SQLiteStore, error) {
	if o.storePath == "" {
		return nil, errNoStore
	}
	return persistence.NewSQLiteStore(cmd.Context(), o.storePath)
}

func newRunsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded job runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			w := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs recorded.")
				return nil
			}

			fmt.Fprintf(w, "%-36s  %-30s  %-9s  %-10s  %s\n", "ID", "NAME", "STATE", "DURATION", "ERROR")
			fmt.Fprintf(w, "%-36s  %-30s  %-9s  %-10s  %s\n", "--", "----", "-----", "--------", "-----")
			for _, r := range runs {
				state := "ok"
				switch {
				case r.Cancelled:
					state = "cancelled"
				case r.Error != "":
					state = "failed"
				}
				duration := "-"
				if !r.StartedAt.IsZero() {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%-36s  %-30s  %-9s  %-10s  %s\n", r.TaskID, r.Name, state, duration, r.Error)
			}
			return nil
		},
	}
}

func newResultsCmd(opts *options) *cobra.Command {
	var latest bool

	cmd := &cobra.Command{
		Use:   "results [workflow]",
		Short: "List stored poll results, or print the latest payload of a workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var workflow string
			if len(args) == 1 {
				workflow = args[0]
			}
			w := cmd.OutOrStdout()

			if latest {
				if workflow == "" {
					return errors.New("--latest requires a workflow")
				}
				r, err := store.LatestResult(cmd.Context(), workflow)
				if err != nil {
					return fmt.Errorf("latest result of %s: %w", workflow, err)
				}
				_, err = fmt.Fprintln(w, string(r.Payload))
				return err
			}

			results, err := store.ListResults(cmd.Context(), workflow)
			if err != nil {
				return fmt.Errorf("list results: %w", err)
			}
			if len(results) == 0 {
				fmt.Fprintln(w, "No results stored.")
				return nil
			}

			fmt.Fprintf(w, "%-36s  %-30s  %-25s  %s\n", "ID", "WORKFLOW", "CREATED", "SOURCE")
			fmt.Fprintf(w, "%-36s  %-30s  %-25s  %s\n", "--", "--------", "-------", "------")
			for _, r := range results {
				fmt.Fprintf(w, "%-36s  %-30s  %-25s  %s\n", r.ID, r.Workflow, r.CreatedAt.Format(time.RFC3339), r.Source)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "Print the payload of the most recent result")
	return cmd
}
