package main

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"voice-platform/internal/reconcile"
)

// jobOrder lists the reconcile tasks with the env var that overrides each schedule.
var jobOrder = []struct {
	name   string
	envVar string
}{
	{reconcile.TaskStaleSweep, "SWEEP_SCHEDULE"},
	{reconcile.TaskRecordings, "RECORDING_SCHEDULE"},
	{reconcile.TaskTranscripts, "TRANSCRIPT_SCHEDULE"},
	{reconcile.TaskAnalytics, "ANALYTICS_SCHEDULE"},
}

func jobNames() []string {
	out := make([]string, 0, len(jobOrder))
	for _, j := range jobOrder {
		out = append(out, j.name)
	}
	return out
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the scheduled jobs and their default schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			def := reconcile.DefaultSpecs()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tDEFAULT\tOVERRIDE")
			for _, j := range jobOrder {
				fmt.Fprintf(w, "%s\t%s\t%s\n", j.name, def[j.name], j.envVar)
			}
			return w.Flush()
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <job>",
		Short:     "Run one tick of a job now and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !slices.Contains(jobNames(), name) {
				return fmt.Errorf("unknown job %q (see: worker jobs)", name)
			}

			deps, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer deps.Close()

			stopBroadcast := startBroadcaster(deps)
			defer stopBroadcast()

			s, err := newScheduler(deps)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := s.RunNow(cmd.Context(), name); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s finished in %s\n", name, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	return cmd
}
