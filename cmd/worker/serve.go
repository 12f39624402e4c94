package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")
	return cmd
}

func runServe(ctx context.Context, shutdownTimeout time.Duration) error {
	deps, err := bootstrap(ctx)
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
	s.Start()
	for _, e := range s.Entries() {
		deps.Log.Info("job scheduled", "task", e.Name, "spec", e.Spec, "next", e.Next)
	}

	<-ctx.Done()
	deps.Log.Info("worker shutdown initiated")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		deps.Log.Error("scheduler stop timed out", "err", err)
	}
	return nil
}
