package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voice-platform/pkg/utils"
)

func newMigrateCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Applies the embedded SQL migrations in order, then creates or updates the analytics tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				names, err := utils.MigrationNames()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(out, n)
				}
				return nil
			}

			deps, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer deps.Close()

			applied, err := deps.Migrate(cmd.Context())
			for _, n := range applied {
				fmt.Fprintf(out, "applied %s\n", n)
			}
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the embedded migrations without connecting")
	return cmd
}
