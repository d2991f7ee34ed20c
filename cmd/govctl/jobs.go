package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crowdfund/internal/app"
	"crowdfund/pkg/rbac"
)

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), "crowdfund-govctl")
			if err != nil {
				return err
			}
			defer a.Close()

			for _, name := range a.Scheduler().Names() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job [name]",
		Short: "Run one scheduled job once and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), "crowdfund-govctl")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Scheduler().RunOnce(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			fmt.Printf("job %s finished\n", args[0])
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Process expired campaigns and print the per-campaign report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), "crowdfund-govctl")
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Escrow.ProcessExpiredCampaigns(cmd.Context(), rbac.System())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
