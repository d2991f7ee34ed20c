package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"crowdfund/internal/app"
	"crowdfund/pkg/mq"
	"crowdfund/pkg/outbox"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay outbox events",
	}
	cmd.AddCommand(outboxReplayCmd(), outboxRequeueCmd())
	return cmd
}

func outboxRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Reset a failed event to pending so the dispatcher retries it",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt64("id")
			if id <= 0 {
				return fmt.Errorf("--id is required")
			}

			a, err := app.New(cmd.Context(), "crowdfund-govctl")
			if err != nil {
				return err
			}
			defer a.Close()

			replay := outbox.NewReplayService(outbox.NewRepository(a.Pool), nil, a.Config.Events.OutboxMaxRetries, a.Logger)
			if err := replay.RequeueEvent(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("event %d requeued\n", id)
			return nil
		},
	}

	cmd.Flags().Int64("id", 0, "Outbox event id to requeue")
	return cmd
}

func outboxReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay one event by id, or all failed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt64("id")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := app.New(cmd.Context(), "crowdfund-govctl")
			if err != nil {
				return err
			}
			defer a.Close()

			publisher, err := mq.NewPublisher(a.Config.MQ.URL)
			if err != nil {
				return fmt.Errorf("init mq publisher: %w", err)
			}
			defer publisher.Close()

			replay := outbox.NewReplayService(outbox.NewRepository(a.Pool), publisher, a.Config.Events.OutboxMaxRetries, a.Logger)
			if id > 0 {
				if err := replay.ReplayEvent(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Printf("event %d replayed\n", id)
				return nil
			}

			n, err := replay.ReplayFailedEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("%d failed events replayed\n", n)
			return nil
		},
	}

	cmd.Flags().Int64("id", 0, "Outbox event id to replay")
	cmd.Flags().Int("limit", 100, "Maximum failed events to replay")
	return cmd
}
