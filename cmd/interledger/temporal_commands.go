package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nt219/interledger/service/temporal"
)

// getScheduler connects to Temporal using the global flags.
func getScheduler(c *cli.Context) (*temporal.Client, error) {
	client, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		errorLogger(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}
	return client, nil
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-schedule",
		Usage: "Create the recurring reconciliation schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Value:   30 * time.Second,
				Usage:   "How often a reconciliation pass runs",
			},
		},
		Action: func(c *cli.Context) error {
			client, err := getScheduler(c)
			if err != nil {
				return err
			}
			defer client.Close()

			interval := c.Duration("interval")
			if err := client.CreateReconcileSchedule(context.Background(), interval); err != nil {
				return fmt.Errorf("failed to create schedule: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"schedule_id": temporal.ReconcileScheduleID,
					"interval":    interval.String(),
					"status":      "created",
				})
			}

			fmt.Printf("✓ Reconciliation schedule created\n")
			fmt.Printf("  Schedule ID: %s\n", temporal.ReconcileScheduleID)
			fmt.Printf("  Interval:    %s\n", interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-schedule",
		Usage: "Delete the recurring reconciliation schedule",
		Action: func(c *cli.Context) error {
			client, err := getScheduler(c)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeleteReconcileSchedule(context.Background()); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"schedule_id": temporal.ReconcileScheduleID,
					"status":      "deleted",
				})
			}

			fmt.Printf("✓ Reconciliation schedule deleted\n")
			return nil
		},
	}
}

func triggerReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:    "trigger",
		Aliases: []string{"reconcile"},
		Usage:   "Start a one-shot reconciliation pass",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "delay",
				Aliases: []string{"d"},
				Value:   0,
				Usage:   "Delay before the pass starts (overlapping triggers are absorbed)",
			},
		},
		Action: func(c *cli.Context) error {
			client, err := getScheduler(c)
			if err != nil {
				return err
			}
			defer client.Close()

			delay := c.Duration("delay")
			if err := client.TriggerReconcile(context.Background(), delay); err != nil {
				return fmt.Errorf("failed to trigger reconciliation: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"status": "triggered",
					"delay":  delay.String(),
				})
			}

			fmt.Printf("✓ Reconciliation pass triggered (delay: %s)\n", delay)
			return nil
		},
	}
}
