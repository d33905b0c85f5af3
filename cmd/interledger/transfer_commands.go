package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nt219/interledger/client"
)

func transferCommands() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Transfer submission and inspection commands",
		Subcommands: []*cli.Command{
			transferSubmitCommand(),
			transferBatchCommand(),
			transferGetCommand(),
			transferListCommand(),
			transferUnreconciledCommand(),
			transferDeleteCommand(),
			transferPurgeCommand(),
		},
	}
}

func serverFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Value:   "http://localhost:8080",
		Usage:   "HTTP server URL",
		EnvVars: []string{"INTERLEDGER_SERVER_URL"},
	}
}

func jsonFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:    "json",
		Aliases: []string{"j"},
		Usage:   "Output as JSON",
	}
}

func errorLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func transferSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a single transfer",
		ArgsUsage: "ACCOUNT_ADDRESS RECIPIENT AMOUNT",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:    "routing-code",
				Aliases: []string{"r"},
				Usage:   "Routing code carried on the transfer (e.g. RTGS)",
			},
			&cli.StringFlag{
				Name:    "memo",
				Aliases: []string{"m"},
				Usage:   "Free-form memo",
			},
			&cli.StringFlag{
				Name:  "reference-code",
				Usage: "Client-chosen reference code (server generates one when omitted)",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("requires three arguments: account address, recipient, amount")
			}

			var amount int64
			if _, err := fmt.Sscanf(c.Args().Get(2), "%d", &amount); err != nil {
				return fmt.Errorf("invalid amount %q: must be an integer in minor units", c.Args().Get(2))
			}

			cl := client.NewClient(c.String("server"), nil, errorLogger())
			result, err := cl.SubmitTransfer(context.Background(), client.SubmitTransferRequest{
				AccountAddress: c.Args().Get(0),
				Recipient:      c.Args().Get(1),
				Amount:         amount,
				RoutingCode:    c.String("routing-code"),
				Memo:           c.String("memo"),
				ReferenceCode:  c.String("reference-code"),
			})
			if err != nil {
				return fmt.Errorf("failed to submit transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result.Transfer)
			}

			switch {
			case result.Duplicate:
				fmt.Printf("✓ Duplicate absorbed (reference %s already recorded)\n", result.Transfer.ReferenceCode)
			case result.Deferred:
				fmt.Printf("⧗ Transfer recorded, settlement deferred to reconciliation\n")
			case result.Failed:
				fmt.Printf("✗ Transfer reverted on the ledger\n")
			default:
				fmt.Printf("✓ Transfer completed\n")
			}
			printTransfer(result.Transfer)
			return nil
		},
	}
}

func transferBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Submit a multi-recipient batch from a JSON file (or stdin with -)",
		ArgsUsage: "ACCOUNT_ADDRESS ITEMS_FILE",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.BoolFlag{
				Name:  "attach-proofs",
				Usage: "Request balance attestations from the proof sidecar",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires two arguments: account address, items file (use - for stdin)")
			}

			var reader io.Reader = os.Stdin
			if path := c.Args().Get(1); path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open items file: %w", err)
				}
				defer f.Close()
				reader = f
			}

			var items []client.BatchItem
			if err := json.NewDecoder(reader).Decode(&items); err != nil {
				return fmt.Errorf("failed to parse items: %w (expected a JSON array of {recipient, amount, ...})", err)
			}

			cl := client.NewClient(c.String("server"), nil, errorLogger())
			result, err := cl.SubmitBatch(context.Background(), client.SubmitBatchRequest{
				AccountAddress: c.Args().Get(0),
				AttachProofs:   c.Bool("attach-proofs"),
				Items:          items,
			})
			if err != nil {
				return fmt.Errorf("failed to submit batch: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result.Transfers)
			}

			switch {
			case result.Deferred:
				fmt.Printf("⧗ Batch of %d recorded, settlement deferred to reconciliation\n", len(result.Transfers))
			case result.Failed:
				fmt.Printf("✗ Batch of %d reverted on the ledger\n", len(result.Transfers))
			default:
				fmt.Printf("✓ Batch of %d completed (proofs: %v)\n", len(result.Transfers), result.WithProofs)
			}
			for _, t := range result.Transfers {
				fmt.Printf("  %s → %s  %d  [%s]\n", t.ReferenceCode, t.Recipient, t.Amount, t.Status)
			}
			return nil
		},
	}
}

func transferGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show"},
		Usage:     "Get one transfer record",
		ArgsUsage: "ACCOUNT_ADDRESS REFERENCE_CODE",
		Flags: []cli.Flag{
			serverFlag(),
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires two arguments: account address, reference code")
			}

			cl := client.NewClient(c.String("server"), nil, errorLogger())
			transfer, err := cl.Get(context.Background(), c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(transfer)
			}

			printTransfer(transfer)
			return nil
		},
	}
}

func transferListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List transfer records for an account (outputs JSON by default)",
		ArgsUsage: "ACCOUNT_ADDRESS",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, processing, completed, failed)",
			},
			&cli.StringFlag{
				Name:  "recipient",
				Usage: "Filter by recipient address",
			},
			&cli.StringFlag{
				Name:  "search",
				Usage: "Match reference code, memo, or ledger reference",
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Records submitted since this time (RFC3339 format)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   100,
				Usage:   "Maximum number of records to retrieve",
			},
			&cli.IntFlag{
				Name:    "offset",
				Aliases: []string{"o"},
				Value:   0,
				Usage:   "Number of records to skip",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression records must satisfy (can be specified multiple times, all must match)",
			},
			&cli.BoolFlag{
				Name:    "table",
				Aliases: []string{"t"},
				Usage:   "Output as human-readable table instead of JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account address is required")
			}

			opts := client.ListOptions{
				AccountAddress: c.Args().Get(0),
				Status:         c.String("status"),
				Recipient:      c.String("recipient"),
				Search:         c.String("search"),
				Limit:          c.Int("limit"),
				Offset:         c.Int("offset"),
			}
			if sinceStr := c.String("since"); sinceStr != "" {
				since, err := time.Parse(time.RFC3339, sinceStr)
				if err != nil {
					return fmt.Errorf("invalid time format (use RFC3339): %w", err)
				}
				opts.Since = &since
			}

			cl := client.NewClient(c.String("server"), nil, errorLogger())
			transfers, err := cl.List(context.Background(), opts)
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}

			transfers, err = filterTransfers(transfers, c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			if !c.Bool("table") {
				return outputJSON(transfers)
			}

			if len(transfers) == 0 {
				fmt.Println("No transfers found")
				return nil
			}
			for _, t := range transfers {
				printTransfer(t)
				fmt.Println()
			}
			fmt.Fprintf(os.Stderr, "Total: %d transfers\n", len(transfers))
			return nil
		},
	}
}

func transferUnreconciledCommand() *cli.Command {
	return &cli.Command{
		Name:      "unreconciled",
		Usage:     "List records still awaiting a confirmed ledger reference",
		ArgsUsage: "[ACCOUNT_ADDRESS]",
		Flags: []cli.Flag{
			serverFlag(),
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := client.NewClient(c.String("server"), nil, errorLogger())
			transfers, err := cl.ListUnreconciled(context.Background(), c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to list unreconciled transfers: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(transfers)
			}

			if len(transfers) == 0 {
				fmt.Println("No unreconciled transfers")
				return nil
			}
			for _, t := range transfers {
				printTransfer(t)
				fmt.Println()
			}
			return nil
		},
	}
}

func transferDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a single transfer record",
		ArgsUsage: "ACCOUNT_ADDRESS REFERENCE_CODE",
		Flags: []cli.Flag{
			serverFlag(),
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("requires two arguments: ACCOUNT_ADDRESS REFERENCE_CODE")
			}

			cl := client.NewClient(c.String("server"), nil, errorLogger())
			if err := cl.Delete(context.Background(), c.Args().Get(0), c.Args().Get(1)); err != nil {
				return fmt.Errorf("failed to delete transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"deleted": 1})
			}

			fmt.Printf("✓ Deleted transfer %s\n", c.Args().Get(1))
			return nil
		},
	}
}

func transferPurgeCommand() *cli.Command {
	return &cli.Command{
		Name:      "purge",
		Usage:     "Delete all transfer records for an account",
		ArgsUsage: "ACCOUNT_ADDRESS",
		Flags: []cli.Flag{
			serverFlag(),
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account address is required")
			}

			cl := client.NewClient(c.String("server"), nil, errorLogger())
			deleted, err := cl.Purge(context.Background(), c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to purge transfers: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"deleted": deleted})
			}

			fmt.Printf("✓ Deleted %d transfer records\n", deleted)
			return nil
		},
	}
}

func printTransfer(t *client.Transfer) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Reference:   %s\n", t.ReferenceCode)
	fmt.Printf("Account:     %s\n", t.AccountAddress)
	fmt.Printf("Sender:      %s\n", t.Sender)
	fmt.Printf("Recipient:   %s\n", t.Recipient)
	fmt.Printf("Amount:      %d\n", t.Amount)
	if t.RoutingCode != "" {
		fmt.Printf("Routing:     %s\n", t.RoutingCode)
	}
	if t.Memo != nil && *t.Memo != "" {
		fmt.Printf("Memo:        %s\n", *t.Memo)
	}
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Ref Kind:    %s\n", t.LedgerRefKind)
	if t.LedgerRef != nil {
		fmt.Printf("Ledger Ref:  %s\n", *t.LedgerRef)
	}
	if t.BlockMarker != nil {
		fmt.Printf("Block:       %d\n", *t.BlockMarker)
	}
	fmt.Printf("Submitted:   %s\n", t.SubmittedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", t.UpdatedAt.Format(time.RFC3339))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
