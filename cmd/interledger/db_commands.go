package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/nt219/interledger/service/db"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the transfer_records schema",
		Action: func(c *cli.Context) error {
			pool, closer, err := getPool(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := db.Migrate(context.Background(), pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("✓ Schema applied")
			return nil
		},
	}
}

func listRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-records",
		Usage:   "List transfer records for an account",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "account",
				Aliases:  []string{"a"},
				Usage:    "Account address to list records for",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, processing, completed, failed)",
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Show records submitted since this time (RFC3339 format)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of records",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			params := db.ListRecordsParams{
				AccountAddress: c.String("account"),
				Status:         c.String("status"),
				Limit:          int32(c.Int("limit")),
			}
			if sinceStr := c.String("since"); sinceStr != "" {
				since, err := time.Parse(time.RFC3339, sinceStr)
				if err != nil {
					return fmt.Errorf("invalid time format (use RFC3339): %w", err)
				}
				params.Since = &since
			}

			records, err := store.ListRecords(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(records)
			}

			printRecordTable(records)
			return nil
		},
	}
}

func unreconciledRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "unreconciled",
		Usage: "List records still awaiting a confirmed ledger reference",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Restrict to one account address",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			records, err := store.ListUnreconciled(context.Background(), c.String("account"))
			if err != nil {
				return fmt.Errorf("failed to list unreconciled records: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(records)
			}

			printRecordTable(records)
			return nil
		},
	}
}

func pruneRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete terminal records older than a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "older-than",
				Aliases: []string{"o"},
				Usage:   "Delete terminal records last updated longer ago than this (e.g. 720h)",
				Value:   90 * 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			before := time.Now().Add(-c.Duration("older-than"))
			deleted, err := store.DeleteRecordsOlderThan(context.Background(), before)
			if err != nil {
				return fmt.Errorf("failed to prune records: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"deleted": deleted, "before": before})
			}

			fmt.Printf("✓ Deleted %d records last updated before %s\n", deleted, before.Format(time.RFC3339))
			return nil
		},
	}
}

// printRecordTable writes records in tabular form to stdout.
func printRecordTable(records []*db.TransferRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tACCOUNT\tRECIPIENT\tAMOUNT\tSTATUS\tREF KIND\tSUBMITTED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ReferenceCode,
			r.AccountAddress,
			r.Recipient,
			r.Amount,
			r.Status,
			r.LedgerRefKind,
			r.SubmittedAt.Format(time.RFC3339),
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nTotal: %d records\n", len(records))
}

// Helper function to connect to database
func getPool(c *cli.Context) (*pgxpool.Pool, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, func() { pool.Close() }, nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	pool, closer, err := getPool(c)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool), closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
