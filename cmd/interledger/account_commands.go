package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nt219/interledger/client"
)

func accountCommands() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Account inspection commands",
		Subcommands: []*cli.Command{
			accountGetCommand(),
		},
	}
}

func accountGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show"},
		Usage:     "Show an account's ledger-visible balance and sequence number",
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
			account, err := cl.GetAccount(context.Background(), c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(account)
			}

			fmt.Printf("Address:   %s\n", account.AccountAddress)
			if account.BankCode != "" {
				fmt.Printf("Bank Code: %s\n", account.BankCode)
			}
			fmt.Printf("Balance:   %d (minor units)\n", account.Balance)
			fmt.Printf("Wei:       %s\n", account.BalanceWei)
			fmt.Printf("Sequence:  %d\n", account.Sequence)
			return nil
		},
	}
}
