package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	natspkg "github.com/nt219/interledger/service/nats"
)

func streamCommands() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Status event streaming commands (SSE)",
		Subcommands: []*cli.Command{
			streamWatchCommand(),
			streamAwaitCommand(),
		},
	}
}

func streamWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream transfer status events via SSE",
		ArgsUsage: "[account_address]",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression events must satisfy (can be specified multiple times, all must match)",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			codes, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			return streamStatusEvents(ctx, c.String("server"), c.Args().First(), func(data string, event natspkg.StatusEvent) (bool, error) {
				if len(codes) > 0 {
					var doc interface{}
					if err := json.Unmarshal([]byte(data), &doc); err != nil {
						return false, nil
					}
					if !matchesJQ(doc, codes) {
						return false, nil
					}
				}

				if c.Bool("json") {
					fmt.Println(data)
				} else {
					printStatusEvent(event)
				}
				return false, nil
			})
		},
	}
}

func streamAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a status event matching criteria arrives",
		ArgsUsage: "ACCOUNT_ADDRESS",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "reference-code",
				Usage: "Filter by exact reference code",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, processing, completed, failed)",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for a matching event",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account address is required")
			}

			refCode := c.String("reference-code")
			status := c.String("status")
			jqFilters := c.StringSlice("must-jq")
			if refCode == "" && status == "" && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --reference-code, --status, or --must-jq")
			}

			codes, err := compileJQ(jqFilters)
			if err != nil {
				return err
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for status event on account %s...\n", c.Args().First())
				if refCode != "" {
					fmt.Fprintf(os.Stderr, "  Reference: %s\n", refCode)
				}
				if status != "" {
					fmt.Fprintf(os.Stderr, "  Status: %s\n", status)
				}
				for _, filter := range jqFilters {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", filter)
				}
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", c.Duration("timeout"))
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			err = streamStatusEvents(ctx, c.String("server"), c.Args().First(), func(data string, event natspkg.StatusEvent) (bool, error) {
				if refCode != "" && event.ReferenceCode != refCode {
					return false, nil
				}
				if status != "" && event.Status != status {
					return false, nil
				}
				if len(codes) > 0 {
					var doc interface{}
					if err := json.Unmarshal([]byte(data), &doc); err != nil {
						return false, nil
					}
					if !matchesJQ(doc, codes) {
						return false, nil
					}
				}

				if c.Bool("json") {
					fmt.Println(data)
				} else {
					printStatusEvent(event)
				}
				return true, nil
			})
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("timed out waiting for matching status event")
			}
			return err
		},
	}
}

// statusEventHandler processes one decoded event. Returning true stops the
// stream.
type statusEventHandler func(data string, event natspkg.StatusEvent) (bool, error)

// streamStatusEvents connects to the server's SSE endpoint and feeds status
// events to the handler until the context ends or the handler stops it.
func streamStatusEvents(ctx context.Context, serverURL, accountAddress string, handle statusEventHandler) error {
	var url string
	if accountAddress != "" {
		url = fmt.Sprintf("%s/api/v1/stream/transfers/%s", serverURL, accountAddress)
	} else {
		url = fmt.Sprintf("%s/api/v1/stream/transfers", serverURL)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{
		Timeout: 0, // No timeout for streaming
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent == "status" && currentData != "" {
				var event natspkg.StatusEvent
				if err := json.Unmarshal([]byte(currentData), &event); err != nil {
					fmt.Fprintf(os.Stderr, "Error decoding event: %v\n", err)
				} else {
					done, err := handle(currentData, event)
					if err != nil {
						return err
					}
					if done {
						return nil
					}
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func printStatusEvent(event natspkg.StatusEvent) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Reference:  %s\n", event.ReferenceCode)
	fmt.Printf("Account:    %s\n", event.AccountAddress)
	fmt.Printf("Sender:     %s\n", event.Sender)
	fmt.Printf("Recipient:  %s\n", event.Recipient)
	fmt.Printf("Amount:     %d\n", event.Amount)
	fmt.Printf("Status:     %s\n", event.Status)
	fmt.Printf("Ref Kind:   %s\n", event.LedgerRefKind)
	if event.LedgerRef != nil {
		fmt.Printf("Ledger Ref: %s\n", *event.LedgerRef)
	}
	if event.Memo != "" {
		fmt.Printf("Memo:       %s\n", event.Memo)
	}
	fmt.Println()
}
