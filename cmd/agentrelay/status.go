package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"
	"agentrelay/internal/journal"
	"agentrelay/internal/queue"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var since time.Duration
	var recent int
	var messageID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-account queue depth and recent delivery outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Printf("agentrelay v%s  config: %s\n\n", version, cfgPath)

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tTRANSPORT\tPENDING\tDEAD\tQUEUE FILE")
			for _, a := range cfg.Accounts {
				transport := string(a.Transport)
				if a.Disabled {
					transport += " (disabled)"
				}
				pending, dead, size := queueStats(cfg, a.ID)
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", a.ID, transport, pending, dead, size)
			}
			tw.Flush()

			if !cfg.Journal.Enabled {
				fmt.Println("\njournal disabled")
				return nil
			}
			if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
				fmt.Println("\nno journal yet at", cfg.Journal.DBPath)
				return nil
			}
			store, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if messageID != "" {
				fmt.Println()
				return printHistory(cmd.Context(), os.Stdout, store, messageID)
			}
			return printJournal(cmd.Context(), store, since, recent)
		},
	}
	cmd.Flags().StringVarP(&messageID, "message", "m", "", "show the journaled delivery history of one message id")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "summarize outcomes over this window")
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "number of recent journal entries to list")
	return cmd
}

func queueStats(cfg *config.Config, accountID string) (pending, dead int, size string) {
	q, err := queue.Open(cfg.AccountDir(accountID), logger)
	if err != nil {
		return 0, 0, "-"
	}
	p, _ := q.ListPending()
	d, _ := q.ListDeadLetter()
	size = "-"
	if info, err := os.Stat(q.Path()); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	return len(p), len(d), size
}

func printJournal(ctx context.Context, store *journal.Store, since time.Duration, recent int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	counts, err := store.Summary(ctx, time.Now().Add(-since))
	if err != nil {
		return err
	}
	fmt.Printf("\nOutcomes in the last %s:\n", since)
	if len(counts) == 0 {
		fmt.Println("  none")
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range counts {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.Account, c.Outcome, humanize.Comma(c.Count))
	}
	tw.Flush()

	entries, err := store.Recent(ctx, "", recent)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	fmt.Println("\nRecent:")
	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s -> %s\t%s\t%s\n",
			humanize.Time(e.CreatedAt), e.Account, e.Outcome, e.From, e.To, e.MessageID, e.Detail)
	}
	return tw.Flush()
}

// printHistory lists every journaled outcome for one message, oldest first.
func printHistory(ctx context.Context, w io.Writer, store *journal.Store, messageID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := store.History(ctx, messageID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "no journal entries for message %s\n", messageID)
		return nil
	}
	fmt.Fprintf(w, "History of %s (%s -> %s):\n", messageID, entries[0].From, entries[0].To)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		attempts := "-"
		if e.Attempts > 0 {
			attempts = fmt.Sprintf("attempt %d", e.Attempts)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Account, e.Outcome, e.Consumer, attempts, e.Detail)
	}
	return tw.Flush()
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect an account's local retry queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [account]",
		Short: "List messages pending retry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printQueue(args, false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dead [account]",
		Short: "List dead-lettered messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printQueue(args, true)
		},
	})
	return cmd
}

func printQueue(args []string, dead bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var accounts []string
	if len(args) == 1 {
		if !hasAccount(cfg, args[0]) {
			return fmt.Errorf("unknown account: %s", args[0])
		}
		accounts = []string{args[0]}
	} else {
		for _, a := range cfg.Accounts {
			accounts = append(accounts, a.ID)
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tID\tFROM -> TO\tATTEMPTS\tQUEUED\tLAST ERROR")
	for _, id := range accounts {
		q, err := queue.Open(cfg.AccountDir(id), logger)
		if err != nil {
			return err
		}
		var entries []domain.QueuedMessage
		if dead {
			entries, err = q.ListDeadLetter()
		} else {
			entries, err = q.ListPending()
		}
		if err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s -> %s\t%d\t%s\t%s\n",
				id, e.Message.ID, e.Message.From, e.Message.ToName, e.Attempts, humanize.Time(e.QueuedAt), e.LastError)
		}
	}
	return tw.Flush()
}

func hasAccount(cfg *config.Config, id string) bool {
	for _, a := range cfg.Accounts {
		if a.ID == id {
			return true
		}
	}
	return false
}
