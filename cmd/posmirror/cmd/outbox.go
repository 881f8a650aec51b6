package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/posmirror/internal/outbox"
)

var (
	outboxListStatus string
	outboxListLimit  int
	outboxRetryAll   bool
	outboxPruneAfter time.Duration
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued local writes",
	Long: `Outbox commands work on the local database only and never contact the
remote store.

Example:
  posmirror outbox status
  posmirror outbox list --status failed
  posmirror outbox retry 42
  posmirror outbox retry --all
  posmirror outbox prune --older-than 72h`,
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox entry counts per state",
	Args:  cobra.NoArgs,
	RunE: withOutbox(func(ctx context.Context, w io.Writer, ob *outbox.Outbox, args []string) error {
		stats, err := ob.Stats(ctx)
		if err != nil {
			return err
		}
		printOutboxStats(w, stats)
		return nil
	}),
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox entries in enqueue order",
	Args:  cobra.NoArgs,
	RunE: withOutbox(func(ctx context.Context, w io.Writer, ob *outbox.Outbox, args []string) error {
		status := outbox.Status(outboxListStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", outboxListStatus)
		}
		entries, err := ob.List(ctx, status, outboxListLimit)
		if err != nil {
			return err
		}
		printOutboxEntries(w, entries, ob.Policy().MaxAttempts)
		return nil
	}),
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Requeue failed entries for an immediate attempt",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOutbox(func(ctx context.Context, w io.Writer, ob *outbox.Outbox, args []string) error {
		return retryOutbox(ctx, w, ob, args, outboxRetryAll)
	}),
}

var outboxPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced entries older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: withOutbox(func(ctx context.Context, w io.Writer, ob *outbox.Outbox, args []string) error {
		n, err := ob.PruneSynced(ctx, outboxPruneAfter)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Pruned %d synced entries\n", n)
		return nil
	}),
}

func init() {
	outboxListCmd.Flags().StringVar(&outboxListStatus, "status", "",
		"Only list entries in this state (pending, syncing, synced, failed)")
	outboxListCmd.Flags().IntVar(&outboxListLimit, "limit", 50,
		"Maximum number of entries to list (0 for all)")

	outboxRetryCmd.Flags().BoolVar(&outboxRetryAll, "all", false,
		"Requeue every failed entry, dead ones included")

	outboxPruneCmd.Flags().DurationVar(&outboxPruneAfter, "older-than", 7*24*time.Hour,
		"Minimum age of synced entries to delete")

	outboxCmd.AddCommand(outboxStatusCmd, outboxListCmd, outboxRetryCmd, outboxPruneCmd)
	rootCmd.AddCommand(outboxCmd)
}

type outboxFunc func(ctx context.Context, w io.Writer, ob *outbox.Outbox, args []string) error

// withOutbox opens the local database for an outbox subcommand.
func withOutbox(fn outboxFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, cmd.OutOrStdout(), a.outbox, args)
	}
}

func retryOutbox(ctx context.Context, w io.Writer, ob *outbox.Outbox, args []string, all bool) error {
	switch {
	case all && len(args) > 0:
		return fmt.Errorf("give either an entry id or --all, not both")
	case all:
		n, err := ob.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Requeued %d failed entries\n", n)
		return nil
	case len(args) == 0:
		return fmt.Errorf("an entry id or --all is required")
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q", args[0])
	}
	if err := ob.Retry(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "Requeued entry %d\n", id)
	return nil
}

func printOutboxStats(w io.Writer, s outbox.Stats) {
	fmt.Fprintf(w, "Pending: %d\n", s.Pending)
	fmt.Fprintf(w, "Syncing: %d\n", s.Syncing)
	fmt.Fprintf(w, "Synced:  %d\n", s.Synced)
	fmt.Fprintf(w, "Failed:  %d\n", s.Failed)
	fmt.Fprintf(w, "Dead:    %d\n", s.Dead)
	fmt.Fprintf(w, "\nUnsynced: %d\n", s.Unsynced())
}

func printOutboxEntries(w io.Writer, entries []outbox.Entry, maxAttempts int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No outbox entries")
		return
	}
	t := newTable("ID", "TABLE", "RECORD", "OP", "STATUS", "TRIES", "CREATED", "LAST ERROR")
	for _, e := range entries {
		t.add(
			strconv.FormatInt(e.ID, 10),
			e.Table,
			truncate(e.RecordID, 36),
			string(e.Operation),
			statusText(e, maxAttempts),
			strconv.Itoa(e.RetryCount),
			e.CreatedAt.Format(time.DateTime),
			truncate(e.LastError, 48),
		)
	}
	t.render(w)
	fmt.Fprintf(w, "\nTotal: %d entr%s\n", len(entries), plural(len(entries), "y", "ies"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
