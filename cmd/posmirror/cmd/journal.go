package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/posmirror/internal/lock"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Manage the remote change journal",
	Long: `The change feed reads the sync_changes journal on the remote database,
filled by triggers on every mirrored table.`,
}

var journalInstallCmd = &cobra.Command{
	Use:   "install [table...]",
	Short: "Create the change journal and its triggers",
	Long: `Install creates the journal table and (re)creates the change triggers
on the given tables, the configured selection by default. Run it again after
a schema change so triggers pick up new columns.

An advisory lock on the remote database keeps two installs from
interleaving.

Example:
  posmirror journal install
  posmirror journal install products customers`,
	RunE: runJournalInstall,
}

func init() {
	journalCmd.AddCommand(journalInstallCmd)
	rootCmd.AddCommand(journalCmd)
}

// journaler is implemented by feeds backed by a trigger-filled journal.
type journaler interface {
	EnsureJournal(ctx context.Context) error
	InstallTriggers(ctx context.Context, tables []string) error
}

func runJournalInstall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	tables, err := a.tables(args)
	if err != nil {
		return err
	}

	j, ok := a.feed.(journaler)
	if !ok {
		return fmt.Errorf("change feed %T has no journal", a.feed)
	}

	name := lock.GenerateLockName("journal", a.cfg.Remote.Database)
	var l lock.Locker
	if a.db.RemotePool != nil {
		l = lock.NewPostgresLock(a.db.RemotePool, name)
	} else {
		l = lock.NewMySQLLock(a.db.RemoteSQL, name)
	}

	err = installJournal(ctx, cmd.OutOrStdout(), l, j, tables)
	if errors.Is(err, lock.ErrLockTimeout) {
		return fmt.Errorf("another journal install is running (lock %s)", name)
	}
	return err
}

func installJournal(ctx context.Context, w io.Writer, l lock.Locker, j journaler, tables []string) error {
	return lock.WithLock(ctx, l, lock.TimeoutMedium, func() error {
		if err := j.EnsureJournal(ctx); err != nil {
			return err
		}
		if err := j.InstallTriggers(ctx, tables); err != nil {
			return err
		}
		fmt.Fprintf(w, "Change journal installed on %d table(s)\n", len(tables))
		return nil
	})
}
