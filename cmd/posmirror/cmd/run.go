package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/posmirror/internal/database"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/session"
)

var (
	runSignOut     bool
	runStatusEvery time.Duration
	runStopTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync session until interrupted",
	Long: `Run starts a sync session: it recovers the outbox, bootstraps every
mirrored table, follows the remote change feed and flushes local writes on
the configured interval.

The session keeps running while the remote store is unreachable. Local
writes stay queued and the feed reconnects with backoff.

Example:
  posmirror run --config posmirror.yaml
  posmirror run --sign-out   # clear local data on exit`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runSignOut, "sign-out", false,
		"Clear the mirror and the outbox when the session stops")
	runCmd.Flags().DurationVar(&runStatusEvery, "status-every", time.Minute,
		"Interval between status log lines (0 disables)")
	runCmd.Flags().DurationVar(&runStopTimeout, "stop-timeout", 30*time.Second,
		"How long to wait for the session to stop")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background(), true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := database.SetupSignalHandler(context.Background(), func(sig os.Signal) {
		a.log.Warnf("Received %s - stopping session...", sig)
	})
	defer cancel()

	sess, err := a.newSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	a.log.Infow("Starting sync session",
		"session", sess.ID(),
		"config", GetConfigFile(),
	)
	return runSession(ctx, sess, a.log, runStatusEvery, runStopTimeout, runSignOut)
}

// runSession starts sess, logs its status every interval until ctx ends,
// then stops it.
func runSession(ctx context.Context, sess *session.Session, log *logger.Logger, every, stopTimeout time.Duration, signOut bool) error {
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	var tick <-chan time.Time
	if every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-tick:
			logStatus(ctx, sess, log)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return sess.Stop(stopCtx, signOut)
}

func logStatus(ctx context.Context, sess *session.Session, log *logger.Logger) {
	st, err := sess.Status(ctx)
	if err != nil {
		log.Warnw("Status unavailable", "error", err)
		return
	}
	log.Infow("Session status",
		"subscribed", st.Subscribed,
		"events_applied", st.Events.Applied,
		"events_dropped", st.Events.Dropped,
		"outbox_pending", st.Outbox.Pending,
		"outbox_failed", st.Outbox.Failed,
		"outbox_dead", st.Outbox.Dead,
		"last_flush_synced", st.LastFlush.Synced,
		"feed_lag", st.FeedLag,
	)
	if st.FeedBehind {
		log.Warnw("Change feed consumer is behind", "feed_lag", st.FeedLag)
	}
}
