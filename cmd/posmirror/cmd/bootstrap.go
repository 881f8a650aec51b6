package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/posmirror/internal/bootstrap"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap [table...]",
	Short: "Replace local tables with a fresh remote snapshot",
	Long: `Bootstrap fetches every row of the given tables from the remote store and
atomically replaces the local copy. Without arguments the configured table
selection is loaded.

A failing table keeps its previous contents and does not stop the others.

Example:
  posmirror bootstrap
  posmirror bootstrap products stores`,
	RunE: runBootstrap,
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}

func runBootstrap(cmd *cobra.Command, args []string) error {
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

	loader, err := bootstrap.NewLoader(a.remote, a.store, a.log)
	if err != nil {
		return err
	}
	return printBootstrap(cmd.OutOrStdout(), loader.BootstrapAll(ctx, tables))
}

func printBootstrap(w io.Writer, result *bootstrap.Result) error {
	t := newTable("TABLE", "ROWS", "DURATION", "RESULT")
	for _, tr := range result.Tables {
		status := passFail(true)
		if tr.Err != nil {
			status = passFail(false) + " " + truncate(tr.Err.Error(), 60)
		}
		t.add(tr.Table, fmt.Sprint(tr.Rows), tr.Duration.Round(time.Millisecond).String(), status)
	}
	t.render(w)

	fmt.Fprintf(w, "\nLoaded %d rows into %d tables in %s\n",
		result.Rows(), len(result.Tables)-len(result.Failed()), result.Duration.Round(time.Millisecond))

	if failed := result.Failed(); len(failed) > 0 {
		return fmt.Errorf("bootstrap failed for %d table(s)", len(failed))
	}
	return nil
}
