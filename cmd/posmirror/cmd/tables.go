package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/posmirror/internal/mirror"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the mirrored tables and their keys",
	Long: `Tables displays every table known to the mirror along with its key,
natural key and the identity columns stamped on insert.

Example:
  posmirror tables`,
	Args: cobra.NoArgs,
	RunE: runTables,
}

func init() {
	rootCmd.AddCommand(tablesCmd)
}

func runTables(cmd *cobra.Command, args []string) error {
	printTables(cmd.OutOrStdout(), mirror.DefaultRegistry())
	return nil
}

func printTables(w io.Writer, registry *mirror.Registry) {
	t := newTable("TABLE", "KEY", "NATURAL KEY", "STAMPS", "MAPPED")
	for _, spec := range registry.Specs() {
		key := fmt.Sprintf("%s (%s)", spec.KeyColumn, spec.KeyKind)
		if spec.LocalAutoKey {
			key = spec.KeyColumn + " (local)"
		}

		var stamps []string
		if spec.OwnerColumn != "" {
			stamps = append(stamps, spec.OwnerColumn)
		}
		if spec.StoreColumn != "" {
			stamps = append(stamps, spec.StoreColumn)
		}

		mapped := ""
		if spec.Mapper != nil {
			mapped = "yes"
		}

		t.add(spec.Name, key, orDash(strings.Join(spec.NaturalKey, ", ")), orDash(strings.Join(stamps, ", ")), mapped)
	}
	t.render(w)
	fmt.Fprintf(w, "\nTotal: %d table(s)\n", registry.Len())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
