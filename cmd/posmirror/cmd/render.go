package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"

	"github.com/dbsmedya/posmirror/internal/outbox"
)

// table renders rows as aligned columns. Widths are measured in terminal
// cells so names with wide characters keep their alignment.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	measure := func(cells []string) {
		for i, c := range cells {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(color.ClearCode(c)))
			}
		}
	}
	measure(t.header)
	for _, r := range t.rows {
		measure(r)
	}

	line := func(cells []string) {
		var b strings.Builder
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(c)
			if i < len(cells)-1 {
				pad := widths[i] - runewidth.StringWidth(color.ClearCode(c))
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	line(t.header)
	sep := make([]string, len(widths))
	for i, n := range widths {
		sep[i] = strings.Repeat("-", n)
	}
	line(sep)
	for _, r := range t.rows {
		line(r)
	}
}

// statusText colors an outbox status for terminal output.
func statusText(e outbox.Entry, maxAttempts int) string {
	switch {
	case e.Dead(maxAttempts):
		return color.Red.Sprint("dead")
	case e.Status == outbox.StatusFailed:
		return color.Yellow.Sprint(string(e.Status))
	case e.Status == outbox.StatusSynced:
		return color.Green.Sprint(string(e.Status))
	default:
		return string(e.Status)
	}
}

func passFail(ok bool) string {
	if ok {
		return color.Green.Sprint("✅")
	}
	return color.Red.Sprint("❌")
}

// truncate shortens s to at most n terminal cells.
func truncate(s string, n int) string {
	return runewidth.Truncate(s, n, "…")
}
