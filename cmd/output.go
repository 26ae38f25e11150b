package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	workspaceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Italic(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

// writeJSON prints v as indented JSON
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a column writer; callers Flush it
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

// tableHeader prints the styled header row and rule of a table
func tableHeader(tw io.Writer, width int, cols ...string) {
	styled := make([]string, len(cols))
	for i, c := range cols {
		styled[i] = titleStyle.Render(c)
	}
	_, _ = fmt.Fprintln(tw, strings.Join(styled, "\t")+"\t")
	_, _ = fmt.Fprintln(tw, strings.Repeat("─", width))
}

// relativeTime formats epoch milliseconds the way listings show dates
func relativeTime(ms int64, now time.Time) string {
	if ms == 0 {
		return "—"
	}
	t := time.UnixMilli(ms).Local()
	diff := now.Sub(t)
	switch {
	case diff < 24*time.Hour && diff >= 0:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour && diff >= 0:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour && diff >= 0:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

// truncate cuts s to n runes, marking the cut
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// lastPathElement returns the final element of a slash or backslash path
func lastPathElement(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// parseWhen reads a time flag: RFC3339, a date, or a duration back from now
func parseWhen(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time %q (expected RFC3339, YYYY-MM-DD or a duration such as 48h)", s)
}

// timeRange parses a --since/--until pair
func timeRange(since, until string) (after, before int64, err error) {
	now := time.Now()
	if after, err = parseWhen(since, now); err != nil {
		return 0, 0, fmt.Errorf("--since: %w", err)
	}
	if before, err = parseWhen(until, now); err != nil {
		return 0, 0, fmt.Errorf("--until: %w", err)
	}
	if after > 0 && before > 0 && after >= before {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return after, before, nil
}

// plural returns "1 session" or "2 sessions"
func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
