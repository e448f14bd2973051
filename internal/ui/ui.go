// Package ui renders CLI output: the sync status indicator, outbox stats and
// mutation tables. Color is enabled only when stdout is a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/schema"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Init sets the color profile for the process. Colors are dropped when out
// is not a terminal or NO_COLOR is set.
func Init(out *os.File) {
	if !IsTerminal(out) || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

var (
	Title = lipgloss.NewStyle().Bold(true)
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	Good  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Warn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Bad   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	Info  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))

	box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1)
)

// StatusStyle returns the style for a status indicator value.
func StatusStyle(s daemon.Status) lipgloss.Style {
	switch s {
	case daemon.StatusSynced:
		return Good
	case daemon.StatusEditing, daemon.StatusPending, daemon.StatusSyncing:
		return Info
	case daemon.StatusOffline:
		return Warn
	case daemon.StatusError, daemon.StatusNeedsSetup:
		return Bad
	default:
		return Muted
	}
}

// StatusLine renders the status indicator.
func StatusLine(s daemon.Status) string {
	return StatusStyle(s).Render("● " + strings.ReplaceAll(string(s), "_", " "))
}

// Stats renders outbox stats as a boxed summary.
func Stats(s outbox.Stats) string {
	rows := []string{
		Title.Render("Outbox"),
		fmt.Sprintf("%-10s %d", "total", s.Total),
		Info.Render(fmt.Sprintf("%-10s %d", "pending", s.Pending)),
		styleIf(s.Failed > 0, Bad, Muted).Render(fmt.Sprintf("%-10s %d", "failed", s.Failed)),
		Good.Render(fmt.Sprintf("%-10s %d", "delivered", s.Delivered)),
	}
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// Result renders a processor pass summary.
func Result(r daemon.Result) string {
	switch {
	case r.Skipped != daemon.SkipNone:
		return Warn.Render("skipped: " + string(r.Skipped))
	case r.NeedsSetup:
		return Bad.Render("remote needs setup: run `habitsync remote setup`")
	case r.Attempted == 0:
		return Muted.Render("nothing due")
	}
	line := fmt.Sprintf("attempted %d, delivered %d", r.Attempted, r.Delivered)
	if r.Failed > 0 {
		return line + ", " + Bad.Render(fmt.Sprintf("failed %d", r.Failed))
	}
	return Good.Render(line)
}

// Mutations writes one line per record.
func Mutations(w io.Writer, records []*schema.MutationRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, Muted.Render("no mutations"))
		return
	}

	idWidth := len(strconv.FormatInt(records[len(records)-1].ID, 10))
	for _, m := range records {
		status := string(m.Status)
		switch m.Status {
		case schema.StatusFailed:
			status = Bad.Render(status)
		case schema.StatusDelivered:
			status = Good.Render(status)
		default:
			status = Info.Render(status)
		}

		line := fmt.Sprintf("%*d  %-9s %-6s %s/%s", idWidth, m.ID, status, m.Operation, m.EntityType, m.EntityID)
		if m.RetryCount > 0 {
			line += Muted.Render(fmt.Sprintf("  retries=%d next=%s", m.RetryCount, Until(now, m.NextRetryAt)))
		}
		if m.LastError != "" {
			line += "\n" + strings.Repeat(" ", idWidth+2) + Bad.Render(m.LastError)
		}
		fmt.Fprintln(w, line)
	}
}

// Until renders the delay until t, or "now" when t is due.
func Until(now, t time.Time) string {
	d := t.Sub(now)
	if d <= 0 {
		return "now"
	}
	return "in " + d.Round(time.Second).String()
}

func styleIf(cond bool, yes, no lipgloss.Style) lipgloss.Style {
	if cond {
		return yes
	}
	return no
}

// RenderPass renders a success marker or message.
func RenderPass(s string) string { return Good.Render(s) }

// RenderWarn renders a warning marker or message.
func RenderWarn(s string) string { return Warn.Render(s) }

// RenderFail renders a failure marker or message.
func RenderFail(s string) string { return Bad.Render(s) }

// RenderAccent renders an accent marker or message.
func RenderAccent(s string) string { return Info.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return Muted.Render(s) }
