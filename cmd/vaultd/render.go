package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mschirtzinger/vaultd/internal/health"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// setupColor disables styling for pipes and NO_COLOR.
func setupColor(out *os.File) {
	if !isTerminal(out) || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case health.StateRunning:
		return okStyle
	case "stopped":
		return errStyle
	default:
		return warnStyle
	}
}

func renderStatus(w io.Writer, s health.Snapshot, addr string) {
	row := func(label, value string) {
		fmt.Fprintln(w, labelStyle.Render(label)+value)
	}

	fmt.Fprintln(w, titleStyle.Render("vaultd")+" "+addr)
	row("state", stateStyle(s.State).Render(strings.ToUpper(s.State)))
	if !s.StartedAt.IsZero() {
		row("up since", fmt.Sprintf("%s (%s)", humanize.Time(s.StartedAt), s.Uptime.Round(time.Second)))
	}
	if s.WatcherMode != "" {
		mode := s.WatcherMode
		if mode == "poll" {
			mode = warnStyle.Render(mode + " (degraded)")
		}
		row("watcher", mode)
	}
	row("events", fmt.Sprintf("%s received, %s skipped, %s dropped",
		humanize.Comma(int64(s.EventsReceived)),
		humanize.Comma(int64(s.EventsSkipped)),
		humanize.Comma(int64(s.EventsDropped))))
	row("queue", fmt.Sprintf("%d waiting, %d running", s.QueueDepth, s.InFlight))
	if s.Abandoned > 0 {
		row("abandoned", warnStyle.Render(humanize.Comma(int64(s.Abandoned))))
	}
	if s.Cache != nil {
		row("cache", fmt.Sprintf("%s entries, %s hits, %s misses",
			humanize.Comma(int64(s.Cache.Entries)),
			humanize.Comma(int64(s.Cache.Hits)),
			humanize.Comma(int64(s.Cache.Misses))))
	}

	names := s.HandlerNames()
	if len(names) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headStyle.Render("handlers"))
	for _, name := range names {
		h := s.Handlers[name]
		line := fmt.Sprintf("%-18s %s ok  %s failed  %s timed out  %s skipped",
			name,
			humanize.Comma(int64(h.Successes)),
			humanize.Comma(int64(h.Failures)),
			humanize.Comma(int64(h.Timeouts)),
			humanize.Comma(int64(h.Skipped)))
		if !h.LastInvokedAt.IsZero() {
			line += "  last " + humanize.Time(h.LastInvokedAt)
		}
		fmt.Fprintln(w, "  "+line)
		if h.LastError != "" {
			fmt.Fprintln(w, "  "+errStyle.Render("  "+h.LastError))
		}
	}
}
