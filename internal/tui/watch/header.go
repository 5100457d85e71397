package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookrelay/internal/api"
)

// RelayState is the last status poll.
type RelayState struct {
	Ready     api.ReadyResponse
	Stats     api.StatsView
	Connected bool
	LastCheck time.Time
}

func renderHeader(relay RelayState, target string, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("READY")
	switch {
	case !relay.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case relay.Ready.Status != "ready":
		statusText = theme.StatusFailed.Render("NOT READY " + failingChecks(relay.Ready.Checks))
	}

	lastEventStr := "never"
	if !activity.LastEvent().IsZero() {
		lastEventStr = formatAgo(now.Sub(activity.LastEvent()))
	}

	titleText := fmt.Sprintf(" HOOKRELAY WATCH %s  %s", theme.Highlight.Render(ticker.Current()), theme.Dim.Render(target))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	oldest := "-"
	if relay.Stats.OldestPendingAt != nil {
		oldest = formatAge(now.Sub(*relay.Stats.OldestPendingAt))
	}
	statsLine := fmt.Sprintf(" %s  Pending: %d  In flight: %d  Dead: %d  Oldest: %s  Dedup keys: %d",
		statusText,
		relay.Stats.Pending,
		relay.Stats.InFlight,
		relay.Stats.DeadLettered,
		oldest,
		relay.Stats.DedupKeys,
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	))
}

func failingChecks(checks map[string]string) string {
	var failing []string
	for name, result := range checks {
		if result != "ok" {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	if len(failing) == 0 {
		return ""
	}
	return "(" + strings.Join(failing, ", ") + ")"
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
