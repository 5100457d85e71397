package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookrelay/internal/events"
)

// SourceState counts what the relay did with one producer's events since the
// dashboard attached.
type SourceState struct {
	Name         string
	Accepted     int
	Dropped      map[string]int
	Forwarded    int
	Retries      int
	DeadLettered int
	LastSeen     time.Time
}

// updateSourceState folds one relay event into the per-source counters.
func updateSourceState(sources map[string]*SourceState, e events.Event, now time.Time) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	name, _ := data["source"].(string)
	if name == "" {
		return
	}
	s, ok := sources[name]
	if !ok {
		s = &SourceState{Name: name, Dropped: make(map[string]int)}
		sources[name] = s
	}

	switch e.Type {
	case events.TypeAccepted:
		s.Accepted++
	case events.TypeDropped:
		reason, _ := data["reason"].(string)
		s.Dropped[reason]++
	case events.TypeForwarded:
		s.Forwarded++
	case events.TypeRetry:
		s.Retries++
	case events.TypeDeadLettered:
		s.DeadLettered++
	default:
		return
	}
	s.LastSeen = now
}

func sortedSourceNames(sources map[string]*SourceState) []string {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func renderSources(sources map[string]*SourceState, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	if len(sources) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SOURCES"),
			theme.Dim.Render("  No webhook activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("SOURCES")}
	for _, name := range sortedSourceNames(sources) {
		lines = append(lines, renderSourceRow(sources[name], theme, now))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderSourceRow(s *SourceState, theme Theme, now time.Time) string {
	dropped := 0
	for _, n := range s.Dropped {
		dropped += n
	}

	last := ""
	if !s.LastSeen.IsZero() {
		last = theme.Dim.Render("last " + formatAgo(now.Sub(s.LastSeen)))
	}

	return fmt.Sprintf(" %-8s %s %s %s %s %s  %s",
		s.Name,
		theme.StatusOK.Render(fmt.Sprintf("accepted %-4d", s.Accepted)),
		theme.StatusOK.Render(fmt.Sprintf("forwarded %-4d", s.Forwarded)),
		theme.StatusRetry.Render(fmt.Sprintf("retries %-4d", s.Retries)),
		theme.StatusDropped.Render(fmt.Sprintf("dropped %-4d", dropped)),
		theme.StatusDead.Render(fmt.Sprintf("dead %-3d", s.DeadLettered)),
		last,
	)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
