package watch

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookrelay/internal/api"
)

func newDLQTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Event", Width: 10},
			{Title: "Source", Width: 8},
			{Title: "Type", Width: 22},
			{Title: "Tries", Width: 5},
			{Title: "Replays", Width: 7},
			{Title: "Reason", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// dlqRowsFor renders DLQ entries as table rows. The event id column is
// shortened; ids holds the full ids in row order.
func dlqRowsFor(items []api.DLQView) (rows []table.Row, ids []string) {
	rows = make([]table.Row, 0, len(items))
	ids = make([]string, 0, len(items))
	for _, d := range items {
		short := d.EventID
		if len(short) > 8 {
			short = short[:8]
		}
		if d.Replaying {
			short += "*"
		}
		rows = append(rows, table.Row{
			short,
			d.Source,
			d.EventType,
			fmt.Sprintf("%d", d.Attempts),
			fmt.Sprintf("%d", d.ReplayCount),
			d.FailureReason,
		})
		ids = append(ids, d.EventID)
	}
	return rows, ids
}

func renderDLQ(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render(fmt.Sprintf("DEAD LETTERS (%d)", count))

	if count == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  Nothing dead-lettered."),
		))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
