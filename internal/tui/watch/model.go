package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookrelay/internal/events"
)

const (
	eventLogSize   = 50
	reconnectDelay = 3 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	ctx    context.Context
	admin  Admin
	target string
	now    func() time.Time

	width  int
	height int

	// State
	relay    RelayState
	sources  map[string]*SourceState
	eventLog []events.Event
	lastID   int64
	dlqIDs   []string

	// Live indicators
	ticker   Ticker
	activity Activity

	// UI state
	theme Theme
	dlq   table.Model

	// Communication
	hubEvents chan events.Event

	// Status line
	lastError  string
	lastReplay string
}

// New creates a dashboard reading from admin. target is only displayed.
func New(ctx context.Context, admin Admin, target string) *Model {
	return &Model{
		ctx:       ctx,
		admin:     admin,
		target:    target,
		now:       time.Now,
		sources:   make(map[string]*SourceState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		dlq:       newDLQTable(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.ctx, m.admin, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchStatus(m.admin),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if id := m.selectedEventID(); id != "" {
				return m, replay(m.admin, id)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.dlq, cmd = m.dlq.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}

		now := m.now()
		m.activity.OnEvent(now)
		if e.Type == events.TypeSweep {
			m.ticker.Tick()
		}
		updateSourceState(m.sources, e, now)

		m.relay.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		switch e.Type {
		case events.TypeDeadLettered, events.TypeReplayed:
			cmds = append(cmds, fetchStatus(m.admin))
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.relay.Ready = msg.ready
		m.relay.Stats = msg.queue.Stats
		m.relay.Connected = true
		m.relay.LastCheck = m.now()
		rows, ids := dlqRowsFor(msg.dlq.Items)
		m.dlq.SetRows(rows)
		m.dlqIDs = ids
		if m.dlq.Cursor() >= len(rows) && len(rows) > 0 {
			m.dlq.SetCursor(len(rows) - 1)
		}
		m.lastError = ""
		return m, pollLater(m.admin)

	case replayMsg:
		m.lastReplay = fmt.Sprintf("replay %s: %s", msg.EventID, msg.Outcome)
		return m, fetchStatus(m.admin)

	case streamClosedMsg:
		m.relay.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so the
		// new subscription only has to resume after the last seen id.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.ctx, m.admin, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.err.Error()
		return m, pollLater(m.admin)
	}

	return m, nil
}

func (m Model) selectedEventID() string {
	i := m.dlq.Cursor()
	if i < 0 || i >= len(m.dlqIDs) {
		return ""
	}
	return m.dlqIDs[i]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to relay..."
	}
	now := m.now()

	header := renderHeader(m.relay, m.target, m.ticker, m.activity, m.theme, m.width, now)
	sources := renderSources(m.sources, m.theme, m.width, now)
	dlq := renderDLQ(m.dlq, len(m.dlqIDs), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, sources, dlq, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.lastReplay != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.lastReplay))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select dead letter • [r] Replay")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
