package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/hookrelay/internal/api"
	"github.com/mattjoyce/hookrelay/internal/events"
)

// Admin is the slice of the admin API client the dashboard uses.
type Admin interface {
	Ready(ctx context.Context) (api.ReadyResponse, error)
	Queue(ctx context.Context, limit int) (api.QueueResponse, error)
	DLQ(ctx context.Context, limit int) (api.DLQResponse, error)
	Replay(ctx context.Context, eventID string) (api.ReplayResponse, error)
	Subscribe(ctx context.Context, lastID int64, ch chan<- events.Event) error
}

const (
	pollInterval   = 5 * time.Second
	requestTimeout = 3 * time.Second
	dlqRows        = 20
)

// --- Message types ---

type eventMsg events.Event

type statusMsg struct {
	ready api.ReadyResponse
	queue api.QueueResponse
	dlq   api.DLQResponse
}

type replayMsg api.ReplayResponse

type tickMsg time.Time

type errMsg struct{ err error }

type streamClosedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribe streams events into ch until the connection drops.
func subscribe(ctx context.Context, admin Admin, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = admin.Subscribe(ctx, lastID, ch)
		return streamClosedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus reads readiness, queue stats and the head of the DLQ.
func fetchStatus(admin Admin) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var (
			out statusMsg
			err error
		)
		if out.ready, err = admin.Ready(ctx); err != nil {
			return errMsg{err}
		}
		if out.queue, err = admin.Queue(ctx, 1); err != nil {
			return errMsg{err}
		}
		if out.dlq, err = admin.DLQ(ctx, dlqRows); err != nil {
			return errMsg{err}
		}
		return out
	}
}

func replay(admin Admin, eventID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := admin.Replay(ctx, eventID)
		if err != nil {
			return errMsg{err}
		}
		return replayMsg(res)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pollLater(admin Admin) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchStatus(admin)() })
}
