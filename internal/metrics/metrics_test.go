package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCountersAppearInScrape(t *testing.T) {
	t.Parallel()
	m := New()

	m.Received("github")
	m.Received("github")
	m.Dropped("github", ReasonDuplicate)
	m.Dropped("linear", ReasonFiltered)
	m.Forwarded("github")
	m.DeadLettered("linear")
	m.ForwardAttempt("github", OutcomeTransient, 20*time.Millisecond)
	m.RateLimited("ip")
	m.Replayed("requeued")

	out := scrape(t, m)
	for _, want := range []string{
		`hookrelay_events_received_total{source="github"} 2`,
		`hookrelay_events_dropped_total{reason="duplicate",source="github"} 1`,
		`hookrelay_events_dropped_total{reason="filtered",source="linear"} 1`,
		`hookrelay_events_forwarded_total{source="github"} 1`,
		`hookrelay_events_dead_lettered_total{source="linear"} 1`,
		`hookrelay_forward_attempts_total{outcome="transient",source="github"} 1`,
		`hookrelay_rate_limited_total{scope="ip"} 1`,
		`hookrelay_dlq_replays_total{outcome="requeued"} 1`,
		`hookrelay_forward_duration_seconds_count{source="github"} 1`,
	} {
		assert.True(t, strings.Contains(out, want), "missing %q", want)
	}
}

func TestSetQueueGauges(t *testing.T) {
	t.Parallel()
	m := New()
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	m.SetQueue(3, 1, 2, now.Add(-10*time.Second), now)
	out := scrape(t, m)
	assert.Contains(t, out, "hookrelay_queue_depth 3")
	assert.Contains(t, out, "hookrelay_queue_in_flight 1")
	assert.Contains(t, out, "hookrelay_dlq_depth 2")
	assert.Contains(t, out, "hookrelay_queue_oldest_pending_age_seconds 10")

	m.SetQueue(0, 0, 0, time.Time{}, now)
	assert.Contains(t, scrape(t, m), "hookrelay_queue_oldest_pending_age_seconds 0")
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Received("github")
	m.Dropped("github", ReasonCooldown)
	m.ForwardAttempt("github", OutcomeSuccess, time.Second)
	m.SetQueue(1, 1, 1, time.Now(), time.Now())
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
