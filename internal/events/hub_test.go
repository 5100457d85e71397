package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingKeepsNewest(t *testing.T) {
	t.Parallel()
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeAccepted, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	var data map[string]int
	require.NoError(t, json.Unmarshal(snap[2].Data, &data))
	assert.Equal(t, 4, data["n"])

	assert.Len(t, h.SnapshotSince(4), 1)
	assert.Empty(t, h.SnapshotSince(5))
}

func TestHubSubscribe(t *testing.T) {
	t.Parallel()
	h := NewHub(8)
	ch, cancel := h.Subscribe()

	h.Publish(TypeForwarded, nil)
	select {
	case ev := <-ch:
		assert.Equal(t, TypeForwarded, ev.Type)
		assert.JSONEq(t, `{}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestNilHub(t *testing.T) {
	t.Parallel()
	var h *Hub
	h.Publish(TypeDropped, nil)
	assert.Empty(t, h.SnapshotSince(0))
}

func TestEventMarshalsDataInline(t *testing.T) {
	t.Parallel()
	h := NewHub(1)
	h.Publish(TypeRetry, map[string]string{"event_id": "abc"})

	b, err := json.Marshal(h.SnapshotSince(0)[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":{"event_id":"abc"}`)
}
