package source

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearHeaders(delivery string) http.Header {
	h := http.Header{}
	h.Set(LinearDeliveryHeader, delivery)
	return h
}

func TestLinearVerify(t *testing.T) {
	l := NewLinear(LinearConfig{Secret: "lin"})
	body := []byte(`{"type":"Issue"}`)

	h := http.Header{}
	h.Set(LinearSignatureHeader, Sign(body, "lin"))
	assert.NoError(t, l.Verify(body, h))

	h.Set(LinearSignatureHeader, SignGitHub(body, "lin"))
	assert.NoError(t, l.Verify(body, h), "sha256= prefix is tolerated")

	var authErr *AuthenticationError
	require.True(t, errors.As(l.Verify([]byte(`{"type":"Comment"}`), h), &authErr))
	require.True(t, errors.As(l.Verify(body, http.Header{}), &authErr))
}

func TestLinearDescribe(t *testing.T) {
	l := NewLinear(LinearConfig{})
	payload := mustDecode(t, `{
		"type": "Issue",
		"action": "create",
		"webhookId": "wh-1",
		"actor": {"id": "user-1"},
		"data": {"id": "iss-1", "identifier": "ENG-12", "team": {"key": "ENG"}}
	}`)

	d := l.Describe(linearHeaders("del-1"), payload)

	assert.Equal(t, "issue.create", d.EventType)
	assert.Equal(t, "Issue", d.EventName)
	assert.Equal(t, "iss-1", d.EntityID)
	assert.Equal(t, "user-1", d.Actor)
	assert.Equal(t, "linear:del-1:create:iss-1", d.DedupKey())
	assert.Equal(t, "linear:ENG:iss-1", d.CooldownKey())
	assert.Equal(t, map[string]string{
		LinearEventHeader:    "Issue",
		LinearDeliveryHeader: "del-1",
	}, l.ForwardHeaders(d))
}

func TestLinearDescribeFallbacks(t *testing.T) {
	l := NewLinear(LinearConfig{})
	h := linearHeaders("del-2")
	h.Set(LinearEventHeader, "Comment")

	d := l.Describe(h, mustDecode(t, `{"webhookId":"wh-9","data":{"userId":"u-2","teamId":"team-uuid"}}`))
	assert.Equal(t, "comment", d.EventType)
	assert.Equal(t, "wh-9", d.EntityID)
	assert.Equal(t, "u-2", d.Actor)
	assert.Equal(t, "", d.CooldownKey(), "no data.id means no cooldown entity")
}

func TestLinearFilter(t *testing.T) {
	l := NewLinear(LinearConfig{AgentUserID: "agent-7"})

	tests := []struct {
		name string
		d    Descriptor
		want bool
	}{
		{name: "issue create", d: Descriptor{EventName: "Issue", Action: "create", Actor: "human"}, want: true},
		{name: "comment update", d: Descriptor{EventName: "Comment", Action: "update", Actor: "human"}, want: true},
		{name: "remove dropped", d: Descriptor{EventName: "Issue", Action: "remove", Actor: "human"}, want: false},
		{name: "project dropped", d: Descriptor{EventName: "Project", Action: "create", Actor: "human"}, want: false},
		{name: "own agent dropped", d: Descriptor{EventName: "Issue", Action: "create", Actor: "agent-7"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := Filter(l, tt.d)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestLinearCheckFreshness(t *testing.T) {
	now := time.Now()
	enforced := NewLinear(LinearConfig{Freshness: FreshnessPolicy{Window: time.Minute, Enforce: true}})
	relaxed := NewLinear(LinearConfig{Freshness: FreshnessPolicy{Window: time.Minute, Enforce: false}})

	old := mustDecode(t, `{"webhookTimestamp":`+strconv.FormatInt(now.Add(-10*time.Minute).UnixMilli(), 10)+`}`)
	fresh := mustDecode(t, `{"webhookTimestamp":`+strconv.FormatInt(now.UnixMilli(), 10)+`}`)

	assert.Error(t, enforced.CheckFreshness(old, now))
	assert.NoError(t, enforced.CheckFreshness(fresh, now))
	assert.Error(t, enforced.CheckFreshness(mustDecode(t, `{}`), now))
	assert.NoError(t, relaxed.CheckFreshness(old, now))
}
