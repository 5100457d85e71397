package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("a")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := l.Allow("a")
	require.False(t, ok)
	assert.InDelta(t, (20 * time.Second).Seconds(), wait.Seconds(), 0.01)

	// Other keys have their own bucket.
	ok, _ = l.Allow("b")
	assert.True(t, ok)

	now = now.Add(20 * time.Second)
	ok, _ = l.Allow("a")
	assert.True(t, ok)
}

func TestLimiterRejectionDoesNotConsume(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(1)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("a")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _ = l.Allow("a")
		require.False(t, ok)
	}
	now = now.Add(time.Minute)
	ok, _ = l.Allow("a")
	assert.True(t, ok, "rejected calls must not push the refill out")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()
	l := NewLimiter(0)
	for i := 0; i < 1000; i++ {
		ok, _ := l.Allow("x")
		require.True(t, ok)
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiterSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(10)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(DefaultIdle + time.Second)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestResolverClientIP(t *testing.T) {
	t.Parallel()

	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.5 ", ""})
	require.NoError(t, err)
	r := Resolver{Trusted: trusted}

	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{name: "direct peer", remote: "203.0.113.9:4000", want: "203.0.113.9"},
		{name: "untrusted peer ignores headers", remote: "203.0.113.9:4000", xff: "1.2.3.4", want: "203.0.113.9"},
		{name: "trusted peer uses first xff", remote: "10.1.2.3:80", xff: "1.2.3.4, 10.1.2.3", want: "1.2.3.4"},
		{name: "trusted single address", remote: "192.168.1.5:80", realIP: "5.6.7.8", want: "5.6.7.8"},
		{name: "trusted peer bad headers", remote: "10.1.2.3:80", xff: "garbage", want: "10.1.2.3"},
		{name: "unparsable remote", remote: "???", want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook/github", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, r.ClientIP(req))
		})
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestGuardScopes(t *testing.T) {
	t.Parallel()

	g := NewGuard(1, 2, Resolver{})
	req := func(remote string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhook/github", nil)
		r.RemoteAddr = remote
		return r
	}

	require.Nil(t, g.Check(req("1.1.1.1:1"), "github"))
	rej := g.Check(req("1.1.1.1:1"), "github")
	require.NotNil(t, rej)
	assert.Equal(t, "ip", rej.Scope)

	require.Nil(t, g.Check(req("2.2.2.2:1"), "github"))
	rej = g.Check(req("3.3.3.3:1"), "github")
	require.NotNil(t, rej)
	assert.Equal(t, "source", rej.Scope)
	assert.Equal(t, "github", rej.Key)
}

func TestGuardSourceRejectionRefundsIPToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(2, 1, Resolver{})
	g.PerIP.now = func() time.Time { return now }
	g.PerSource.now = func() time.Time { return now }

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", nil)
	req.RemoteAddr = "1.1.1.1:1"

	require.Nil(t, g.Check(req, "github"))

	rej := g.Check(req, "github")
	require.NotNil(t, rej)
	assert.Equal(t, "source", rej.Scope)

	// The source rejection handed the IP token back, so the second IP
	// token is still there for another source.
	require.Nil(t, g.Check(req, "linear"))

	rej = g.Check(req, "other")
	require.NotNil(t, rej)
	assert.Equal(t, "ip", rej.Scope)
}

func TestGuardCheckIPBeforeSourceIsKnown(t *testing.T) {
	t.Parallel()

	g := NewGuard(1, 100, Resolver{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/nope", nil)
	req.RemoteAddr = "4.4.4.4:1"

	adm, rej := g.CheckIP(req)
	require.Nil(t, rej)
	require.NotNil(t, adm)

	_, rej = g.CheckIP(req)
	require.NotNil(t, rej)
	assert.Equal(t, "ip", rej.Scope)
	assert.Equal(t, "4.4.4.4", rej.Key)
}

func TestNilGuardAdmitsEverything(t *testing.T) {
	t.Parallel()

	var g *Guard
	adm, rej := g.CheckIP(httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Nil(t, adm)
	assert.Nil(t, rej)
	assert.Nil(t, g.CheckSource(adm, "github"))
}

func TestWriteRejection(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteRejection(rec, &Rejection{Scope: "ip", RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}
