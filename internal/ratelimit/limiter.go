// Package ratelimit throttles webhook ingress with token buckets keyed by
// client IP and by declared source name.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdle is how long an untouched bucket survives a Sweep.
const DefaultIdle = 10 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter is a set of token buckets sharing one per-minute rate. Burst equals
// the per-minute limit, so a quiet key may spend a full minute's budget at
// once.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	idle      time.Duration
	buckets   map[string]*bucket
	now       func() time.Time
}

// NewLimiter returns a limiter allowing perMinute events per key. A
// non-positive perMinute disables limiting.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		idle:      DefaultIdle,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

// Allow takes one token for key. When the bucket is empty it reports how long
// until a token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	_, ok, wait := l.take(key)
	return ok, wait
}

// Token is a spent bucket token that can be handed back with Refund.
type Token struct {
	res *rate.Reservation
	at  time.Time
}

// Refund returns the token to its bucket. Nil tokens are ignored.
func (t *Token) Refund() {
	if t == nil || t.res == nil {
		return
	}
	// CancelAt is a no-op for times after the reservation, so refund at the
	// instant the token was taken.
	t.res.CancelAt(t.at)
	t.res = nil
}

// take is Allow that also returns the spent token. Rejections never spend
// one.
func (l *Limiter) take(key string) (*Token, bool, time.Duration) {
	if l == nil || l.perMinute <= 0 {
		return nil, true, 0
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, false, time.Minute
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return &Token{res: r, at: now}, true, 0
	}
	r.CancelAt(now)
	return nil, false, delay
}

// Sweep drops buckets idle for longer than the idle period and reports how
// many were removed.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len is the number of live buckets.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
