package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Rejection describes a throttled request.
type Rejection struct {
	Scope      string
	Key        string
	RetryAfter time.Duration
}

// Guard applies the per-IP and per-source limits in that order. The per-IP
// check runs before the source name is resolved so unknown names are
// throttled too.
type Guard struct {
	PerIP     *Limiter
	PerSource *Limiter
	Resolver  Resolver
}

// NewGuard builds a guard with the given per-minute limits.
func NewGuard(ipPerMinute, sourcePerMinute int, resolver Resolver) *Guard {
	return &Guard{
		PerIP:     NewLimiter(ipPerMinute),
		PerSource: NewLimiter(sourcePerMinute),
		Resolver:  resolver,
	}
}

// Admission is the per-IP token held by a request that passed CheckIP.
type Admission struct {
	ip *Token
}

// CheckIP applies the per-IP limit. A nil Rejection means the request may
// continue to CheckSource.
func (g *Guard) CheckIP(r *http.Request) (*Admission, *Rejection) {
	if g == nil {
		return nil, nil
	}
	ip := g.Resolver.ClientIP(r)
	tok, ok, wait := g.PerIP.take(ip)
	if !ok {
		return nil, &Rejection{Scope: "ip", Key: ip, RetryAfter: wait}
	}
	return &Admission{ip: tok}, nil
}

// CheckSource applies the per-source limit. On rejection the per-IP token
// held by adm is refunded, so a request throttled for its source costs the
// caller nothing.
func (g *Guard) CheckSource(adm *Admission, source string) *Rejection {
	if g == nil {
		return nil
	}
	if ok, wait := g.PerSource.Allow(source); !ok {
		if adm != nil {
			adm.ip.Refund()
		}
		return &Rejection{Scope: "source", Key: source, RetryAfter: wait}
	}
	return nil
}

// Check runs CheckIP then CheckSource and returns nil when the request may
// proceed.
func (g *Guard) Check(r *http.Request, source string) *Rejection {
	adm, rej := g.CheckIP(r)
	if rej != nil {
		return rej
	}
	return g.CheckSource(adm, source)
}

// Sweep evicts idle buckets from both limiters.
func (g *Guard) Sweep() int {
	if g == nil {
		return 0
	}
	return g.PerIP.Sweep() + g.PerSource.Sweep()
}

// WriteRejection answers 429 with a whole-second Retry-After.
func WriteRejection(w http.ResponseWriter, rej *Rejection) {
	secs := int(math.Ceil(rej.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
}
