package source

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// millisecondThreshold separates second and millisecond epoch values; no
// second-resolution timestamp before the year 2286 exceeds it.
const millisecondThreshold = 10_000_000_000

// DefaultReplayWindow bounds the clock skew accepted for signed deliveries.
const DefaultReplayWindow = 60 * time.Second

// FreshnessPolicy rejects deliveries whose embedded generation timestamp is
// too far from the receiver's clock.
type FreshnessPolicy struct {
	Window  time.Duration
	Enforce bool
}

// Check validates raw (the decoded timestamp field, possibly nil) against
// now. With enforcement on, an absent or unparsable timestamp is rejected.
func (p FreshnessPolicy) Check(sourceName string, raw any, now time.Time) error {
	if !p.Enforce {
		return nil
	}
	ts, ok := parseEpoch(raw)
	if !ok {
		return &ValidationError{Source: sourceName, Reason: "stale-timestamp", Status: http.StatusUnauthorized,
			Err: errMissingTimestamp}
	}

	window := p.Window
	if window <= 0 {
		window = DefaultReplayWindow
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return &ValidationError{Source: sourceName, Reason: "stale-timestamp", Status: http.StatusUnauthorized,
			Err: &skewError{skew: skew, window: window}}
	}
	return nil
}

type timestampError string

func (e timestampError) Error() string { return string(e) }

const errMissingTimestamp = timestampError("webhook timestamp missing or unparsable")

type skewError struct {
	skew, window time.Duration
}

func (e *skewError) Error() string {
	return "webhook timestamp skew " + e.skew.Truncate(time.Second).String() + " exceeds " + e.window.String()
}

// parseEpoch accepts integer seconds or milliseconds as a JSON number or a
// numeric string.
func parseEpoch(raw any) (time.Time, bool) {
	var n int64
	switch v := raw.(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil || f < 0 || f > math.MaxInt64 {
				return time.Time{}, false
			}
			i = int64(f)
		}
		n = i
	case float64:
		if v < 0 || v > math.MaxInt64 {
			return time.Time{}, false
		}
		n = int64(v)
	case int64:
		n = v
	case int:
		n = int64(v)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		n = i
	default:
		return time.Time{}, false
	}
	if n < 0 {
		return time.Time{}, false
	}
	if n > millisecondThreshold {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}
