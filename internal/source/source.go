package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
)

const unknownValue = "unknown"

// Descriptor is the identity of one delivery as derived from its headers
// and payload.
type Descriptor struct {
	Source     string
	DeliveryID string
	// EventName is the producer's own event/type name (e.g. "pull_request",
	// "Issue").
	EventName string
	Action    string
	// EventType is the normalized "{event}.{action}" label.
	EventType string
	EntityID  string
	// Scope and CooldownEntity feed the cooldown key; either empty means the
	// delivery is not throttled.
	Scope          string
	CooldownEntity string
	Actor          string
}

// DedupKey identifies a single provider delivery.
func (d Descriptor) DedupKey() string {
	return strings.Join([]string{d.Source, d.DeliveryID, orUnknown(d.Action), orUnknown(d.EntityID)}, ":")
}

// CooldownKey identifies the entity being throttled, or "" when the payload
// names no scope or entity.
func (d Descriptor) CooldownKey() string {
	if d.Scope == "" || d.CooldownEntity == "" {
		return ""
	}
	return strings.Join([]string{d.Source, d.Scope, d.CooldownEntity}, ":")
}

// Adapter is the capability set one webhook producer implements.
type Adapter interface {
	Name() string
	// Verify authenticates the raw, unparsed request body.
	Verify(body []byte, header http.Header) error
	// CheckFreshness rejects replayed deliveries; producers without an
	// embedded timestamp accept everything.
	CheckFreshness(payload map[string]any, now time.Time) error
	Describe(header http.Header, payload map[string]any) Descriptor
	IsActionable(d Descriptor) bool
	IsSelfAuthored(d Descriptor) bool
	// ForwardHeaders lists producer headers replayed on the forward call.
	ForwardHeaders(d Descriptor) map[string]string
	// Cooldown is the minimum spacing between accepted events per entity.
	Cooldown() time.Duration
}

// Filter reports whether an authentic event should be queued, and if not,
// a short explanation for logs.
func Filter(a Adapter, d Descriptor) (bool, string) {
	if !a.IsActionable(d) {
		return false, "event not actionable"
	}
	if a.IsSelfAuthored(d) {
		return false, "self-authored"
	}
	return true, ""
}

// Registry resolves route names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry indexes adapters by name. Later duplicates win.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Lookup returns the adapter for name or an *UnknownSourceError.
func (r *Registry) Lookup(name string) (Adapter, error) {
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	return nil, &UnknownSourceError{Name: name}
}

// Names returns registered source names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DecodePayload parses an authenticated body into a JSON object. Numbers are
// kept as json.Number so numeric ids survive round trips unchanged.
func DecodePayload(sourceName string, body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, &ValidationError{Source: sourceName, Reason: "malformed JSON", Status: http.StatusBadRequest, Err: err}
	}
	if payload == nil {
		return nil, &ValidationError{Source: sourceName, Reason: "payload is not a JSON object", Status: http.StatusBadRequest}
	}
	if dec.More() {
		return nil, &ValidationError{Source: sourceName, Reason: "trailing data after JSON object", Status: http.StatusBadRequest}
	}
	return payload, nil
}

// RequireDelivery fails when the producer sent no delivery identifier.
func RequireDelivery(d Descriptor) error {
	if d.DeliveryID == "" {
		return &ValidationError{Source: d.Source, Reason: "missing delivery id", Status: http.StatusBadRequest,
			Err: errors.New("delivery header absent")}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknownValue
	}
	return s
}

func header(h http.Header, name string) string {
	return strings.TrimSpace(h.Get(name))
}

// lookup walks nested objects along path.
func lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// scalarAt returns a string or number at path rendered as a trimmed string,
// or "" for anything else.
func scalarAt(m map[string]any, path ...string) string {
	v, ok := lookup(m, path...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// firstScalar returns the first non-empty scalar among paths.
func firstScalar(m map[string]any, paths ...[]string) string {
	for _, p := range paths {
		if v := scalarAt(m, p...); v != "" {
			return v
		}
	}
	return ""
}
