// Package sanitize turns a producer payload into the minimal, fenced
// projection the agent gateway receives.
//
// Sanitizing is zero-trust: only allow-listed fields survive, every piece of
// user-authored text is truncated and wrapped in explicit boundary markers,
// and strings that look like prompt-injection attempts are flagged (never
// blocked) so the consumer can apply extra scrutiny.
package sanitize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mattjoyce/hookrelay/internal/envelope"
)

// Field length limits, counted in runes.
const (
	MaxTitleLen   = 500
	MaxBodyLen    = 50_000
	MaxCommentLen = 20_000
	MaxShortLen   = 200
)

// scanMinLength skips short strings (ids, enum values) during the scan.
const scanMinLength = 10

// ErrUnsupportedSource is returned for a source with no projection.
var ErrUnsupportedSource = errors.New("sanitize: unsupported source")

// Result is the sanitized payload plus the flags raised while scanning it.
type Result struct {
	Payload json.RawMessage
	Flags   []envelope.Flag
}

type projector func(payload map[string]any) fields

// Sanitizer holds the per-source projections.
type Sanitizer struct {
	projectors map[string]projector
}

// New returns a sanitizer that knows the github and linear projections.
func New() *Sanitizer {
	return &Sanitizer{projectors: map[string]projector{
		"github": projectGitHub,
		"linear": projectLinear,
	}}
}

// Sanitize scans raw for injection markers, projects it through the source's
// allow-list, and marks the output with _sanitized and _flags.
func (s *Sanitizer) Sanitize(sourceName string, raw json.RawMessage) (Result, error) {
	project, ok := s.projectors[sourceName]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedSource, sourceName)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("sanitize: decode payload: %w", err)
	}
	if payload == nil {
		return Result{}, errors.New("sanitize: payload is not an object")
	}

	flags := Scan(payload)
	out := project(payload)
	out["_sanitized"] = true
	if len(flags) > 0 {
		out["_flags"] = flags
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(out)); err != nil {
		return Result{}, fmt.Errorf("sanitize: encode payload: %w", err)
	}
	return Result{Payload: bytes.TrimRight(buf.Bytes(), "\n"), Flags: flags}, nil
}

// Scan walks every string in v (object keys in sorted order) and returns a
// flag for each field whose text matches one or more injection patterns.
// Paths are dotted; array elements use their index.
func Scan(v any) []envelope.Flag {
	flags := []envelope.Flag{}
	scanValue(v, "", &flags)
	return flags
}

func scanValue(v any, path string, flags *[]envelope.Flag) {
	switch t := v.(type) {
	case string:
		if len(t) <= scanMinLength {
			return
		}
		if n := countMatches(t); n > 0 {
			*flags = append(*flags, envelope.Flag{Field: path, MatchCount: n})
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			scanValue(t[k], join(path, k), flags)
		}
	case []any:
		for i, item := range t {
			scanValue(item, join(path, strconv.Itoa(i)), flags)
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// Truncate clamps text to limit runes, noting the original length.
func Truncate(text string, limit int) string {
	n := utf8.RuneCountInString(text)
	if n <= limit {
		return text
	}
	cut := 0
	for i := range text {
		if limit == 0 {
			cut = i
			break
		}
		limit--
	}
	return text[:cut] + fmt.Sprintf("\n[TRUNCATED: original was %d chars]", n)
}

var markerPattern = regexp.MustCompile(`(?i)-{3,}\s*(BEGIN|END)\s+UNTRUSTED`)

// Fence wraps untrusted text between markers naming the field. Marker-like
// sequences already present in text are defused so the text cannot close
// its own fence.
func Fence(text, label string) string {
	label = strings.ToUpper(label)
	text = markerPattern.ReplaceAllString(text, "[marker removed]")
	return "--- BEGIN UNTRUSTED " + label + " ---\n" + text + "\n--- END UNTRUSTED " + label + " ---"
}
