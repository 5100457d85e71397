package source

import (
	"net/http"
	"regexp"
	"strings"
	"time"
)

// GitHub header names.
const (
	GitHubEventHeader     = "X-GitHub-Event"
	GitHubDeliveryHeader  = "X-GitHub-Delivery"
	GitHubSignatureHeader = "X-Hub-Signature-256"
)

// DefaultBotSuffix marks automation accounts on GitHub.
const DefaultBotSuffix = "[bot]"

var githubEvents = map[string]struct{}{
	"pull_request":                {},
	"pull_request_review":         {},
	"pull_request_review_comment": {},
	"issue_comment":               {},
}

var githubActionPattern = regexp.MustCompile(`^(opened|synchronize|reopened|submitted|created)$`)

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	Secret    string
	BotSuffix string
	Cooldown  time.Duration
}

// GitHub authenticates and classifies GitHub App / repository webhooks.
type GitHub struct {
	cfg GitHubConfig
}

func NewGitHub(cfg GitHubConfig) *GitHub {
	return &GitHub{cfg: cfg}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) Cooldown() time.Duration { return g.cfg.Cooldown }

func (g *GitHub) Verify(body []byte, h http.Header) error {
	if g.cfg.Secret == "" {
		return &AuthenticationError{Source: g.Name(), Reason: "secret not configured"}
	}
	sig := header(h, GitHubSignatureHeader)
	if sig == "" {
		return &AuthenticationError{Source: g.Name(), Reason: "missing signature"}
	}
	if !VerifySignature(body, sig, g.cfg.Secret) {
		return &AuthenticationError{Source: g.Name(), Reason: "signature mismatch"}
	}
	return nil
}

// CheckFreshness is a no-op: GitHub payloads carry no generation timestamp.
func (g *GitHub) CheckFreshness(map[string]any, time.Time) error { return nil }

func (g *GitHub) Describe(h http.Header, payload map[string]any) Descriptor {
	event := header(h, GitHubEventHeader)
	action := scalarAt(payload, "action")

	eventType := event
	if action != "" {
		eventType = event + "." + action
	}

	d := Descriptor{
		Source:     g.Name(),
		DeliveryID: header(h, GitHubDeliveryHeader),
		EventName:  event,
		Action:     action,
		EventType:  eventType,
		EntityID: firstScalar(payload,
			[]string{"pull_request", "number"},
			[]string{"issue", "number"},
			[]string{"number"},
			[]string{"comment", "id"},
			[]string{"review", "id"},
			[]string{"repository", "id"},
		),
		Scope: scalarAt(payload, "repository", "full_name"),
		CooldownEntity: firstScalar(payload,
			[]string{"pull_request", "number"},
			[]string{"issue", "number"},
			[]string{"number"},
		),
		Actor: scalarAt(payload, "sender", "login"),
	}
	return d
}

func (g *GitHub) IsActionable(d Descriptor) bool {
	if _, ok := githubEvents[d.EventName]; !ok {
		return false
	}
	return githubActionPattern.MatchString(d.Action)
}

func (g *GitHub) IsSelfAuthored(d Descriptor) bool {
	suffix := g.cfg.BotSuffix
	if suffix == "" || d.Actor == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(d.Actor), strings.ToLower(suffix))
}

func (g *GitHub) ForwardHeaders(d Descriptor) map[string]string {
	return map[string]string{
		GitHubEventHeader:    d.EventName,
		GitHubDeliveryHeader: d.DeliveryID,
	}
}
