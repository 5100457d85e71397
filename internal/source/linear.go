package source

import (
	"net/http"
	"strings"
	"time"
)

// Linear header names.
const (
	LinearEventHeader     = "Linear-Event"
	LinearDeliveryHeader  = "Linear-Delivery"
	LinearSignatureHeader = "Linear-Signature"
)

var linearTypes = map[string]struct{}{
	"Issue":   {},
	"Comment": {},
}

// LinearConfig configures the Linear adapter.
type LinearConfig struct {
	Secret string
	// AgentUserID is the Linear user the downstream agent acts as; its own
	// actions are dropped.
	AgentUserID string
	Freshness   FreshnessPolicy
	Cooldown    time.Duration
}

// Linear authenticates and classifies Linear workspace webhooks.
type Linear struct {
	cfg LinearConfig
}

func NewLinear(cfg LinearConfig) *Linear {
	return &Linear{cfg: cfg}
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) Cooldown() time.Duration { return l.cfg.Cooldown }

func (l *Linear) Verify(body []byte, h http.Header) error {
	if l.cfg.Secret == "" {
		return &AuthenticationError{Source: l.Name(), Reason: "secret not configured"}
	}
	sig := header(h, LinearSignatureHeader)
	if sig == "" {
		return &AuthenticationError{Source: l.Name(), Reason: "missing signature"}
	}
	if !VerifySignature(body, sig, l.cfg.Secret) {
		return &AuthenticationError{Source: l.Name(), Reason: "signature mismatch"}
	}
	return nil
}

func (l *Linear) CheckFreshness(payload map[string]any, now time.Time) error {
	raw, _ := lookup(payload, "webhookTimestamp")
	return l.cfg.Freshness.Check(l.Name(), raw, now)
}

func (l *Linear) Describe(h http.Header, payload map[string]any) Descriptor {
	typ := scalarAt(payload, "type")
	if typ == "" {
		typ = header(h, LinearEventHeader)
	}
	action := scalarAt(payload, "action")

	eventType := strings.ToLower(typ)
	if action != "" {
		eventType += "." + strings.ToLower(action)
	}

	return Descriptor{
		Source:     l.Name(),
		DeliveryID: header(h, LinearDeliveryHeader),
		EventName:  typ,
		Action:     action,
		EventType:  eventType,
		EntityID: firstScalar(payload,
			[]string{"data", "id"},
			[]string{"data", "identifier"},
			[]string{"webhookId"},
		),
		Scope: firstScalar(payload,
			[]string{"data", "team", "key"},
			[]string{"data", "teamId"},
		),
		CooldownEntity: firstScalar(payload,
			[]string{"data", "id"},
			[]string{"data", "identifier"},
		),
		Actor: firstScalar(payload,
			[]string{"actor", "id"},
			[]string{"data", "userId"},
			[]string{"data", "creatorId"},
		),
	}
}

func (l *Linear) IsActionable(d Descriptor) bool {
	if _, ok := linearTypes[d.EventName]; !ok {
		return false
	}
	return !strings.EqualFold(d.Action, "remove")
}

func (l *Linear) IsSelfAuthored(d Descriptor) bool {
	return l.cfg.AgentUserID != "" && d.Actor == l.cfg.AgentUserID
}

func (l *Linear) ForwardHeaders(d Descriptor) map[string]string {
	return map[string]string{
		LinearEventHeader:    d.EventName,
		LinearDeliveryHeader: d.DeliveryID,
	}
}
