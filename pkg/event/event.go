package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an event for dedup bucketing. Click/intent events are
// deduplicated on server receipt time only; heartbeats and page views may
// carry a client timestamp.
type Kind string

const (
	KindClick     Kind = "click"
	KindIntent    Kind = "intent"
	KindHeartbeat Kind = "heartbeat"
	KindPageView  Kind = "page_view"
	KindCustom    Kind = "custom"
)

// Event is the inbound analytics event as handed from the edge to the
// worker. The metadata bag is forward-compatible: unknown keys pass
// through untouched.
type Event struct {
	TenantID           string     `json:"tenant_id"`
	SiteID             string     `json:"site_id,omitempty"`
	Category           string     `json:"category"`
	Action             string     `json:"action"`
	Label              string     `json:"label,omitempty"`
	URL                string     `json:"url"`
	SessionFingerprint string     `json:"session_fingerprint"`
	ClientTimestamp    *time.Time `json:"client_timestamp,omitempty"`
	Metadata           Metadata   `json:"metadata,omitempty"`
}

// Validate checks the fields the billing gate depends on. Business
// semantics of category/action/label are not validated here.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if strings.TrimSpace(e.SessionFingerprint) == "" {
		return fmt.Errorf("session_fingerprint is required")
	}
	return nil
}

// Kind derives the dedup class from the event action. Unrecognized
// actions fall back to KindCustom, which buckets like a click.
func (e *Event) Kind() Kind {
	switch strings.ToLower(e.Action) {
	case "click", "cta_click":
		return KindClick
	case "intent", "conversion_intent":
		return KindIntent
	case "heartbeat", "ping":
		return KindHeartbeat
	case "pageview", "page_view":
		return KindPageView
	default:
		return KindCustom
	}
}

// Metadata is a free-form bag of event attributes. Keys the gate logic
// does not understand are preserved verbatim through decode/encode so
// that clients can attach forward-compatible fields.
type Metadata map[string]json.RawMessage

// GetString returns the string value for key, if present and a string.
func (m Metadata) GetString(key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// GetBool returns the boolean value for key, if present and a boolean.
func (m Metadata) GetBool(key string) (bool, bool) {
	raw, ok := m[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Set stores a JSON-encodable value under key.
func (m Metadata) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode metadata %q: %w", key, err)
	}
	m[key] = raw
	return nil
}

// ConsentGranted reports whether the event carries an explicit consent
// grant. Absence of the field is treated as no consent.
func (m Metadata) ConsentGranted() bool {
	granted, ok := m.GetBool("consent")
	return ok && granted
}
