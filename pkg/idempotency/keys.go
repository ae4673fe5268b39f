package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/event"
)

// KeyPrefixV2 marks keys derived with the v2 scheme. v1 keys carry no prefix.
const KeyPrefixV2 = "v2:"

// Dedup time buckets per event class. v1 uses bucketV1 for everything.
const (
	bucketV1        = 5 * time.Second
	bucketClick     = 5 * time.Second
	bucketHeartbeat = 10 * time.Second
	bucketPageView  = 2 * time.Second

	// clientClockSkewMax bounds how far a client-supplied timestamp may
	// drift from server time before it is clamped to server time.
	clientClockSkewMax = 5 * time.Minute
)

// DeriveKeyV1 derives the legacy fingerprint for an event.
//
// Frozen: invoices for past billing periods depend on bit-stable output.
// The time bucket is always server ingest time; client timestamps are
// never consulted. Do not change the input ordering, the separator, the
// bucket width, or the URL normalization.
func DeriveKeyV1(e *event.Event, serverTime time.Time) string {
	bucket := serverTime.UTC().Truncate(bucketV1).Unix()
	return fingerprint(
		e.TenantID,
		eventName(e),
		normalizeURL(e.URL),
		e.SessionFingerprint,
		fmt.Sprintf("%d", bucket),
	)
}

// DeriveKeyV2 derives the current fingerprint for an event, prefixed
// with "v2:".
//
// Click and intent events bucket on server receipt time only, so a
// client cannot widen or dodge its own dedup window by manipulating
// timestamps. Heartbeats and page views may use a client timestamp if
// it is within clientClockSkewMax of server time; otherwise server time
// is used.
func DeriveKeyV2(e *event.Event, serverTime time.Time) string {
	kind := e.Kind()

	var ts time.Time
	var bucket time.Duration
	switch kind {
	case event.KindHeartbeat:
		ts = clampClientTime(e.ClientTimestamp, serverTime)
		bucket = bucketHeartbeat
	case event.KindPageView:
		ts = clampClientTime(e.ClientTimestamp, serverTime)
		bucket = bucketPageView
	default:
		// Click, intent, and anything unrecognized: server time only.
		ts = serverTime
		bucket = bucketClick
	}

	bucketed := ts.UTC().Truncate(bucket).Unix()
	return KeyPrefixV2 + fingerprint(
		e.TenantID,
		string(kind),
		eventName(e),
		normalizeURL(e.URL),
		e.SessionFingerprint,
		fmt.Sprintf("%d", bucketed),
	)
}

// KeyVersionOf reports the derivation version encoded in a stored key.
func KeyVersionOf(key string) int {
	if strings.HasPrefix(key, KeyPrefixV2) {
		return 2
	}
	return 1
}

func clampClientTime(clientTS *time.Time, serverTime time.Time) time.Time {
	if clientTS == nil {
		return serverTime
	}
	drift := serverTime.Sub(*clientTS)
	if drift < 0 {
		drift = -drift
	}
	if drift > clientClockSkewMax {
		return serverTime
	}
	return *clientTS
}

// fingerprint joins the parts with an unambiguous separator and hashes
// them. sha256 hex keeps the output fixed-width and collision-resistant.
func fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'\x1f'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func eventName(e *event.Event) string {
	return e.Category + ":" + e.Action + ":" + e.Label
}

// normalizeURL canonicalizes the target URL so cosmetic differences do
// not fragment dedup windows. Frozen alongside DeriveKeyV1.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
