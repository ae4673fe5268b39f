package idempotency

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/event"
)

func testEvent() *event.Event {
	return &event.Event{
		TenantID:           "tenant-1",
		SiteID:             "site-a",
		Category:           "engagement",
		Action:             "click",
		Label:              "cta",
		URL:                "https://example.com/pricing",
		SessionFingerprint: "fp-abc",
	}
}

func TestDeriveKeyV1(t *testing.T) {
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	t.Run("stable across calls", func(t *testing.T) {
		e := testEvent()
		assert.Equal(t, DeriveKeyV1(e, base), DeriveKeyV1(e, base))
	})

	t.Run("no version prefix", func(t *testing.T) {
		key := DeriveKeyV1(testEvent(), base)
		assert.False(t, strings.HasPrefix(key, KeyPrefixV2))
		assert.Len(t, key, 64, "sha256 hex")
		assert.Equal(t, 1, KeyVersionOf(key))
	})

	t.Run("same key within five second bucket", func(t *testing.T) {
		e := testEvent()
		k1 := DeriveKeyV1(e, base)
		k2 := DeriveKeyV1(e, base.Add(4*time.Second))
		assert.Equal(t, k1, k2)
	})

	t.Run("different key across bucket boundary", func(t *testing.T) {
		e := testEvent()
		k1 := DeriveKeyV1(e, base)
		k2 := DeriveKeyV1(e, base.Add(5*time.Second))
		assert.NotEqual(t, k1, k2)
	})

	t.Run("client timestamp never consulted", func(t *testing.T) {
		e := testEvent()
		k1 := DeriveKeyV1(e, base)

		ts := base.Add(-2 * time.Hour)
		e.ClientTimestamp = &ts
		k2 := DeriveKeyV1(e, base)
		assert.Equal(t, k1, k2)
	})

	t.Run("frozen output", func(t *testing.T) {
		// Pinned value. Invoices for closed billing periods were computed
		// with this exact derivation; a change here is a billing incident.
		key := DeriveKeyV1(testEvent(), base)
		assert.Equal(t,
			"36b5a7dcb2835c9bac526ad98956a96446c6c2bc4ac598e1afd90cf0d11986fe",
			key)
	})

	t.Run("tenant isolates keys", func(t *testing.T) {
		a := testEvent()
		b := testEvent()
		b.TenantID = "tenant-2"
		assert.NotEqual(t, DeriveKeyV1(a, base), DeriveKeyV1(b, base))
	})

	t.Run("url normalization collapses cosmetic differences", func(t *testing.T) {
		a := testEvent()
		a.URL = "https://Example.COM/pricing/"
		b := testEvent()
		b.URL = "https://example.com/pricing#hero"
		assert.Equal(t, DeriveKeyV1(a, base), DeriveKeyV1(b, base))
	})
}

func TestDeriveKeyV2(t *testing.T) {
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	t.Run("v2 prefix", func(t *testing.T) {
		key := DeriveKeyV2(testEvent(), base)
		assert.True(t, strings.HasPrefix(key, KeyPrefixV2))
		assert.Equal(t, 2, KeyVersionOf(key))
	})

	t.Run("differs from v1 for same event", func(t *testing.T) {
		e := testEvent()
		assert.NotEqual(t, DeriveKeyV1(e, base), DeriveKeyV2(e, base))
	})

	t.Run("click ignores client timestamp", func(t *testing.T) {
		e := testEvent()
		k1 := DeriveKeyV2(e, base)

		ts := base.Add(30 * time.Second)
		e.ClientTimestamp = &ts
		k2 := DeriveKeyV2(e, base)
		assert.Equal(t, k1, k2, "click buckets on server time only")
	})

	t.Run("click five second bucket", func(t *testing.T) {
		e := testEvent()
		assert.Equal(t, DeriveKeyV2(e, base), DeriveKeyV2(e, base.Add(4*time.Second)))
		assert.NotEqual(t, DeriveKeyV2(e, base), DeriveKeyV2(e, base.Add(5*time.Second)))
	})

	t.Run("heartbeat ten second bucket", func(t *testing.T) {
		e := testEvent()
		e.Action = "heartbeat"
		assert.Equal(t, DeriveKeyV2(e, base), DeriveKeyV2(e, base.Add(9*time.Second)))
		assert.NotEqual(t, DeriveKeyV2(e, base), DeriveKeyV2(e, base.Add(10*time.Second)))
	})

	t.Run("pageview two second bucket", func(t *testing.T) {
		e := testEvent()
		e.Action = "pageview"
		assert.Equal(t, DeriveKeyV2(e, base), DeriveKeyV2(e, base.Add(1*time.Second)))
		assert.NotEqual(t, DeriveKeyV2(e, base), DeriveKeyV2(e, base.Add(2*time.Second)))
	})

	t.Run("heartbeat uses client timestamp within skew", func(t *testing.T) {
		e := testEvent()
		e.Action = "heartbeat"
		ts := base.Add(-3 * time.Minute)
		e.ClientTimestamp = &ts

		withClient := DeriveKeyV2(e, base)

		e2 := testEvent()
		e2.Action = "heartbeat"
		e2.ClientTimestamp = &ts
		sameClient := DeriveKeyV2(e2, base.Add(time.Minute))

		assert.Equal(t, withClient, sameClient,
			"same client timestamp should dedup across differing server times")
	})

	t.Run("heartbeat clamps client timestamp beyond skew", func(t *testing.T) {
		e := testEvent()
		e.Action = "heartbeat"
		ts := base.Add(-6 * time.Minute)
		e.ClientTimestamp = &ts

		clamped := DeriveKeyV2(e, base)

		e2 := testEvent()
		e2.Action = "heartbeat"
		serverOnly := DeriveKeyV2(e2, base)

		assert.Equal(t, serverOnly, clamped, "out-of-skew client time falls back to server time")
	})

	t.Run("kind separates otherwise equal events", func(t *testing.T) {
		a := testEvent()
		a.Action = "heartbeat"
		b := testEvent()
		b.Action = "ping"
		assert.Equal(t, DeriveKeyV2(a, base), DeriveKeyV2(b, base),
			"actions mapping to the same kind share a key space")
	})

	t.Run("unrecognized action buckets like click", func(t *testing.T) {
		e := testEvent()
		e.Action = "video_play"
		ts := base.Add(time.Minute)
		e.ClientTimestamp = &ts

		e2 := testEvent()
		e2.Action = "video_play"

		assert.Equal(t, DeriveKeyV2(e2, base), DeriveKeyV2(e, base),
			"custom kind ignores client timestamp")
	})
}

func TestKeyVersionOf(t *testing.T) {
	assert.Equal(t, 2, KeyVersionOf("v2:deadbeef"))
	assert.Equal(t, 1, KeyVersionOf("deadbeef"))
	assert.Equal(t, 1, KeyVersionOf(""))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips fragment", "https://example.com/p#section", "https://example.com/p"},
		{"strips trailing slash", "https://example.com/p/", "https://example.com/p"},
		{"trims whitespace", "  https://example.com/p  ", "https://example.com/p"},
		{"preserves query", "https://example.com/p?a=1&b=2", "https://example.com/p?a=1&b=2"},
		{"unparseable passes through trimmed", " ://bad ", "://bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeURL(tt.in))
		})
	}
}

func TestFingerprintSeparatorUnambiguous(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	require.NotEqual(t, fingerprint("ab", "c"), fingerprint("a", "bc"))
}
