package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTokenBucket(t *testing.T) {
	req := require.New(t)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(RateLimitConfig{Burst: 3, RefillInterval: time.Second})
	b.now = func() time.Time { return clock }
	b.last = clock

	req.True(b.allow())
	req.True(b.allow())
	req.True(b.allow())
	req.False(b.allow(), "burst exhausted")

	clock = clock.Add(400 * time.Millisecond)
	req.True(b.allow(), "one token refilled")
	req.False(b.allow())

	clock = clock.Add(time.Hour)
	for i := 0; i < 3; i++ {
		req.True(b.allow())
	}
	req.False(b.allow(), "refill is capped at the burst size")
}

func TestTokenBucketDefaults(t *testing.T) {
	b := newTokenBucket(RateLimitConfig{})
	require.Equal(t, 1.0, b.capacity)
	require.Equal(t, 1.0, b.perSec)
}

func TestOriginPolicy(t *testing.T) {
	log := zaptest.NewLogger(t)
	policy := newOriginPolicy([]string{"http://Example.com", "not-a-url", " "}, log)

	cases := map[string]bool{
		"":                      true,
		"http://example.com":    true,
		"HTTP://EXAMPLE.COM":    true,
		"http://example.com:81": false,
		"https://example.com":   false,
		"http://evil.com":       false,
		"javascript:alert(1)":   false,
	}
	for origin, allowed := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		require.Equalf(t, allowed, policy.Check(r), "origin %q", origin)
	}

	wildcard := newOriginPolicy([]string{"*"}, log)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	require.True(t, wildcard.Allowed(r))
}
