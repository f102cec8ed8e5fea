package api

import (
	"testing"

	"fluentsync/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	t.Run("DisabledAlwaysAllows", func(t *testing.T) {
		l := newRateLimiter(config.APIRateLimitConfig{})
		for i := 0; i < 100; i++ {
			assert.True(t, l.allow("client"))
		}
	})

	t.Run("DefaultBurstPerKey", func(t *testing.T) {
		l := newRateLimiter(config.APIRateLimitConfig{RPS: 0.001})
		for i := 0; i < defaultBurst; i++ {
			assert.True(t, l.allow("a"))
		}
		assert.False(t, l.allow("a"))
		assert.True(t, l.allow("b"))
	})
}
