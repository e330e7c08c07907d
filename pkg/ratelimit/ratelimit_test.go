package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter

	allowed, err := l.Allow(context.Background(), "acme", 1_000_000)
	require.NoError(t, err)
	assert.True(t, allowed)
}
