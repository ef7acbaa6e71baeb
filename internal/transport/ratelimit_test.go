package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	require.True(t, rl.Allow("1.2.3.4"))
	require.True(t, rl.Allow("1.2.3.4"))
	require.False(t, rl.Allow("1.2.3.4"), "burst exhausted")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"), "distinct key has its own bucket")
}

func TestRateLimiter_ForgetResetsBucket(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	rl.Forget("a")
	require.True(t, rl.Allow("a"), "forgotten key starts with a fresh bucket")
}
