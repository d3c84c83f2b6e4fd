package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidArgs(t *testing.T) {
	t.Parallel()

	assert.Nil(t, New(0, 1, 0))
	assert.Nil(t, New(1, 0, 0))
	assert.NotNil(t, New(1, 1, 0))
}

func TestNilLimiterNeverWaits(t *testing.T) {
	t.Parallel()

	var l *HostLimiter
	require.NoError(t, l.Wait(context.Background(), "bank.example"))
}

func TestWaitBurstThenBlocks(t *testing.T) {
	t.Parallel()

	l := New(0.001, 2, time.Minute)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "bank.example"))
	require.NoError(t, l.Wait(ctx, "BANK.example"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short, "bank.example"))

	require.NoError(t, l.Wait(ctx, "other.example"))
	assert.Equal(t, 2, l.size())
}

func TestIdleHostsAreEvicted(t *testing.T) {
	t.Parallel()

	l := New(1000, 10, time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	require.NoError(t, l.Wait(context.Background(), "old.example"))
	now = base.Add(2 * time.Minute)
	for i := 0; i < 255; i++ {
		require.NoError(t, l.Wait(context.Background(), "new.example"))
	}

	assert.Equal(t, 1, l.size())
}
