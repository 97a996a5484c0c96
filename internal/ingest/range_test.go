package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTodayJST_CrossesMidnight(t *testing.T) {
	// 16:30 UTC is 01:30 JST the next day.
	now := time.Date(2025, 8, 31, 16, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-09-01", TodayJST(now))

	// 14:59 UTC is still 23:59 JST the same day.
	now = time.Date(2025, 8, 31, 14, 59, 0, 0, time.UTC)
	assert.Equal(t, "2025-08-31", TodayJST(now))
}

func TestDefaultCronRange(t *testing.T) {
	now := time.Date(2025, 9, 1, 3, 0, 0, 0, time.UTC) // 12:00 JST
	rng := DefaultCronRange(now)
	assert.Equal(t, "2025-08-11", rng.From)
	assert.Equal(t, "2025-09-01", rng.Until)
	require.NoError(t, rng.Validate())
}

func TestResolveRange(t *testing.T) {
	now := time.Date(2025, 9, 1, 3, 0, 0, 0, time.UTC)

	t.Run("explicit bounds", func(t *testing.T) {
		rng, err := ResolveRange("2025-08-01", "2025-08-15", now)
		require.NoError(t, err)
		assert.Equal(t, "2025-08-01", rng.From)
		assert.Equal(t, "2025-08-15", rng.Until)
	})

	t.Run("missing until defaults to from", func(t *testing.T) {
		rng, err := ResolveRange("2025-08-01", "", now)
		require.NoError(t, err)
		assert.Equal(t, "2025-08-01", rng.Until)
	})

	t.Run("missing both defaults to today", func(t *testing.T) {
		rng, err := ResolveRange("", "", now)
		require.NoError(t, err)
		assert.Equal(t, "2025-09-01", rng.From)
		assert.Equal(t, "2025-09-01", rng.Until)
	})

	t.Run("inverted bounds rejected", func(t *testing.T) {
		_, err := ResolveRange("2025-08-15", "2025-08-01", now)
		require.Error(t, err)
	})

	t.Run("malformed date rejected", func(t *testing.T) {
		_, err := ResolveRange("08/01/2025", "", now)
		require.Error(t, err)
	})
}
