package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/storage"
)

func value(n int) []byte {
	return []byte(strings.Repeat("x", n))
}

func TestThresholdLevels(t *testing.T) {
	th := storage.DefaultThresholds()
	tests := []struct {
		ratio float64
		level storage.Level
	}{
		{0.10, storage.LevelOK},
		{0.80, storage.LevelWarning},
		{0.91, storage.LevelCritical},
		{0.95, storage.LevelAggressive},
		{0.99, storage.LevelEmergency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, th.LevelFor(tt.ratio), "ratio %v", tt.ratio)
	}
}

func TestQuotaRejectsWithoutEvictable(t *testing.T) {
	ctx := context.Background()
	q := storage.NewQuotaManager(storage.NewMemoryBackend(), map[storage.Area]int64{storage.AreaSync: 100}, storage.DefaultThresholds())

	require.NoError(t, q.Set(ctx, storage.AreaSync, map[string][]byte{"a": value(49)}))
	err := q.Set(ctx, storage.AreaSync, map[string][]byte{"b": value(60)})
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	// overwriting an existing key only counts the difference
	require.NoError(t, q.Set(ctx, storage.AreaSync, map[string][]byte{"a": value(90)}))

	usage, err := q.Usage(ctx, storage.AreaSync)
	require.NoError(t, err)
	assert.Equal(t, int64(91), usage.Bytes)
	assert.Equal(t, storage.LevelCritical, usage.Level)
}

func TestQuotaTieredCleanup(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	q := storage.NewQuotaManager(backend, map[storage.Area]int64{storage.AreaLocal: 100}, storage.DefaultThresholds())
	q.RegisterEvictable(storage.LevelWarning, storage.AreaLocal, "cache:")
	q.RegisterEvictable(storage.LevelEmergency, storage.AreaLocal, "history:")

	require.NoError(t, backend.Set(ctx, storage.AreaLocal, map[string][]byte{
		"cache:1":   value(13),
		"history:1": value(21),
		"keep":      value(26),
	}))

	// 80 used; writing 30 more fits after dropping the cache tier alone
	require.NoError(t, q.Set(ctx, storage.AreaLocal, map[string][]byte{"new": value(27)}))
	keys, err := backend.Keys(ctx, storage.AreaLocal)
	require.NoError(t, err)
	assert.Equal(t, []string{"history:1", "keep", "new"}, keys)

	// 90 used; another 50 still fails after the emergency tier
	err = q.Set(ctx, storage.AreaLocal, map[string][]byte{"big": value(47)})
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	keys, err = backend.Keys(ctx, storage.AreaLocal)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep", "new"}, keys, "cleanup ran before rejecting")
}

func TestQuotaCleanupOnWarning(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	q := storage.NewQuotaManager(backend, map[storage.Area]int64{storage.AreaLocal: 100}, storage.DefaultThresholds())
	q.RegisterEvictable(storage.LevelWarning, storage.AreaLocal, "cache:")
	q.RegisterEvictable(storage.LevelCritical, storage.AreaLocal, "old:")

	require.NoError(t, q.Set(ctx, storage.AreaLocal, map[string][]byte{"cache:1": value(3)}))
	require.NoError(t, q.Set(ctx, storage.AreaLocal, map[string][]byte{"old:1": value(5)}))

	// crossing 80% evicts the warning tier but leaves the critical tier
	require.NoError(t, q.Set(ctx, storage.AreaLocal, map[string][]byte{"data": value(61)}))
	keys, err := backend.Keys(ctx, storage.AreaLocal)
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "old:1"}, keys)

	freed, err := q.Cleanup(ctx, storage.AreaLocal, storage.LevelCritical)
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)
}
