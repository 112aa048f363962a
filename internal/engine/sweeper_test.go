package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
)

type countingPruner struct {
	calls []time.Time
	n     int
}

func (p *countingPruner) Prune(now time.Time) int {
	p.calls = append(p.calls, now)
	return p.n
}

type countingCache struct{ purges int }

func (c *countingCache) Purge() int {
	c.purges++
	return 3
}

type failingSweepStore struct{ calls int }

func (f *failingSweepStore) DecayViolations(ctx context.Context, maxAge time.Duration) (int, error) {
	f.calls++
	return 0, errors.New("database is locked")
}

func (f *failingSweepStore) CleanupMutes(ctx context.Context) (int64, error) {
	f.calls++
	return 0, errors.New("database is locked")
}

func (f *failingSweepStore) CleanupIncidents(ctx context.Context, retentionDays int) (int64, error) {
	f.calls++
	return 0, errors.New("database is locked")
}

func TestSweepOnceRunsPrunersAndCleanup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.WithNow(func() time.Time { return now })

	_, err := store.IncrementViolation(ctx, "g1", "u1", domain.KindMessageFlood)
	require.NoError(t, err)
	require.NoError(t, store.SaveMute(ctx, "g1", "u1", now.Add(-time.Minute), "flood"))
	require.NoError(t, store.AddIncident(ctx, domain.Incident{GuildID: "g1", Kind: "scam", Action: "warning", CreatedAt: now.AddDate(0, 0, -120)}))
	require.NoError(t, store.AddIncident(ctx, domain.Incident{GuildID: "g1", Kind: "scam", Action: "warning", CreatedAt: now}))

	sweeper := NewSweeper(config.DefaultConfig().Sweeper, store, zap.NewNop())
	clock := now.Add(10 * time.Minute)
	sweeper.WithNow(func() time.Time { return clock })
	store.WithNow(func() time.Time { return clock })

	spam := &countingPruner{n: 2}
	sweeper.AddPruner("spam", spam)
	sweeper.AddPruner("raid", &countingPruner{})

	result := sweeper.SweepOnce(ctx)
	assert.Equal(t, map[string]int{"spam": 2, "raid": 0}, result.Pruned)
	assert.Equal(t, 1, result.Decayed)
	assert.Equal(t, int64(1), result.Mutes)
	assert.Equal(t, int64(1), result.Incidents)
	require.Len(t, spam.calls, 1)
	assert.Equal(t, clock, spam.calls[0])

	count, err := store.GetViolationCount(ctx, "g1", "u1", domain.KindMessageFlood)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepOnceSchedulesHourlyWork(t *testing.T) {
	store := &failingSweepStore{}
	clock := time.Unix(1_700_000_000, 0)
	sweeper := NewSweeper(config.DefaultConfig().Sweeper, store, zap.NewNop())
	sweeper.WithNow(func() time.Time { return clock })

	cache := &countingCache{}
	sweeper.PurgeCache(cache, 30*time.Minute)

	result := sweeper.SweepOnce(context.Background())
	assert.Zero(t, result.Purged)
	assert.Equal(t, 3, store.calls, "failures are logged and the sweep carries on")

	clock = clock.Add(30 * time.Minute)
	result = sweeper.SweepOnce(context.Background())
	assert.Equal(t, 3, result.Purged)
	assert.Equal(t, 4, store.calls, "cleanup waits for the hour")

	clock = clock.Add(30 * time.Minute)
	sweeper.SweepOnce(context.Background())
	assert.Equal(t, 7, store.calls)
	assert.Equal(t, 2, cache.purges)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	sweeper := NewSweeper(config.SweeperConfig{IntervalSeconds: 1}, &failingSweepStore{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
