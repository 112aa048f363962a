package invites

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
)

type fakeLookup struct {
	calls  atomic.Int32
	guilds map[string]string
	err    error
	block  chan struct{}
}

func (f *fakeLookup) LookupInvite(ctx context.Context, code string) (string, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	guild, ok := f.guilds[code]
	if !ok {
		return "", domain.ErrInviteNotFound
	}
	return guild, nil
}

func testConfig() config.InviteConfig {
	cfg := config.DefaultConfig().Invites
	cfg.BreakerFailures = 3
	return cfg
}

func TestResolveCachesHitsAndMisses(t *testing.T) {
	lookup := &fakeLookup{guilds: map[string]string{"abc": "g1"}}
	resolver := New(testConfig(), lookup, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		guild, err := resolver.Resolve(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "g1", guild)

		_, err = resolver.Resolve(ctx, "gone")
		assert.ErrorIs(t, err, domain.ErrInviteNotFound)
	}
	assert.Equal(t, int32(2), lookup.calls.Load())
	assert.Equal(t, 2, resolver.CacheLen())
}

func TestResolveCollapsesConcurrentLookups(t *testing.T) {
	lookup := &fakeLookup{guilds: map[string]string{"abc": "g1"}, block: make(chan struct{})}
	resolver := New(testConfig(), lookup, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guild, err := resolver.Resolve(ctx, "abc")
			assert.NoError(t, err)
			assert.Equal(t, "g1", guild)
		}()
	}
	require.Eventually(t, func() bool { return lookup.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(lookup.block)
	wg.Wait()
	assert.Equal(t, int32(1), lookup.calls.Load())
}

func TestResolveTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutMilli = 20
	lookup := &fakeLookup{block: make(chan struct{})}
	resolver := New(cfg, lookup, zap.NewNop())

	_, err := resolver.Resolve(context.Background(), "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrInviteNotFound)
	assert.Zero(t, resolver.CacheLen())
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("502 bad gateway")}
	resolver := New(testConfig(), lookup, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := resolver.Resolve(ctx, "code")
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrInviteUnavailable)
	}
	_, err := resolver.Resolve(ctx, "code")
	assert.ErrorIs(t, err, domain.ErrInviteUnavailable)
	assert.Equal(t, int32(3), lookup.calls.Load())
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	lookup := &fakeLookup{guilds: map[string]string{}}
	resolver := New(testConfig(), lookup, zap.NewNop())
	ctx := context.Background()

	for _, code := range []string{"a", "b", "c", "d", "e"} {
		_, err := resolver.Resolve(ctx, code)
		assert.ErrorIs(t, err, domain.ErrInviteNotFound)
	}
	assert.Equal(t, int32(5), lookup.calls.Load())
}
