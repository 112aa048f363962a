package reputation

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
)

type Tier string

const (
	TierNew     Tier = "new"
	TierRegular Tier = "regular"
	TierTrusted Tier = "trusted"
	TierVeteran Tier = "veteran"
)

type AggregateSource interface {
	GetUserAggregates(ctx context.Context, guildID, userID string) (domain.UserAggregates, error)
}

type Tracker struct {
	mu     sync.Mutex
	cfg    config.ReputationConfig
	source AggregateSource
	logger *zap.Logger
	cache  *expirable.LRU[string, float64]
}

func New(cfg config.ReputationConfig, source AggregateSource, logger *zap.Logger) *Tracker {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	return &Tracker{
		cfg:    cfg,
		source: source,
		logger: logger.Named("reputation"),
		cache:  expirable.NewLRU[string, float64](size, nil, config.Seconds(cfg.CacheSeconds)),
	}
}

func Compute(cfg config.ReputationConfig, agg domain.UserAggregates) float64 {
	score := math.Min(agg.TenureDays*cfg.TenurePerDay, cfg.TenureCap)
	score -= float64(agg.ViolationCount) * cfg.LossWarning
	score -= float64(agg.WarningCount) * cfg.LossWarning
	return clamp(cfg, score)
}

func clamp(cfg config.ReputationConfig, score float64) float64 {
	return math.Max(0, math.Min(score, 2*cfg.VeteranThreshold))
}

func (t *Tracker) Score(ctx context.Context, guildID, userID string) float64 {
	score, _ := t.score(ctx, guildID, userID)
	return score
}

// score reports false when the aggregates could not be read and nothing was cached.
func (t *Tracker) score(ctx context.Context, guildID, userID string) (float64, bool) {
	key := guildID + ":" + userID
	if score, ok := t.cache.Get(key); ok {
		return score, true
	}

	lookupCtx := ctx
	if t.cfg.LookupTimeoutMilli > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, time.Duration(t.cfg.LookupTimeoutMilli)*time.Millisecond)
		defer cancel()
	}
	agg, err := t.source.GetUserAggregates(lookupCtx, guildID, userID)
	if err != nil {
		t.logger.Warn("aggregate lookup failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return 0, false
	}
	score := Compute(t.cfg, agg)

	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.cache.Peek(key); ok {
		return cached, true
	}
	t.cache.Add(key, score)
	return score, true
}

func (t *Tracker) TierOf(score float64) Tier {
	switch {
	case score >= t.cfg.VeteranThreshold:
		return TierVeteran
	case score >= t.cfg.TrustedThreshold:
		return TierTrusted
	case score >= t.cfg.RegularThreshold:
		return TierRegular
	default:
		return TierNew
	}
}

func (t *Tracker) Multiplier(ctx context.Context, guildID, userID string) float64 {
	switch t.TierOf(t.Score(ctx, guildID, userID)) {
	case TierVeteran:
		return t.cfg.VeteranMultiplier
	case TierTrusted:
		return t.cfg.TrustedMultiplier
	case TierRegular:
		return t.cfg.RegularMultiplier
	default:
		return t.cfg.NewMultiplier
	}
}

func (t *Tracker) Update(ctx context.Context, guildID, userID string, delta float64) float64 {
	base, known := t.score(ctx, guildID, userID)
	key := guildID + ":" + userID

	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.cache.Peek(key)
	if !ok {
		if !known {
			// Nothing to apply the delta to until a lookup succeeds.
			return base
		}
		current = base
	}
	next := clamp(t.cfg, current+delta)
	t.cache.Add(key, next)
	return next
}

func (t *Tracker) RewardMessage(ctx context.Context, guildID, userID string) float64 {
	return t.Update(ctx, guildID, userID, t.cfg.GainPerMessage)
}

func (t *Tracker) PenalizeWarning(ctx context.Context, guildID, userID string) float64 {
	return t.Update(ctx, guildID, userID, -t.cfg.LossWarning)
}

func (t *Tracker) PenalizeMute(ctx context.Context, guildID, userID string) float64 {
	return t.Update(ctx, guildID, userID, -t.cfg.LossMute)
}

func (t *Tracker) Purge() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.cache.Len()
	t.cache.Purge()
	return n
}

func (t *Tracker) Len() int {
	return t.cache.Len()
}
