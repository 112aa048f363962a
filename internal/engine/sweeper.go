package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel-guard/internal/config"
)

type SweepStore interface {
	DecayViolations(ctx context.Context, maxAge time.Duration) (int, error)
	CleanupMutes(ctx context.Context) (int64, error)
	CleanupIncidents(ctx context.Context, retentionDays int) (int64, error)
}

type Pruner interface {
	Prune(now time.Time) int
}

type Purger interface {
	Purge() int
}

type namedPruner struct {
	name   string
	pruner Pruner
}

type SweepResult struct {
	Pruned    map[string]int
	Decayed   int
	Mutes     int64
	Incidents int64
	Purged    int
}

// Sweeper prunes in-memory windows and decays persisted counters on a fixed period.
type Sweeper struct {
	cfg    config.SweeperConfig
	store  SweepStore
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	pruners     []namedPruner
	cache       Purger
	cacheEvery  time.Duration
	lastPurge   time.Time
	lastCleanup time.Time
}

func NewSweeper(cfg config.SweeperConfig, store SweepStore, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("sweeper"),
		now:    time.Now,
	}
}

func (s *Sweeper) WithNow(now func() time.Time) {
	s.now = now
}

func (s *Sweeper) AddPruner(name string, pruner Pruner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruners = append(s.pruners, namedPruner{name: name, pruner: pruner})
}

// PurgeCache drops every cached entry of cache once per interval.
func (s *Sweeper) PurgeCache(cache Purger, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache
	s.cacheEvery = every
	s.lastPurge = s.now()
}

func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := SweepResult{Pruned: make(map[string]int, len(s.pruners))}
	for _, p := range s.pruners {
		result.Pruned[p.name] = p.pruner.Prune(now)
	}

	if decay := config.Seconds(s.cfg.ViolationDecaySeconds); decay > 0 {
		decayed, err := s.store.DecayViolations(ctx, decay)
		if err != nil {
			s.logger.Warn("violation decay failed", zap.Error(err))
		}
		result.Decayed = decayed
	}

	if s.cache != nil && s.cacheEvery > 0 && now.Sub(s.lastPurge) >= s.cacheEvery {
		result.Purged = s.cache.Purge()
		s.lastPurge = now
	}

	if now.Sub(s.lastCleanup) >= time.Hour {
		s.lastCleanup = now
		mutes, err := s.store.CleanupMutes(ctx)
		if err != nil {
			s.logger.Warn("mute cleanup failed", zap.Error(err))
		}
		result.Mutes = mutes
		if s.cfg.IncidentRetentionDays > 0 {
			incidents, err := s.store.CleanupIncidents(ctx, s.cfg.IncidentRetentionDays)
			if err != nil {
				s.logger.Warn("incident cleanup failed", zap.Error(err))
			}
			result.Incidents = incidents
		}
	}

	s.logger.Debug("sweep finished",
		zap.Any("pruned", result.Pruned),
		zap.Int("decayed", result.Decayed),
		zap.Int("purged", result.Purged))
	return result
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := config.Seconds(s.cfg.IntervalSeconds)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
