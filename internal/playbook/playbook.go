package playbook

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/modules/antiraid"
	"sentinel-guard/internal/modules/lockdown"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

type task struct {
	id    uint64
	timer Timer
	due   time.Time
}

// Scheduler runs at most one pending task per key.
type Scheduler struct {
	mu    sync.Mutex
	clock Clock
	seq   uint64
	tasks map[string]task
}

func NewScheduler() *Scheduler {
	return &Scheduler{clock: realClock{}, tasks: make(map[string]task)}
}

func (s *Scheduler) WithClock(clock Clock) {
	s.clock = clock
}

// Schedule replaces any task already pending under key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[key]; ok {
		existing.timer.Stop()
	}
	s.seq++
	id := s.seq
	timer := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.tasks[key]
		if !ok || current.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.mu.Unlock()
		fn()
	})
	s.tasks[key] = task{id: id, timer: timer, due: s.clock.Now().Add(d)}
}

func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[key]
	if !ok {
		return false
	}
	existing.timer.Stop()
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[key]
	return existing.due, ok
}

// Stop cancels every pending task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, existing := range s.tasks {
		existing.timer.Stop()
		delete(s.tasks, key)
	}
}

type Locker interface {
	Lock(ctx context.Context, req lockdown.Request) (domain.OperationResult, error)
}

type Alerter interface {
	Alert(ctx context.Context, alert domain.Alert) int
}

type GuildPolicy struct {
	AutoLockdown bool
	ModRoleID    string
}

type Response struct {
	Alerted bool
	Locked  bool
	Result  domain.OperationResult
}

// RaidResponder turns raid detections into an alert and, when enabled, a timed lockdown.
type RaidResponder struct {
	mu       sync.Mutex
	cfg      config.RaidConfig
	locker   Locker
	alerter  Alerter
	logger   *zap.Logger
	clock    Clock
	lastFire map[string]time.Time
}

func NewRaidResponder(cfg config.RaidConfig, locker Locker, alerter Alerter, logger *zap.Logger) *RaidResponder {
	return &RaidResponder{
		cfg:      cfg,
		locker:   locker,
		alerter:  alerter,
		logger:   logger.Named("playbook"),
		clock:    realClock{},
		lastFire: make(map[string]time.Time),
	}
}

func (r *RaidResponder) WithClock(clock Clock) {
	r.clock = clock
}

func (r *RaidResponder) onCooldown(guildID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastFire[guildID]; ok && now.Sub(last) < config.Seconds(r.cfg.CooldownSeconds) {
		return true
	}
	r.lastFire[guildID] = now
	return false
}

// Respond is a no-op while the guild is inside its cooldown.
func (r *RaidResponder) Respond(ctx context.Context, guildID string, detection antiraid.Detection, policy GuildPolicy) (Response, bool) {
	now := r.clock.Now()
	if r.onCooldown(guildID, now) {
		r.logger.Debug("raid response on cooldown", zap.String("guild_id", guildID), zap.String("kind", string(detection.Kind)))
		return Response{}, false
	}

	var response Response
	r.alerter.Alert(ctx, domain.Alert{
		GuildID:      guildID,
		Kind:         "raid_" + string(detection.Kind),
		Description:  detection.Kind.Description() + ": " + detection.Evidence,
		MentionOwner: true,
	})
	response.Alerted = true

	if !policy.AutoLockdown {
		return response, true
	}
	result, err := r.locker.Lock(ctx, lockdown.Request{
		GuildID:    guildID,
		ModRoleID:  policy.ModRoleID,
		By:         "auto",
		Reason:     "raid detected: " + string(detection.Kind),
		AutoUnlock: config.Seconds(r.cfg.AutoUnlockSeconds),
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyLocked):
		r.logger.Info("guild already locked", zap.String("guild_id", guildID))
	case err != nil:
		r.logger.Error("auto-lockdown failed", zap.String("guild_id", guildID), zap.Error(err))
	default:
		response.Locked = true
		response.Result = result
	}
	return response, true
}

// Prune drops cooldown entries that have expired.
func (r *RaidResponder) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for guildID, last := range r.lastFire {
		if now.Sub(last) >= config.Seconds(r.cfg.CooldownSeconds) {
			delete(r.lastFire, guildID)
			removed++
		}
	}
	return removed
}
