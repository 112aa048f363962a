package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
)

type Mitigator interface {
	Warn(ctx context.Context, guildID, userID, reason string) error
	Mute(ctx context.Context, guildID, userID string, d time.Duration, reason string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
}

type ViolationStore interface {
	IncrementViolation(ctx context.Context, guildID, userID string, kind domain.ViolationKind) (int, error)
	AddWarning(ctx context.Context, guildID, userID, moderatorID, reason string) error
	SaveMute(ctx context.Context, guildID, userID string, expiresAt time.Time, reason string) error
}

type Penalizer interface {
	PenalizeWarning(ctx context.Context, guildID, userID string) float64
	PenalizeMute(ctx context.Context, guildID, userID string) float64
}

type IncidentLogger interface {
	LogIncident(ctx context.Context, incident domain.Incident) domain.Incident
}

type Punishment struct {
	Action   string
	Duration time.Duration
	Count    int
}

// Escalator maps a user's violation count to a warning or a mute.
type Escalator struct {
	cfg        config.EscalationConfig
	auditOnly  bool
	store      ViolationStore
	mitigator  Mitigator
	reputation Penalizer
	incidents  IncidentLogger
	logger     *zap.Logger
	now        func() time.Time
}

func NewEscalator(cfg config.EscalationConfig, auditOnly bool, store ViolationStore, mitigator Mitigator, reputation Penalizer, incidents IncidentLogger, logger *zap.Logger) *Escalator {
	return &Escalator{
		cfg:        cfg,
		auditOnly:  auditOnly,
		store:      store,
		mitigator:  mitigator,
		reputation: reputation,
		incidents:  incidents,
		logger:     logger.Named("escalator"),
		now:        time.Now,
	}
}

func (e *Escalator) WithNow(now func() time.Time) {
	e.now = now
}

// Decide returns the punishment for the count-th violation of a kind.
func (e *Escalator) Decide(kind domain.ViolationKind, count int) Punishment {
	if count < 1 {
		count = 1
	}
	if kind == domain.KindStickerSpam {
		if count == 1 {
			return Punishment{Action: domain.OutcomeWarning, Count: count}
		}
		return Punishment{Action: domain.OutcomeMute, Duration: config.Seconds(e.cfg.StickerMuteSeconds), Count: count}
	}
	ladder := e.cfg.MuteLadderSeconds
	if len(ladder) == 0 {
		return Punishment{Action: domain.OutcomeWarning, Count: count}
	}
	seconds := ladder[min(count, len(ladder))-1]
	if seconds <= 0 {
		return Punishment{Action: domain.OutcomeWarning, Count: count}
	}
	return Punishment{Action: domain.OutcomeMute, Duration: config.Seconds(seconds), Count: count}
}

// Punish records the violation, applies the punishment and logs an incident.
// Mitigation failures are returned after the incident is logged.
func (e *Escalator) Punish(ctx context.Context, evt domain.MessageEvent, violation domain.Violation) (Punishment, error) {
	count, err := e.store.IncrementViolation(ctx, evt.GuildID, evt.AuthorID, violation.Kind)
	if err != nil {
		e.logger.Warn("violation count unavailable", zap.String("guild_id", evt.GuildID), zap.String("user_id", evt.AuthorID), zap.Error(err))
		count = 1
	}
	punishment := e.Decide(violation.Kind, count)
	reason := fmt.Sprintf("%s (violation #%d)", violation.Kind.DisplayName(), count)

	incident := domain.Incident{
		GuildID:        evt.GuildID,
		UserID:         evt.AuthorID,
		Kind:           string(violation.Kind),
		Action:         punishment.Action,
		Evidence:       violation.Evidence,
		Duration:       punishment.Duration,
		ViolationCount: count,
	}
	if e.auditOnly {
		incident.Action = "audit_" + punishment.Action
		e.incidents.LogIncident(ctx, incident)
		return punishment, nil
	}

	var errs []error
	if evt.ID != "" {
		if err := e.mitigator.DeleteMessage(ctx, evt.ChannelID, evt.ID); err != nil && !errors.Is(err, domain.ErrTargetGone) {
			errs = append(errs, fmt.Errorf("delete message: %w", err))
		}
	}
	switch punishment.Action {
	case domain.OutcomeMute:
		if err := e.mitigator.Mute(ctx, evt.GuildID, evt.AuthorID, punishment.Duration, reason); err != nil {
			errs = append(errs, fmt.Errorf("mute: %w", err))
			break
		}
		if err := e.store.SaveMute(ctx, evt.GuildID, evt.AuthorID, e.now().Add(punishment.Duration), reason); err != nil {
			e.logger.Warn("mute not persisted", zap.String("guild_id", evt.GuildID), zap.Error(err))
		}
		e.reputation.PenalizeMute(ctx, evt.GuildID, evt.AuthorID)
	default:
		if err := e.store.AddWarning(ctx, evt.GuildID, evt.AuthorID, "", reason); err != nil {
			e.logger.Warn("warning not persisted", zap.String("guild_id", evt.GuildID), zap.Error(err))
		}
		e.reputation.PenalizeWarning(ctx, evt.GuildID, evt.AuthorID)
		if err := e.mitigator.Warn(ctx, evt.GuildID, evt.AuthorID, reason); err != nil {
			errs = append(errs, fmt.Errorf("warn: %w", err))
		}
	}

	e.incidents.LogIncident(ctx, incident)
	return punishment, errors.Join(errs...)
}
