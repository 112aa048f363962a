package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel-guard/internal/domain"
)

type IncidentStore interface {
	AddIncident(ctx context.Context, incident domain.Incident) error
}

// Alerter delivers an alert to one destination (alert channel, owner DM).
type Alerter interface {
	SendAlert(ctx context.Context, alert domain.Alert) error
}

type Logger struct {
	store    IncidentStore
	logger   *zap.Logger
	alerters []Alerter
	notify   func(context.Context, domain.Incident)
	now      func() time.Time
}

func NewLogger(store IncidentStore, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger.Named("audit"), now: time.Now}
}

func (l *Logger) SetNotifier(notify func(context.Context, domain.Incident)) {
	l.notify = notify
}

func (l *Logger) AddAlerter(alerter Alerter) {
	l.alerters = append(l.alerters, alerter)
}

func (l *Logger) WithNow(now func() time.Time) {
	l.now = now
}

// LogIncident persists the incident and hands it to the notifier. Storage failures are logged, not returned.
func (l *Logger) LogIncident(ctx context.Context, incident domain.Incident) domain.Incident {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = l.now()
	}
	if l.store != nil {
		if err := l.store.AddIncident(ctx, incident); err != nil {
			l.logger.Warn("incident not persisted", zap.String("guild_id", incident.GuildID), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, incident)
	}
	l.logger.Info("incident",
		zap.String("id", incident.ID),
		zap.String("guild_id", incident.GuildID),
		zap.String("user_id", incident.UserID),
		zap.String("moderator_id", incident.ModeratorID),
		zap.String("kind", incident.Kind),
		zap.String("action", incident.Action),
		zap.Duration("duration", incident.Duration),
		zap.Int("violation_count", incident.ViolationCount))
	return incident
}

// Alert fans out to every alerter and reports how many deliveries succeeded.
func (l *Logger) Alert(ctx context.Context, alert domain.Alert) int {
	delivered := 0
	for _, alerter := range l.alerters {
		if err := alerter.SendAlert(ctx, alert); err != nil {
			l.logger.Warn("alert delivery failed",
				zap.String("guild_id", alert.GuildID),
				zap.String("kind", alert.Kind),
				zap.Error(err))
			continue
		}
		delivered++
	}
	l.logger.Warn("alert", zap.String("guild_id", alert.GuildID), zap.String("kind", alert.Kind), zap.String("description", alert.Description))
	return delivered
}
