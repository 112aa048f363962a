package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/modules/antinuke"
	"sentinel-guard/internal/modules/antiraid"
	"sentinel-guard/internal/modules/antispam"
	"sentinel-guard/internal/modules/lockdown"
	"sentinel-guard/internal/modules/quarantine"
	"sentinel-guard/internal/playbook"
	"sentinel-guard/internal/storage"
)

type Store interface {
	ViolationStore
	RecordJoin(ctx context.Context, guildID, userID string, joinedAt time.Time) error
	GetGuildSettings(ctx context.Context, guildID string, defaults storage.GuildSettings) (storage.GuildSettings, error)
}

type Alerter interface {
	Alert(ctx context.Context, alert domain.Alert) int
}

type Slowmode interface {
	ChannelSlowmode(ctx context.Context, channelID string) (int, error)
	SetSlowmode(ctx context.Context, channelID string, seconds int) error
}

type Metrics interface {
	RecordDetection(kind string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDetection(string) {}

type Components struct {
	Spam       *antispam.Detector
	Raid       *antiraid.Detector
	Nuke       *antinuke.Detector
	Quarantine *quarantine.Coordinator
	Lockdown   *lockdown.Coordinator
	Responder  *playbook.RaidResponder
	Scheduler  *playbook.Scheduler
	Escalator  *Escalator
	Incidents  IncidentLogger
	Alerter    Alerter
	Store      Store
	Mitigator  Mitigator
	Slowmode   Slowmode
	Metrics    Metrics
}

// Engine routes platform events to the detectors and their responses.
type Engine struct {
	c      Components
	cfg    config.Config
	logger *zap.Logger

	exemptUsers      map[string]struct{}
	exemptChannels   map[string]struct{}
	exemptCategories map[string]struct{}
	exemptRoles      map[string]struct{}

	joinsSeen *expirable.LRU[string, struct{}]
}

func New(cfg config.Config, components Components, logger *zap.Logger) *Engine {
	if components.Metrics == nil {
		components.Metrics = nopMetrics{}
	}
	return &Engine{
		c:                components,
		cfg:              cfg,
		logger:           logger.Named("engine"),
		exemptUsers:      toSet(cfg.Exemptions.UserIDs),
		exemptChannels:   toSet(cfg.Exemptions.ChannelIDs),
		exemptCategories: toSet(cfg.Exemptions.CategoryIDs),
		exemptRoles:      toSet(cfg.Exemptions.RoleIDs),
		joinsSeen:        expirable.NewLRU[string, struct{}](50000, nil, 24*time.Hour),
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[value] = struct{}{}
	}
	return out
}

func (e *Engine) IsExempt(evt domain.MessageEvent) bool {
	if evt.AuthorBot || evt.AuthorIsAdmin {
		return true
	}
	if _, ok := e.exemptUsers[evt.AuthorID]; ok {
		return true
	}
	if _, ok := e.exemptChannels[evt.ChannelID]; ok {
		return true
	}
	if _, ok := e.exemptCategories[evt.CategoryID]; ok && evt.CategoryID != "" {
		return true
	}
	for _, roleID := range evt.AuthorRoles {
		if _, ok := e.exemptRoles[roleID]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) settings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:        guildID,
		AlertChannelID: e.cfg.DefaultAlertChannel,
		ModRoleID:      e.cfg.DefaultModRole,
		AutoLockdown:   e.cfg.Raid.AutoLockdown,
	}
	settings, err := e.c.Store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		e.logger.Warn("guild settings unavailable", zap.String("guild_id", guildID), zap.Error(err))
		return defaults
	}
	return settings
}

func (e *Engine) auditOnly() bool {
	return e.cfg.Mode == "audit"
}

// HandleMessage returns the violation the message triggered, if any.
func (e *Engine) HandleMessage(ctx context.Context, evt domain.MessageEvent) (domain.Violation, bool) {
	if evt.GuildID == "" {
		return domain.Violation{}, false
	}
	if evt.IsWebhook() {
		return e.handleWebhook(ctx, evt)
	}
	if e.IsExempt(evt) {
		return domain.Violation{}, false
	}
	if signal, ok := e.c.Spam.ObserveChannel(evt); ok {
		e.applySlowmode(ctx, evt.GuildID, signal)
	}
	e.rememberMember(ctx, evt)

	violation, found := e.c.Spam.Check(ctx, evt)
	if !found {
		return domain.Violation{}, false
	}
	e.c.Metrics.RecordDetection(string(violation.Kind))
	punishment, err := e.c.Escalator.Punish(ctx, evt, violation)
	if err != nil {
		e.logger.Warn("punishment incomplete",
			zap.String("guild_id", evt.GuildID),
			zap.String("user_id", evt.AuthorID),
			zap.String("kind", string(violation.Kind)),
			zap.Error(err))
	}
	e.logger.Info("spam handled",
		zap.String("guild_id", evt.GuildID),
		zap.String("user_id", evt.AuthorID),
		zap.String("kind", string(violation.Kind)),
		zap.String("action", punishment.Action),
		zap.Int("count", punishment.Count))
	return violation, true
}

func (e *Engine) handleWebhook(ctx context.Context, evt domain.MessageEvent) (domain.Violation, bool) {
	violation, found := e.c.Spam.CheckWebhook(evt)
	if !found {
		return domain.Violation{}, false
	}
	e.c.Metrics.RecordDetection(string(violation.Kind))
	if !e.auditOnly() && evt.ID != "" {
		if err := e.c.Mitigator.DeleteMessage(ctx, evt.ChannelID, evt.ID); err != nil && !errors.Is(err, domain.ErrTargetGone) {
			e.logger.Warn("webhook message not deleted", zap.String("channel_id", evt.ChannelID), zap.Error(err))
		}
	}
	e.c.Incidents.LogIncident(ctx, domain.Incident{
		GuildID:  evt.GuildID,
		UserID:   evt.WebhookID,
		Kind:     string(violation.Kind),
		Action:   domain.OutcomeDelete,
		Evidence: violation.Evidence,
	})
	return violation, true
}

// rememberMember persists the join date of members who joined before the bot saw them.
func (e *Engine) rememberMember(ctx context.Context, evt domain.MessageEvent) {
	if evt.JoinedAt.IsZero() {
		return
	}
	key := evt.GuildID + ":" + evt.AuthorID
	if _, ok := e.joinsSeen.Get(key); ok {
		return
	}
	if err := e.c.Store.RecordJoin(ctx, evt.GuildID, evt.AuthorID, evt.JoinedAt); err != nil {
		e.logger.Debug("join not recorded", zap.String("guild_id", evt.GuildID), zap.Error(err))
		return
	}
	e.joinsSeen.Add(key, struct{}{})
}

func (e *Engine) applySlowmode(ctx context.Context, guildID string, signal antispam.SlowmodeSignal) {
	if e.c.Slowmode == nil || e.auditOnly() {
		return
	}
	seconds := int(signal.Delay / time.Second)
	channelID := signal.ChannelID
	previous, err := e.c.Slowmode.ChannelSlowmode(ctx, channelID)
	if err != nil || previous >= seconds {
		return
	}
	if err := e.c.Slowmode.SetSlowmode(ctx, channelID, seconds); err != nil {
		e.logger.Warn("slowmode not applied", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	e.logger.Info("slowmode applied",
		zap.String("guild_id", guildID),
		zap.String("channel_id", channelID),
		zap.Int("rate", signal.Rate),
		zap.Duration("duration", signal.Duration))
	e.c.Scheduler.Schedule("slowmode:"+channelID, signal.Duration, func() {
		if err := e.c.Slowmode.SetSlowmode(context.Background(), channelID, previous); err != nil {
			e.logger.Warn("slowmode not restored", zap.String("channel_id", channelID), zap.Error(err))
		}
	})
}

func (e *Engine) HandleJoin(ctx context.Context, evt domain.JoinEvent) (antiraid.Detection, bool) {
	if evt.GuildID == "" {
		return antiraid.Detection{}, false
	}
	if evt.Bot {
		if evt.AddedBy != "" {
			e.HandleModAction(ctx, domain.ModAction{
				GuildID:          evt.GuildID,
				ModeratorID:      evt.AddedBy,
				ModeratorIsOwner: evt.AddedByOwner,
				TargetID:         evt.UserID,
				Type:             domain.ActionBotAdd,
				Timestamp:        evt.JoinedAt,
			})
		}
		return antiraid.Detection{}, false
	}

	joinedAt := evt.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	if err := e.c.Store.RecordJoin(ctx, evt.GuildID, evt.UserID, joinedAt); err != nil {
		e.logger.Warn("join not recorded", zap.String("guild_id", evt.GuildID), zap.String("user_id", evt.UserID), zap.Error(err))
	} else {
		e.joinsSeen.Add(evt.GuildID+":"+evt.UserID, struct{}{})
	}

	detection, found := e.c.Raid.ObserveJoin(evt)
	if !found {
		return antiraid.Detection{}, false
	}
	e.c.Metrics.RecordDetection("raid_" + string(detection.Kind))

	settings := e.settings(ctx, evt.GuildID)
	policy := playbook.GuildPolicy{
		AutoLockdown: settings.AutoLockdown && !e.auditOnly(),
		ModRoleID:    settings.ModRoleID,
	}
	response, responded := e.c.Responder.Respond(ctx, evt.GuildID, detection, policy)
	if responded {
		action := "alert"
		if response.Locked {
			action = "lockdown"
		}
		e.c.Incidents.LogIncident(ctx, domain.Incident{
			GuildID:  evt.GuildID,
			UserID:   evt.UserID,
			Kind:     "raid_" + string(detection.Kind),
			Action:   action,
			Evidence: detection.Evidence,
		})
	}
	return detection, true
}

func (e *Engine) HandleModAction(ctx context.Context, action domain.ModAction) (antinuke.Finding, bool) {
	finding, found := e.c.Nuke.Track(action)
	if !found {
		return antinuke.Finding{}, false
	}
	e.respond(ctx, finding)
	return finding, true
}

func (e *Engine) HandleRoleUpdate(ctx context.Context, update domain.RoleUpdate) (antinuke.Finding, bool) {
	finding, found := e.c.Nuke.TrackRoleUpdate(update)
	if !found {
		return antinuke.Finding{}, false
	}
	e.respond(ctx, finding)
	return finding, true
}

func (e *Engine) respond(ctx context.Context, finding antinuke.Finding) {
	e.c.Metrics.RecordDetection(string(finding.Kind))
	description := finding.Description()
	action := "alert"

	if finding.Quarantine && !e.auditOnly() {
		action = "quarantine"
		result, err := e.c.Quarantine.Trigger(ctx, finding.GuildID, description)
		switch {
		case errors.Is(err, domain.ErrAlreadyQuarantined):
			description += "\nGuild is already quarantined."
		case err != nil:
			e.logger.Error("quarantine failed", zap.String("guild_id", finding.GuildID), zap.Error(err))
			description += "\nQuarantine failed: " + err.Error()
		default:
			description += fmt.Sprintf("\nQuarantine: %d roles stripped, %d failed.", result.SuccessCount, result.FailedCount)
			if len(result.Errors) > 0 {
				description += "\n" + strings.Join(result.Errors, "\n")
			}
		}
		for _, botID := range finding.BotIDs {
			if err := e.c.Mitigator.Kick(ctx, finding.GuildID, botID, "bot added during a destructive burst"); err != nil {
				e.logger.Warn("bot not kicked", zap.String("guild_id", finding.GuildID), zap.String("user_id", botID), zap.Error(err))
			}
		}
	}

	e.c.Incidents.LogIncident(ctx, domain.Incident{
		GuildID:        finding.GuildID,
		ModeratorID:    finding.ModeratorID,
		UserID:         finding.TargetID,
		Kind:           string(finding.Kind),
		Action:         action,
		Evidence:       finding.Detail,
		ViolationCount: finding.Count,
	})
	e.c.Alerter.Alert(ctx, domain.Alert{
		GuildID:      finding.GuildID,
		Kind:         string(finding.Kind),
		Description:  description,
		MentionOwner: finding.Quarantine,
	})
}

// Lock fills the moderator role from guild settings when the request leaves it empty.
func (e *Engine) Lock(ctx context.Context, req lockdown.Request) (domain.OperationResult, error) {
	if req.ModRoleID == "" {
		req.ModRoleID = e.settings(ctx, req.GuildID).ModRoleID
	}
	return e.c.Lockdown.Lock(ctx, req)
}

func (e *Engine) Unlock(ctx context.Context, guildID, by, reason string) (domain.OperationResult, error) {
	return e.c.Lockdown.Unlock(ctx, guildID, by, reason)
}

func (e *Engine) Quarantine(ctx context.Context, guildID, reason string) (domain.OperationResult, error) {
	return e.c.Quarantine.Trigger(ctx, guildID, reason)
}

func (e *Engine) LiftQuarantine(ctx context.Context, guildID string) (domain.OperationResult, error) {
	return e.c.Quarantine.Lift(ctx, guildID)
}
