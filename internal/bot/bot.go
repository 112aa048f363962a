package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/modules/antinuke"
	"sentinel-guard/internal/modules/antiraid"
	"sentinel-guard/internal/storage"
)

// Handler receives translated platform events.
type Handler interface {
	IsExempt(evt domain.MessageEvent) bool
	HandleMessage(ctx context.Context, evt domain.MessageEvent) (domain.Violation, bool)
	HandleJoin(ctx context.Context, evt domain.JoinEvent) (antiraid.Detection, bool)
	HandleModAction(ctx context.Context, action domain.ModAction) (antinuke.Finding, bool)
	HandleRoleUpdate(ctx context.Context, update domain.RoleUpdate) (antinuke.Finding, bool)
}

type SettingsStore interface {
	GetGuildSettings(ctx context.Context, guildID string, defaults storage.GuildSettings) (storage.GuildSettings, error)
}

// Bot adapts a discordgo session to the engine: it translates gateway events into domain
// events and implements the mitigation, alerting and permission-edit collaborators.
type Bot struct {
	cfg     config.Config
	logger  *zap.Logger
	store   SettingsStore
	session *discordgo.Session
	handler Handler
	selfID  string

	rolesMu   sync.Mutex
	rolePerms map[string]int64
}

func New(cfg config.Config, logger *zap.Logger, store SettingsStore) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsMessageContent

	return &Bot{
		cfg:       cfg,
		logger:    logger.Named("bot"),
		store:     store,
		session:   session,
		rolePerms: make(map[string]int64),
	}, nil
}

// Attach sets the event handler. It must be called before Start.
func (b *Bot) Attach(handler Handler) {
	b.handler = handler
}

func (b *Bot) Start() error {
	if b.handler == nil {
		return errors.New("bot: no event handler attached")
	}
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildBanRemove)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onChannelUpdate)
	b.session.AddHandler(b.onRoleCreate)
	b.session.AddHandler(b.onRoleDelete)
	b.session.AddHandler(b.onRoleUpdate)

	if b.selfID == "" {
		if _, err := b.Identify(context.Background()); err != nil {
			return err
		}
	}
	return b.session.Open()
}

// Identify looks up the bot's own user over REST. It works before the gateway is open.
func (b *Bot) Identify(ctx context.Context) (string, error) {
	self, err := b.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("identify bot user: %w", err)
	}
	b.selfID = self.ID
	return self.ID, nil
}

func (b *Bot) SelfID() string {
	return b.selfID
}

func (b *Bot) Close() {
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) settings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:        guildID,
		AlertChannelID: b.cfg.DefaultAlertChannel,
		ModRoleID:      b.cfg.DefaultModRole,
		AutoLockdown:   b.cfg.Raid.AutoLockdown,
	}
	settings, err := b.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		b.logger.Warn("guild settings unavailable", zap.String("guild_id", guildID), zap.Error(err))
		return defaults
	}
	return settings
}

func (b *Bot) guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := b.session.State.Guild(guildID); err == nil && guild != nil {
		return guild, nil
	}
	return b.session.Guild(guildID)
}

func (b *Bot) memberForUser(guildID, userID string) *discordgo.Member {
	member, err := b.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member
	}
	member, _ = b.session.GuildMember(guildID, userID)
	return member
}

func (b *Bot) isOwner(guildID, userID string) bool {
	if userID == "" {
		return false
	}
	guild, err := b.guild(guildID)
	return err == nil && guild.OwnerID == userID
}

// resolveAuditActor returns who performed the most recent matching audit-log action, if it happened
// within the last 30 seconds.
func (b *Bot) resolveAuditActor(guildID string, actionType discordgo.AuditLogAction, targetID string) string {
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(actionType), 5)
	if err != nil || logs == nil {
		if err != nil {
			b.logger.Debug("audit log unavailable", zap.String("guild_id", guildID), zap.Error(err))
		}
		return ""
	}
	for _, entry := range logs.AuditLogEntries {
		if entry == nil {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err == nil && time.Since(ts) > 30*time.Second {
			continue
		}
		return entry.UserID
	}
	return ""
}
