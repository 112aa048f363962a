package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sentinel-guard/internal/domain"
)

const (
	colorAlert   = 0xE74C3C
	colorWarning = 0xF1C40F
)

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// classify maps Discord REST failures onto the errors the coordinators understand.
// 404 means the target is gone; other 4xx except 429 are not worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil {
		return err
	}
	code := rest.Response.StatusCode
	switch {
	case code == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrTargetGone, err))
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return err
	case code >= http.StatusBadRequest:
		return backoff.Permanent(err)
	}
	return err
}

func (b *Bot) Warn(ctx context.Context, guildID, userID, reason string) error {
	channel, err := b.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify(err)
	}
	name := guildID
	if guild, err := b.guild(guildID); err == nil && guild.Name != "" {
		name = guild.Name
	}
	_, err = b.session.ChannelMessageSendEmbed(channel.ID, &discordgo.MessageEmbed{
		Title:       "Warning",
		Description: fmt.Sprintf("You were warned in **%s**: %s", name, reason),
		Color:       colorWarning,
		Timestamp:   time.Now().Format(time.RFC3339),
	}, discordgo.WithContext(ctx))
	return classify(err)
}

func (b *Bot) Mute(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	until := time.Now().Add(d)
	return classify(b.session.GuildMemberTimeout(guildID, userID, &until,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason)))
}

func (b *Bot) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify(b.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

func (b *Bot) Kick(ctx context.Context, guildID, userID, reason string) error {
	return classify(b.session.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx)))
}

// SendAlert posts to the guild's alert channel. Guilds without one are skipped.
func (b *Bot) SendAlert(ctx context.Context, alert domain.Alert) error {
	channelID := b.settings(ctx, alert.GuildID).AlertChannelID
	if channelID == "" {
		b.logger.Debug("no alert channel", zap.String("guild_id", alert.GuildID), zap.String("kind", alert.Kind))
		return nil
	}
	msg := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Security alert: " + alert.Kind,
			Description: alert.Description,
			Color:       colorAlert,
			Timestamp:   time.Now().Format(time.RFC3339),
		}},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if alert.MentionOwner {
		if guild, err := b.guild(alert.GuildID); err == nil && guild.OwnerID != "" {
			msg.Content = "<@" + guild.OwnerID + ">"
			msg.AllowedMentions.Users = []string{guild.OwnerID}
		}
	}
	_, err := b.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	return classify(err)
}

// LookupInvite returns the guild an invite code points to.
func (b *Bot) LookupInvite(ctx context.Context, code string) (string, error) {
	invite, err := b.session.Invite(code, discordgo.WithContext(ctx))
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return "", domain.ErrInviteNotFound
		}
		return "", err
	}
	if invite.Guild == nil {
		return "", nil
	}
	return invite.Guild.ID, nil
}

func (b *Bot) GuildChannels(ctx context.Context, guildID string) ([]domain.Channel, error) {
	channels, err := b.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Channel, 0, len(channels))
	for _, channel := range channels {
		if channel != nil {
			out = append(out, toChannel(channel))
		}
	}
	return out, nil
}

func (b *Bot) SetOverwrite(ctx context.Context, channelID string, overwrite domain.Overwrite) error {
	return classify(b.session.ChannelPermissionSet(channelID, overwrite.ID, overwriteType(overwrite.Type),
		overwrite.Allow, overwrite.Deny, discordgo.WithContext(ctx)))
}

func (b *Bot) DeleteOverwrite(ctx context.Context, channelID, targetID string) error {
	return classify(b.session.ChannelPermissionDelete(channelID, targetID, discordgo.WithContext(ctx)))
}

// GuildRoles lists roles with the guild owner's and the bot's highest roles marked.
func (b *Bot) GuildRoles(ctx context.Context, guildID string) (domain.GuildRoles, error) {
	roles, err := b.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return domain.GuildRoles{}, classify(err)
	}
	guild, err := b.guild(guildID)
	if err != nil {
		return domain.GuildRoles{}, classify(err)
	}

	out := domain.GuildRoles{Roles: make([]domain.Role, 0, len(roles))}
	for _, role := range roles {
		if role == nil {
			continue
		}
		out.Roles = append(out.Roles, domain.Role{
			ID:          role.ID,
			Name:        role.Name,
			Permissions: role.Permissions,
			Position:    role.Position,
			Managed:     role.Managed,
		})
	}
	if owner := b.memberForUser(guildID, guild.OwnerID); owner != nil {
		out.OwnerTopRoleID = topRole(roles, owner.Roles)
	}
	if self := b.memberForUser(guildID, b.selfID); self != nil {
		out.BotRoleID = topRole(roles, self.Roles)
	}
	return out, nil
}

func (b *Bot) SetRolePermissions(ctx context.Context, guildID, roleID string, permissions int64) error {
	_, err := b.session.GuildRoleEdit(guildID, roleID, &discordgo.RoleParams{Permissions: &permissions}, discordgo.WithContext(ctx))
	return classify(err)
}

func (b *Bot) ChannelSlowmode(ctx context.Context, channelID string) (int, error) {
	if channel, err := b.session.State.Channel(channelID); err == nil && channel != nil {
		return channel.RateLimitPerUser, nil
	}
	channel, err := b.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, classify(err)
	}
	return channel.RateLimitPerUser, nil
}

func (b *Bot) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	_, err := b.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{RateLimitPerUser: &seconds}, discordgo.WithContext(ctx))
	return classify(err)
}

func toChannel(channel *discordgo.Channel) domain.Channel {
	out := domain.Channel{
		ID:   channel.ID,
		Name: channel.Name,
		Kind: channelKind(channel.Type),
	}
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite == nil {
			continue
		}
		kind := domain.OverwriteRole
		if overwrite.Type == discordgo.PermissionOverwriteTypeMember {
			kind = domain.OverwriteMember
		}
		out.Overwrites = append(out.Overwrites, domain.Overwrite{
			ID:    overwrite.ID,
			Type:  kind,
			Allow: overwrite.Allow,
			Deny:  overwrite.Deny,
		})
	}
	return out
}

func channelKind(t discordgo.ChannelType) domain.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews, discordgo.ChannelTypeGuildForum:
		return domain.ChannelText
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return domain.ChannelVoice
	default:
		return domain.ChannelOther
	}
}

func overwriteType(t domain.OverwriteType) discordgo.PermissionOverwriteType {
	if t == domain.OverwriteMember {
		return discordgo.PermissionOverwriteTypeMember
	}
	return discordgo.PermissionOverwriteTypeRole
}

// topRole returns the highest-positioned role among held, or "" when none match.
func topRole(roles []*discordgo.Role, held []string) string {
	holds := make(map[string]struct{}, len(held))
	for _, id := range held {
		holds[id] = struct{}{}
	}
	best, bestPos := "", -1
	for _, role := range roles {
		if role == nil {
			continue
		}
		if _, ok := holds[role.ID]; ok && role.Position > bestPos {
			best, bestPos = role.ID, role.Position
		}
	}
	return best
}
