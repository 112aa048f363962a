package bot

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/imagehash"
)

const (
	maxHashBytes = 8 << 20
	hashTimeout  = 5 * time.Second
)

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil {
		return
	}
	b.rolesMu.Lock()
	defer b.rolesMu.Unlock()
	for _, role := range event.Roles {
		if role != nil {
			b.rolePerms[event.ID+":"+role.ID] = role.Permissions
		}
	}
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.GuildID == "" || msg.Author == nil || msg.Author.ID == b.selfID {
		return
	}
	ctx := context.Background()

	evt := messageEvent(msg.Message)
	if channel, err := session.State.Channel(msg.ChannelID); err == nil && channel != nil {
		evt.ChannelName = channel.Name
		evt.CategoryID = channel.ParentID
	}
	if !evt.IsWebhook() && !evt.AuthorBot {
		evt.AuthorIsAdmin = b.isAdmin(msg.GuildID, evt.AuthorID, evt.AuthorRoles)
	}
	b.prepareAttachments(ctx, evt)
	b.handler.HandleMessage(ctx, evt)
}

// prepareAttachments hashes images only for messages the engine will inspect.
func (b *Bot) prepareAttachments(ctx context.Context, evt domain.MessageEvent) {
	if len(evt.Attachments) == 0 || b.handler.IsExempt(evt) {
		return
	}
	b.hashImages(ctx, evt.Attachments)
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.User == nil || event.GuildID == "" {
		return
	}
	evt := joinEvent(event.GuildID, event.Member)
	if evt.Bot {
		evt.AddedBy = b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionBotAdd, evt.UserID)
		evt.AddedByOwner = b.isOwner(event.GuildID, evt.AddedBy)
	}
	b.handler.HandleJoin(context.Background(), evt)
}

// onGuildMemberRemove only reports removals the audit log attributes to a kick.
func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.User == nil || event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberKick, event.User.ID)
	b.dispatchModAction(event.GuildID, actorID, event.User.ID, domain.ActionKick)
}

func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberBanAdd, event.User.ID)
	b.dispatchModAction(event.GuildID, actorID, event.User.ID, domain.ActionBan)
}

func (b *Bot) onGuildBanRemove(session *discordgo.Session, event *discordgo.GuildBanRemove) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberBanRemove, event.User.ID)
	b.dispatchModAction(event.GuildID, actorID, event.User.ID, domain.ActionUnban)
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil || event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionChannelDelete, event.ID)
	b.dispatchModAction(event.GuildID, actorID, event.ID, domain.ActionChannelDelete)
}

func (b *Bot) onChannelUpdate(session *discordgo.Session, event *discordgo.ChannelUpdate) {
	if event.Channel == nil || event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionChannelOverwriteUpdate, event.ID)
	if actorID == "" {
		actorID = b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionChannelOverwriteCreate, event.ID)
	}
	b.dispatchModAction(event.GuildID, actorID, event.ID, domain.ActionOverwriteUpdate)
}

func (b *Bot) onRoleCreate(session *discordgo.Session, event *discordgo.GuildRoleCreate) {
	if event.GuildRole == nil || event.Role == nil {
		return
	}
	b.swapRolePermissions(event.GuildID, event.Role.ID, event.Role.Permissions)
}

func (b *Bot) onRoleDelete(session *discordgo.Session, event *discordgo.GuildRoleDelete) {
	if event.GuildID == "" || event.RoleID == "" {
		return
	}
	b.rolesMu.Lock()
	delete(b.rolePerms, event.GuildID+":"+event.RoleID)
	b.rolesMu.Unlock()

	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionRoleDelete, event.RoleID)
	b.dispatchModAction(event.GuildID, actorID, event.RoleID, domain.ActionRoleDelete)
}

func (b *Bot) onRoleUpdate(session *discordgo.Session, event *discordgo.GuildRoleUpdate) {
	if event.GuildRole == nil || event.Role == nil || event.GuildID == "" {
		return
	}
	previous, known := b.swapRolePermissions(event.GuildID, event.Role.ID, event.Role.Permissions)
	if !known || previous == event.Role.Permissions {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionRoleUpdate, event.Role.ID)
	if actorID == "" {
		return
	}
	b.handler.HandleRoleUpdate(context.Background(), domain.RoleUpdate{
		GuildID:          event.GuildID,
		ModeratorID:      actorID,
		ModeratorIsOwner: b.isOwner(event.GuildID, actorID),
		RoleID:           event.Role.ID,
		OldPermissions:   previous,
		NewPermissions:   event.Role.Permissions,
		Timestamp:        time.Now(),
	})
}

// swapRolePermissions stores the role's new bitmask and returns the one it replaced.
func (b *Bot) swapRolePermissions(guildID, roleID string, permissions int64) (int64, bool) {
	key := guildID + ":" + roleID
	b.rolesMu.Lock()
	defer b.rolesMu.Unlock()
	previous, ok := b.rolePerms[key]
	b.rolePerms[key] = permissions
	return previous, ok
}

func (b *Bot) dispatchModAction(guildID, moderatorID, targetID string, kind domain.ActionType) {
	if moderatorID == "" {
		return
	}
	b.handler.HandleModAction(context.Background(), domain.ModAction{
		GuildID:          guildID,
		ModeratorID:      moderatorID,
		ModeratorIsOwner: b.isOwner(guildID, moderatorID),
		TargetID:         targetID,
		Type:             kind,
		Timestamp:        time.Now(),
	})
}

func (b *Bot) isAdmin(guildID, userID string, roles []string) bool {
	guild, err := b.guild(guildID)
	if err != nil || guild == nil {
		return false
	}
	if guild.OwnerID == userID {
		return true
	}
	return memberPermissions(guild, roles)&discordgo.PermissionAdministrator != 0
}

// hashImages fills in perceptual hashes for image attachments. Failures leave the hash empty.
func (b *Bot) hashImages(ctx context.Context, attachments []domain.Attachment) {
	for i := range attachments {
		attachment := &attachments[i]
		if !attachment.IsImage() || attachment.URL == "" || attachment.Size > maxHashBytes {
			continue
		}
		hash, err := b.hashImage(ctx, attachment.URL)
		if err != nil {
			b.logger.Debug("image hash failed", zap.String("filename", attachment.Filename), zap.Error(err))
			continue
		}
		attachment.PerceptualHash = hash
	}
}

func (b *Bot) hashImage(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.session.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode}
	}
	return imagehash.Compute(resp.Body, maxHashBytes)
}

func messageEvent(msg *discordgo.Message) domain.MessageEvent {
	evt := domain.MessageEvent{
		ID:           msg.ID,
		GuildID:      msg.GuildID,
		ChannelID:    msg.ChannelID,
		WebhookID:    msg.WebhookID,
		Content:      msg.Content,
		MentionCount: mentionCount(msg),
		StickerCount: len(msg.StickerItems),
		Timestamp:    msg.Timestamp,
	}
	if msg.Author != nil {
		evt.AuthorID = msg.Author.ID
		evt.AuthorBot = msg.Author.Bot && msg.WebhookID == ""
		if created, err := discordgo.SnowflakeTimestamp(msg.Author.ID); err == nil {
			evt.AccountCreated = created
		}
	}
	if msg.Member != nil {
		evt.AuthorRoles = msg.Member.Roles
		evt.JoinedAt = msg.Member.JoinedAt
	}
	for _, attachment := range msg.Attachments {
		if attachment == nil {
			continue
		}
		evt.Attachments = append(evt.Attachments, domain.Attachment{
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        attachment.Size,
			URL:         attachment.URL,
		})
	}
	return evt
}

func mentionCount(msg *discordgo.Message) int {
	count := len(msg.Mentions) + len(msg.MentionRoles)
	if msg.MentionEveryone {
		count++
	}
	return count
}

func joinEvent(guildID string, member *discordgo.Member) domain.JoinEvent {
	evt := domain.JoinEvent{
		GuildID:     guildID,
		UserID:      member.User.ID,
		Username:    member.User.Username,
		DisplayName: member.Nick,
		Bot:         member.User.Bot,
		AvatarHash:  member.User.Avatar,
		JoinedAt:    member.JoinedAt,
	}
	if evt.DisplayName == "" {
		evt.DisplayName = member.User.Username
	}
	if created, err := discordgo.SnowflakeTimestamp(member.User.ID); err == nil {
		evt.AccountCreated = created
	}
	return evt
}

// memberPermissions ORs @everyone with every role the member holds.
func memberPermissions(guild *discordgo.Guild, roles []string) int64 {
	held := make(map[string]struct{}, len(roles)+1)
	held[guild.ID] = struct{}{}
	for _, roleID := range roles {
		held[roleID] = struct{}{}
	}
	var perms int64
	for _, role := range guild.Roles {
		if role == nil {
			continue
		}
		if _, ok := held[role.ID]; ok {
			perms |= role.Permissions
		}
	}
	return perms
}
