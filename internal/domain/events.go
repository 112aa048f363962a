package domain

import (
	"strings"
	"time"
)

type Attachment struct {
	Filename       string
	ContentType    string
	Size           int
	URL            string
	PerceptualHash string
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

type MessageEvent struct {
	ID             string
	GuildID        string
	ChannelID      string
	ChannelName    string
	CategoryID     string
	AuthorID       string
	AuthorBot      bool
	AuthorIsAdmin  bool
	AuthorRoles    []string
	WebhookID      string
	AccountCreated time.Time
	JoinedAt       time.Time
	Content        string
	Attachments    []Attachment
	MentionCount   int
	StickerCount   int
	Timestamp      time.Time
}

func (m MessageEvent) IsWebhook() bool {
	return m.WebhookID != ""
}

type JoinEvent struct {
	GuildID        string
	UserID         string
	Username       string
	DisplayName    string
	Bot            bool
	AccountCreated time.Time
	AvatarHash     string
	JoinedAt       time.Time
	AddedBy        string
	AddedByOwner   bool
}

func (j JoinEvent) HasDefaultAvatar() bool {
	return j.AvatarHash == ""
}

type ActionType string

const (
	ActionBan             ActionType = "ban"
	ActionKick            ActionType = "kick"
	ActionChannelDelete   ActionType = "channel_delete"
	ActionRoleDelete      ActionType = "role_delete"
	ActionBotAdd          ActionType = "bot_add"
	ActionUnban           ActionType = "unban"
	ActionOverwriteUpdate ActionType = "overwrite_update"
)

type ModAction struct {
	GuildID          string
	ModeratorID      string
	ModeratorIsOwner bool
	TargetID         string
	Type             ActionType
	Timestamp        time.Time
}

type RoleUpdate struct {
	GuildID          string
	ModeratorID      string
	ModeratorIsOwner bool
	RoleID           string
	OldPermissions   int64
	NewPermissions   int64
	Timestamp        time.Time
}
