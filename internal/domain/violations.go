package domain

import "time"

type ViolationKind string

const (
	KindScam            ViolationKind = "scam"
	KindZalgo           ViolationKind = "zalgo"
	KindInviteSpam      ViolationKind = "invite_spam"
	KindMessageFlood    ViolationKind = "message_flood"
	KindDuplicate       ViolationKind = "duplicate"
	KindImageDuplicate  ViolationKind = "image_duplicate"
	KindMentionSpam     ViolationKind = "mention_spam"
	KindEmojiSpam       ViolationKind = "emoji_spam"
	KindNewlineSpam     ViolationKind = "newline_spam"
	KindLinkFlood       ViolationKind = "link_flood"
	KindAttachmentFlood ViolationKind = "attachment_flood"
	KindStickerSpam     ViolationKind = "sticker_spam"
	KindWebhookSpam     ViolationKind = "webhook_spam"
)

var kindNames = map[ViolationKind]string{
	KindScam:            "Scam / phishing",
	KindZalgo:           "Zalgo text",
	KindInviteSpam:      "Invite spam",
	KindMessageFlood:    "Message flood",
	KindDuplicate:       "Duplicate messages",
	KindImageDuplicate:  "Duplicate images",
	KindMentionSpam:     "Mention spam",
	KindEmojiSpam:       "Emoji spam",
	KindNewlineSpam:     "Newline spam",
	KindLinkFlood:       "Link flood",
	KindAttachmentFlood: "Attachment flood",
	KindStickerSpam:     "Sticker spam",
	KindWebhookSpam:     "Webhook spam",
}

func (k ViolationKind) DisplayName() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return string(k)
}

type Violation struct {
	Kind     ViolationKind
	Evidence string
}

const (
	OutcomeWarning = "warning"
	OutcomeMute    = "mute"
	OutcomeDelete  = "delete"
)

type Incident struct {
	ID             string
	GuildID        string
	UserID         string
	ModeratorID    string
	Kind           string
	Action         string
	Evidence       string
	Duration       time.Duration
	ViolationCount int
	CreatedAt      time.Time
}

type Alert struct {
	GuildID      string
	Kind         string
	Description  string
	MentionOwner bool
}

type UserAggregates struct {
	TenureDays     float64
	ViolationCount int
	WarningCount   int
}
