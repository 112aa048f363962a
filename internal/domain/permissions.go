package domain

import (
	"errors"
	"time"
)

var (
	ErrAlreadyLocked      = errors.New("guild is already locked")
	ErrNotLocked          = errors.New("guild is not locked")
	ErrAlreadyQuarantined = errors.New("guild is already quarantined")
	ErrNotQuarantined     = errors.New("guild is not quarantined")
	ErrBackupMissing      = errors.New("quarantine backup missing")
	ErrInviteNotFound     = errors.New("invite not found")
	ErrInviteUnavailable  = errors.New("invite resolution unavailable")
	ErrTargetGone         = errors.New("target no longer exists")
	ErrBusy               = errors.New("operation already in progress")
)

type ChannelKind int

const (
	ChannelOther ChannelKind = iota
	ChannelText
	ChannelVoice
)

type OverwriteType int

const (
	OverwriteRole OverwriteType = iota
	OverwriteMember
)

type Overwrite struct {
	ID    string        `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow int64         `json:"allow"`
	Deny  int64         `json:"deny"`
}

type Channel struct {
	ID         string
	Name       string
	Kind       ChannelKind
	Overwrites []Overwrite
}

func (c Channel) Overwrite(id string) (Overwrite, bool) {
	for _, ow := range c.Overwrites {
		if ow.ID == id {
			return ow, true
		}
	}
	return Overwrite{}, false
}

type Role struct {
	ID          string
	Name        string
	Permissions int64
	Position    int
	Managed     bool
}

type GuildRoles struct {
	Roles          []Role
	OwnerTopRoleID string
	BotRoleID      string
}

type SavedOverwrite struct {
	Present bool  `json:"present"`
	Allow   int64 `json:"allow"`
	Deny    int64 `json:"deny"`
}

type ChannelSnapshot struct {
	ChannelID string         `json:"channel_id"`
	Kind      ChannelKind    `json:"kind"`
	Everyone  SavedOverwrite `json:"everyone"`
	Mod       SavedOverwrite `json:"mod"`
}

type LockdownState struct {
	GuildID           string
	EveryoneRoleID    string
	ModRoleID         string
	ChannelOverwrites map[string]ChannelSnapshot
	LockedBy          string
	LockedAt          time.Time
	Reason            string
	SuccessCount      int
	FailedCount       int
}

type QuarantineState struct {
	GuildID   string
	Backup    map[string]int64
	Reason    string
	StartedAt time.Time
}

const MaxErrorPreview = 5

type OperationResult struct {
	SuccessCount int
	FailedCount  int
	SkippedCount int
	Errors       []string
}

func (r *OperationResult) AddError(err error) {
	r.FailedCount++
	if len(r.Errors) < MaxErrorPreview {
		r.Errors = append(r.Errors, err.Error())
	}
}
