package utils

import (
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var permissionNames = map[string]int64{
	"administrator":    discordgo.PermissionAdministrator,
	"ban_members":      discordgo.PermissionBanMembers,
	"kick_members":     discordgo.PermissionKickMembers,
	"manage_guild":     discordgo.PermissionManageServer,
	"manage_channels":  discordgo.PermissionManageChannels,
	"manage_roles":     discordgo.PermissionManageRoles,
	"manage_webhooks":  discordgo.PermissionManageWebhooks,
	"mention_everyone": discordgo.PermissionMentionEveryone,
	"manage_messages":  discordgo.PermissionManageMessages,
	"moderate_members": discordgo.PermissionModerateMembers,
	"view_audit_log":   discordgo.PermissionViewAuditLogs,
}

// PermissionMask ORs the named permissions together. Unrecognised names are returned separately.
func PermissionMask(names []string) (int64, []string) {
	var mask int64
	var unknown []string
	for _, name := range names {
		bit, ok := permissionNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		mask |= bit
	}
	return mask, unknown
}

func PermissionNames(mask int64) []string {
	var names []string
	for name, bit := range permissionNames {
		if mask&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
