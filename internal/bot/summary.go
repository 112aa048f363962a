package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"sentinel-guard/internal/analytics"
)

type Reporter interface {
	Report(ctx context.Context, guildID string, since time.Time) (analytics.Report, error)
}

// StartDailySummary posts the last day's incident report to every guild's alert channel until ctx ends.
func (b *Bot) StartDailySummary(ctx context.Context, reporter Reporter) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sendDailySummary(ctx, reporter)
			}
		}
	}()
}

func (b *Bot) sendDailySummary(ctx context.Context, reporter Reporter) {
	if b.session == nil || b.session.State == nil {
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	for _, guild := range b.session.State.Guilds {
		if guild == nil {
			continue
		}
		channelID := b.settings(ctx, guild.ID).AlertChannelID
		if channelID == "" {
			continue
		}
		report, err := reporter.Report(ctx, guild.ID, since)
		if err != nil {
			b.logger.Warn("daily report failed", zap.String("guild_id", guild.ID), zap.Error(err))
			continue
		}
		if _, err := b.session.ChannelMessageSendEmbed(channelID, summaryEmbed(report), discordgo.WithContext(ctx)); err != nil {
			b.logger.Warn("daily report not sent", zap.String("guild_id", guild.ID), zap.Error(err))
		}
	}
}

func summaryEmbed(report analytics.Report) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     "Daily security summary",
		Color:     colorWarning,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if report.Total == 0 {
		embed.Description = "No incidents in the last 24 hours."
		return embed
	}
	embed.Description = fmt.Sprintf("%d incidents involving %d users.", report.Total, report.Users)

	kinds := report.TopKinds()
	if len(kinds) > 10 {
		kinds = kinds[:10]
	}
	lines := make([]string, 0, len(kinds))
	for _, kc := range kinds {
		lines = append(lines, fmt.Sprintf("%s: %d", kc.Kind, kc.Count))
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "By kind", Value: strings.Join(lines, "\n")})

	names := make([]string, 0, len(report.ByAction))
	for action := range report.ByAction {
		names = append(names, action)
	}
	sort.Slice(names, func(i, j int) bool {
		if report.ByAction[names[i]] != report.ByAction[names[j]] {
			return report.ByAction[names[i]] > report.ByAction[names[j]]
		}
		return names[i] < names[j]
	})
	actions := make([]string, 0, len(names))
	for _, action := range names {
		actions = append(actions, fmt.Sprintf("%s: %d", action, report.ByAction[action]))
	}
	if len(actions) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Actions", Value: strings.Join(actions, "\n"), Inline: true})
	}
	return embed
}
