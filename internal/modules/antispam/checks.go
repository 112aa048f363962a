package antispam

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/imagehash"
	"sentinel-guard/internal/utils"
)

type check struct {
	name string
	kind domain.ViolationKind
	run  func(*checkContext) (string, bool)
}

type checkContext struct {
	ctx    context.Context
	evt    domain.MessageEvent
	state  *UserSpamState
	record MessageRecord
	now    time.Time
	limits limits
}

type limits struct {
	flood      int
	duplicate  int
	mention    int
	emoji      int
	newline    int
	link       int
	attachment int
}

func (d *Detector) pipeline() []check {
	return []check{
		{name: "scam", kind: domain.KindScam, run: d.checkScam},
		{name: "zalgo", kind: domain.KindZalgo, run: d.checkZalgo},
		{name: "invite", kind: domain.KindInviteSpam, run: d.checkInvites},
		{name: "flood", kind: domain.KindMessageFlood, run: d.checkFlood},
		{name: "duplicate", kind: domain.KindDuplicate, run: d.checkDuplicate},
		{name: "image_duplicate", kind: domain.KindImageDuplicate, run: d.checkImageDuplicate},
		{name: "mention", kind: domain.KindMentionSpam, run: d.checkMentions},
		{name: "emoji", kind: domain.KindEmojiSpam, run: d.checkEmoji},
		{name: "newline", kind: domain.KindNewlineSpam, run: d.checkNewlines},
		{name: "link_flood", kind: domain.KindLinkFlood, run: d.checkLinkFlood},
		{name: "attachment_flood", kind: domain.KindAttachmentFlood, run: d.checkAttachmentFlood},
		{name: "sticker", kind: domain.KindStickerSpam, run: d.checkStickers},
	}
}

func scaled(base int, multiplier float64, floor int) int {
	return max(floor, int(math.Floor(float64(base)*multiplier)))
}

func (d *Detector) limits(evt domain.MessageEvent, now time.Time, multiplier float64) limits {
	floodBase, duplicateBase, mentionBase := d.cfg.FloodLimit, d.cfg.DuplicateLimit, d.cfg.MentionLimit
	if d.isNewMember(evt, now) {
		floodBase = min(floodBase, d.newMember.FloodLimit)
		duplicateBase = min(duplicateBase, d.newMember.DuplicateLimit)
		mentionBase = min(mentionBase, d.newMember.MentionLimit)
	}
	return limits{
		flood:      scaled(floodBase, multiplier, d.cfg.FloodFloor),
		duplicate:  scaled(duplicateBase, multiplier, d.cfg.DuplicateFloor),
		mention:    scaled(mentionBase, multiplier, d.cfg.MentionFloor),
		emoji:      scaled(d.cfg.EmojiLimit, multiplier, 1),
		newline:    scaled(d.cfg.NewlineLimit, multiplier, 1),
		link:       scaled(d.cfg.LinkLimit, multiplier, 1),
		attachment: scaled(d.cfg.AttachmentLimit, multiplier, 1),
	}
}

func (d *Detector) buildRecord(evt domain.MessageEvent, now time.Time) MessageRecord {
	record := MessageRecord{
		Fingerprint:    utils.Fingerprint(evt.Content),
		Timestamp:      now,
		HasAttachments: len(evt.Attachments) > 0,
		HasInvites:     len(utils.ExtractInviteCodes(evt.Content)) > 0,
		HasStickers:    evt.StickerCount > 0,
		MentionCount:   evt.MentionCount,
		EmojiCount:     utils.CountEmoji(evt.Content),
	}
	for _, host := range utils.ExtractDomains(evt.Content) {
		if !utils.SuffixMatch(host, d.cfg.SafeLinkDomains) {
			record.HasLinks = true
			break
		}
	}
	for _, attachment := range evt.Attachments {
		if !attachment.IsImage() {
			continue
		}
		hash := attachment.PerceptualHash
		if hash == "" {
			hash = fmt.Sprintf("%s:%d:%s", attachment.Filename, attachment.Size, attachment.ContentType)
		}
		record.AttachmentHashes = append(record.AttachmentHashes, hash)
	}
	record.SkipDuplicate = d.skipDuplicate(evt.Content, record.Fingerprint)
	return record
}

func (d *Detector) skipDuplicate(content, fingerprint string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(content)) < d.cfg.DuplicateMinLength {
		return true
	}
	if utils.IsEmojiOnly(content) || utils.MostlyArabic(content) {
		return true
	}
	for _, phrase := range d.exemptPhrases {
		if strings.Contains(fingerprint, phrase) {
			return true
		}
	}
	return false
}

func (d *Detector) checkScam(cc *checkContext) (string, bool) {
	if d.phishing == nil || cc.evt.Content == "" {
		return "", false
	}
	violation, ok := d.phishing.Detect(cc.evt.Content)
	return violation.Evidence, ok
}

func (d *Detector) checkZalgo(cc *checkContext) (string, bool) {
	if utils.MostlyArabic(cc.evt.Content) {
		return "", false
	}
	marks := utils.CountCombining(cc.evt.Content)
	if marks > d.cfg.ZalgoLimit {
		return fmt.Sprintf("%d combining marks", marks), true
	}
	return "", false
}

// checkInvites runs with the user state locked, so resolution and the counter update form one critical section.
func (d *Detector) checkInvites(cc *checkContext) (string, bool) {
	if !cc.record.HasInvites {
		return "", false
	}
	external := 0
	for _, code := range utils.ExtractInviteCodes(cc.evt.Content) {
		if _, ok := d.exemptInvites[code]; ok {
			continue
		}
		if d.isExternalInvite(cc.ctx, cc.evt.GuildID, code) {
			external++
		}
	}
	if external == 0 {
		return "", false
	}

	state := cc.state
	window := config.Seconds(d.cfg.InviteWindowSeconds)
	if !state.lastInviteTime.IsZero() && cc.now.Sub(state.lastInviteTime) > window {
		state.inviteCount = 0
	}
	state.inviteCount += external
	state.lastInviteTime = cc.now
	if state.inviteCount >= d.cfg.InviteLimit {
		return fmt.Sprintf("%d external invites", state.inviteCount), true
	}
	return "", false
}

func (d *Detector) isExternalInvite(ctx context.Context, guildID, code string) bool {
	if d.invites == nil {
		return true
	}
	target, err := d.invites.Resolve(ctx, code)
	switch {
	case err == nil:
		return target != guildID
	case errors.Is(err, domain.ErrInviteNotFound):
		return true
	default:
		d.logger.Debug("invite resolution failed", zap.String("code", code), zap.Error(err))
		return false
	}
}

func (d *Detector) checkFlood(cc *checkContext) (string, bool) {
	cutoff := cc.now.Add(-config.Seconds(d.cfg.FloodWindowSeconds))
	count := cc.state.messages.CountSince(cutoff, nil)
	if count > cc.limits.flood {
		return fmt.Sprintf("%d messages in %ds (limit %d)", count, d.cfg.FloodWindowSeconds, cc.limits.flood), true
	}
	return "", false
}

func (d *Detector) checkDuplicate(cc *checkContext) (string, bool) {
	if cc.record.SkipDuplicate {
		return "", false
	}
	cutoff := cc.now.Add(-config.Seconds(d.cfg.DuplicateWindowSeconds))
	history := cc.state.messages.Since(cutoff)
	similar := 0
	for _, prior := range history[:max(0, len(history)-1)] {
		if prior.SkipDuplicate {
			continue
		}
		if utils.Similarity(prior.Fingerprint, cc.record.Fingerprint) >= d.cfg.DuplicateSimilarity {
			similar++
		}
	}
	if similar > 0 && similar >= cc.limits.duplicate-1 {
		return fmt.Sprintf("%d similar messages", similar+1), true
	}
	return "", false
}

func (d *Detector) checkImageDuplicate(cc *checkContext) (string, bool) {
	if len(cc.record.AttachmentHashes) == 0 {
		return "", false
	}
	hashes := cc.state.imageHashes
	hashes.Prune(cc.now)
	prior := hashes.Items()
	matches := 0
	for _, hash := range cc.record.AttachmentHashes {
		for _, entry := range prior {
			if imagehash.Similar(entry.hash, hash, d.cfg.ImageHashDistance) {
				matches++
			}
		}
		hashes.Append(hashEntry{hash: hash, at: cc.now})
	}
	if matches >= d.cfg.ImageDuplicateLimit-1 {
		return fmt.Sprintf("%d repeated images", matches+1), true
	}
	return "", false
}

func (d *Detector) checkMentions(cc *checkContext) (string, bool) {
	if _, ok := d.mentionExempt[cc.evt.ChannelID]; ok {
		return "", false
	}
	if cc.record.MentionCount >= cc.limits.mention {
		return fmt.Sprintf("%d mentions", cc.record.MentionCount), true
	}
	return "", false
}

func (d *Detector) checkEmoji(cc *checkContext) (string, bool) {
	if cc.record.EmojiCount >= cc.limits.emoji {
		return fmt.Sprintf("%d emoji", cc.record.EmojiCount), true
	}
	return "", false
}

func (d *Detector) checkNewlines(cc *checkContext) (string, bool) {
	if utils.MostlyArabic(cc.evt.Content) {
		return "", false
	}
	lines := utils.CountNewlines(cc.evt.Content)
	if lines >= cc.limits.newline {
		return fmt.Sprintf("%d newlines", lines), true
	}
	return "", false
}

func (d *Detector) checkLinkFlood(cc *checkContext) (string, bool) {
	if !cc.record.HasLinks {
		return "", false
	}
	cutoff := cc.now.Add(-config.Seconds(d.cfg.LinkWindowSeconds))
	count := cc.state.messages.CountSince(cutoff, func(r MessageRecord) bool { return r.HasLinks })
	if count >= cc.limits.link {
		return fmt.Sprintf("%d messages with links", count), true
	}
	return "", false
}

func (d *Detector) checkAttachmentFlood(cc *checkContext) (string, bool) {
	if !cc.record.HasAttachments {
		return "", false
	}
	cutoff := cc.now.Add(-config.Seconds(d.cfg.AttachmentWindowSeconds))
	count := cc.state.messages.CountSince(cutoff, func(r MessageRecord) bool { return r.HasAttachments })
	if count >= cc.limits.attachment {
		return fmt.Sprintf("%d messages with attachments", count), true
	}
	return "", false
}

func (d *Detector) checkStickers(cc *checkContext) (string, bool) {
	if !cc.record.HasStickers {
		return "", false
	}
	cutoff := cc.now.Add(-config.Seconds(d.cfg.StickerWindowSeconds))
	count := cc.state.messages.CountSince(cutoff, func(r MessageRecord) bool { return r.HasStickers })
	if count >= d.cfg.StickerLimit {
		return fmt.Sprintf("%d sticker messages", count), true
	}
	return "", false
}
