package antispam

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/modules/antiphishing"
	"sentinel-guard/internal/utils"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Reputation interface {
	Multiplier(ctx context.Context, guildID, userID string) float64
	RewardMessage(ctx context.Context, guildID, userID string) float64
}

type InviteResolver interface {
	Resolve(ctx context.Context, code string) (string, error)
}

type Metrics interface {
	RecordEviction(guildID string)
	RecordFault(check string)
}

type nopMetrics struct{}

func (nopMetrics) RecordEviction(string) {}
func (nopMetrics) RecordFault(string) {}

type MessageRecord struct {
	Fingerprint      string
	Timestamp        time.Time
	HasLinks         bool
	HasAttachments   bool
	HasInvites       bool
	HasStickers      bool
	MentionCount     int
	EmojiCount       int
	AttachmentHashes []string
	SkipDuplicate    bool
}

type hashEntry struct {
	hash string
	at   time.Time
}

type UserSpamState struct {
	mu             sync.Mutex
	messages       *utils.BoundedWindow[MessageRecord]
	imageHashes    *utils.BoundedWindow[hashEntry]
	inviteCount    int
	lastInviteTime time.Time
	dropped        bool
}

func (s *UserSpamState) empty(now time.Time, inviteWindow time.Duration) bool {
	inviteLive := !s.lastInviteTime.IsZero() && now.Sub(s.lastInviteTime) <= inviteWindow
	return s.messages.Len() == 0 && s.imageHashes.Len() == 0 && !inviteLive
}

type guildState struct {
	mu       sync.Mutex
	users    *simplelru.LRU[string, *UserSpamState]
	sweeping bool
}

type Detector struct {
	cfg        config.SpamConfig
	newMember  config.NewMemberConfig
	logger     *zap.Logger
	clock      Clock
	phishing   *antiphishing.Module
	reputation Reputation
	invites    InviteResolver
	metrics    Metrics

	exemptInvites  map[string]struct{}
	mentionExempt  map[string]struct{}
	exemptWebhooks map[string]struct{}
	exemptPhrases  []string
	historyAge     time.Duration

	mu     sync.Mutex
	guilds map[string]*guildState

	webhookMu sync.Mutex
	webhooks  *simplelru.LRU[string, *utils.BoundedWindow[time.Time]]

	channelMu sync.Mutex
	channels  map[string]*channelState

	checks []check
}

func New(cfg config.Config, phishing *antiphishing.Module, reputation Reputation, invites InviteResolver, logger *zap.Logger) *Detector {
	d := &Detector{
		cfg:            cfg.Spam,
		newMember:      cfg.NewMember,
		logger:         logger.Named("antispam"),
		clock:          realClock{},
		phishing:       phishing,
		reputation:     reputation,
		invites:        invites,
		metrics:        nopMetrics{},
		exemptInvites:  toSet(cfg.Exemptions.InviteCodes),
		mentionExempt:  toSet(cfg.Exemptions.MentionChannelIDs),
		exemptWebhooks: toSet(cfg.Exemptions.WebhookIDs),
		guilds:         make(map[string]*guildState),
		channels:       make(map[string]*channelState),
	}
	for _, phrase := range cfg.Spam.ExemptPhrases {
		d.exemptPhrases = append(d.exemptPhrases, utils.Fingerprint(phrase))
	}
	d.historyAge = 2 * maxDuration(
		config.Seconds(cfg.Spam.FloodWindowSeconds),
		config.Seconds(cfg.Spam.DuplicateWindowSeconds),
		config.Seconds(cfg.Spam.LinkWindowSeconds),
		config.Seconds(cfg.Spam.InviteWindowSeconds),
		config.Seconds(cfg.Spam.AttachmentWindowSeconds),
		config.Seconds(cfg.Spam.StickerWindowSeconds),
	)
	webhookStates := cfg.Spam.MaxWebhookStates
	if webhookStates <= 0 {
		webhookStates = 1000
	}
	d.webhooks, _ = simplelru.NewLRU[string, *utils.BoundedWindow[time.Time]](webhookStates, nil)
	d.checks = d.pipeline()
	return d
}

func (d *Detector) WithClock(clock Clock) {
	d.clock = clock
}

func (d *Detector) WithMetrics(metrics Metrics) {
	if metrics != nil {
		d.metrics = metrics
	}
}

// Check classifies one non-exempt, non-webhook message. At most one violation is returned.
func (d *Detector) Check(ctx context.Context, evt domain.MessageEvent) (domain.Violation, bool) {
	now := d.clock.Now()
	multiplier := d.reputation.Multiplier(ctx, evt.GuildID, evt.AuthorID) * d.channelMultiplier(evt)

	violation, found := d.evaluate(ctx, d.lockUserState(evt.GuildID, evt.AuthorID), evt, now, multiplier)
	if !found {
		d.reputation.RewardMessage(ctx, evt.GuildID, evt.AuthorID)
	}
	return violation, found
}

func (d *Detector) evaluate(ctx context.Context, state *UserSpamState, evt domain.MessageEvent, now time.Time, multiplier float64) (domain.Violation, bool) {
	defer state.mu.Unlock()

	record := d.buildRecord(evt, now)
	state.messages.Append(record)

	cc := &checkContext{
		ctx:    ctx,
		evt:    evt,
		state:  state,
		record: record,
		now:    now,
		limits: d.limits(evt, now, multiplier),
	}
	for _, c := range d.checks {
		if evidence, ok := d.runCheck(c, cc); ok {
			return domain.Violation{Kind: c.kind, Evidence: evidence}, true
		}
	}
	return domain.Violation{}, false
}

func (d *Detector) runCheck(c check, cc *checkContext) (evidence string, found bool) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordFault(c.name)
			d.logger.Error("spam check panicked",
				zap.String("check", c.name),
				zap.String("guild_id", cc.evt.GuildID),
				zap.String("user_id", cc.evt.AuthorID),
				zap.String("panic", fmt.Sprint(r)))
			evidence, found = "", false
		}
	}()
	return c.run(cc)
}

// lockUserState returns the user's state with its lock held, retrying if Prune removed it in between.
func (d *Detector) lockUserState(guildID, userID string) *UserSpamState {
	for {
		state := d.userState(guildID, userID)
		state.mu.Lock()
		if !state.dropped {
			return state
		}
		state.mu.Unlock()
	}
}

func (d *Detector) userState(guildID, userID string) *UserSpamState {
	gs := d.guild(guildID)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if state, ok := gs.users.Get(userID); ok {
		return state
	}
	state := &UserSpamState{
		messages:    utils.NewBoundedWindow(d.historyAge, 0, func(r MessageRecord) time.Time { return r.Timestamp }),
		imageHashes: utils.NewBoundedWindow(config.Seconds(d.cfg.ImageDuplicateWindowSeconds), d.cfg.MaxImageHashes, func(h hashEntry) time.Time { return h.at }),
	}
	gs.users.Add(userID, state)
	return state
}

func (d *Detector) guild(guildID string) *guildState {
	d.mu.Lock()
	defer d.mu.Unlock()

	gs := d.guilds[guildID]
	if gs != nil {
		return gs
	}
	size := d.cfg.MaxTrackedUsers
	if size <= 0 {
		size = 5000
	}
	gs = &guildState{}
	gs.users, _ = simplelru.NewLRU[string, *UserSpamState](size, func(userID string, _ *UserSpamState) {
		if gs.sweeping {
			return
		}
		d.metrics.RecordEviction(guildID)
		d.logger.Debug("spam state evicted", zap.String("guild_id", guildID), zap.String("user_id", userID))
	})
	d.guilds[guildID] = gs
	return gs
}

// TrackedUsers lists tracked users of a guild from least to most recently active.
func (d *Detector) TrackedUsers(guildID string) []string {
	d.mu.Lock()
	gs := d.guilds[guildID]
	d.mu.Unlock()
	if gs == nil {
		return nil
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.users.Keys()
}

// Prune drops expired records and removes user states left empty.
func (d *Detector) Prune(now time.Time) int {
	d.mu.Lock()
	guilds := make([]*guildState, 0, len(d.guilds))
	for _, gs := range d.guilds {
		guilds = append(guilds, gs)
	}
	d.mu.Unlock()

	inviteWindow := config.Seconds(d.cfg.InviteWindowSeconds)
	removed := 0
	for _, gs := range guilds {
		gs.mu.Lock()
		gs.sweeping = true
		for _, userID := range gs.users.Keys() {
			state, ok := gs.users.Peek(userID)
			if !ok {
				continue
			}
			if !state.mu.TryLock() {
				continue
			}
			state.messages.Prune(now)
			state.imageHashes.Prune(now)
			drop := state.empty(now, inviteWindow)
			state.dropped = drop
			state.mu.Unlock()
			if drop {
				gs.users.Remove(userID)
				removed++
			}
		}
		gs.sweeping = false
		gs.mu.Unlock()
	}

	removed += d.pruneWebhooks(now)
	removed += d.pruneChannels(now)
	return removed
}

func (d *Detector) channelMultiplier(evt domain.MessageEvent) float64 {
	if value, ok := d.cfg.ChannelOverrides[evt.ChannelID]; ok && value > 0 {
		return value
	}
	name := strings.ToLower(evt.ChannelName)
	if name == "" {
		return 1.0
	}
	for _, entry := range d.cfg.ChannelMultipliers {
		for _, keyword := range entry.Keywords {
			if strings.Contains(name, strings.ToLower(keyword)) {
				return entry.Multiplier
			}
		}
	}
	return 1.0
}

func (d *Detector) isNewMember(evt domain.MessageEvent, now time.Time) bool {
	if !evt.AccountCreated.IsZero() && now.Sub(evt.AccountCreated) < days(d.newMember.AccountAgeDays) {
		return true
	}
	return !evt.JoinedAt.IsZero() && now.Sub(evt.JoinedAt) < days(d.newMember.ServerAgeDays)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func maxDuration(values ...time.Duration) time.Duration {
	var out time.Duration
	for _, v := range values {
		out = max(out, v)
	}
	return out
}
