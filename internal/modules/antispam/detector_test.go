package antispam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/modules/antiphishing"
	"sentinel-guard/internal/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeReputation struct {
	mu         sync.Mutex
	multiplier float64
	rewards    int
}

func (f *fakeReputation) Multiplier(ctx context.Context, guildID, userID string) float64 {
	return f.multiplier
}

func (f *fakeReputation) RewardMessage(ctx context.Context, guildID, userID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewards++
	return 0
}

type fakeResolver struct {
	guilds map[string]string
	errs   map[string]error
	calls  int
}

func (f *fakeResolver) Resolve(ctx context.Context, code string) (string, error) {
	f.calls++
	if err, ok := f.errs[code]; ok {
		return "", err
	}
	if guild, ok := f.guilds[code]; ok {
		return guild, nil
	}
	return "", domain.ErrInviteNotFound
}

type countingMetrics struct {
	evictions int
	faults    []string
}

func (m *countingMetrics) RecordEviction(string) { m.evictions++ }
func (m *countingMetrics) RecordFault(check string) { m.faults = append(m.faults, check) }

type harness struct {
	detector   *Detector
	clock      *fakeClock
	reputation *fakeReputation
	resolver   *fakeResolver
	metrics    *countingMetrics
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		clock:      &fakeClock{now: time.Unix(1_700_000_000, 0)},
		reputation: &fakeReputation{multiplier: 1.0},
		resolver:   &fakeResolver{guilds: map[string]string{}, errs: map[string]error{}},
		metrics:    &countingMetrics{},
	}
	h.detector = New(cfg, antiphishing.New(cfg.Phishing), h.reputation, h.resolver, zap.NewNop())
	h.detector.WithClock(h.clock)
	h.detector.WithMetrics(h.metrics)
	return h
}

func (h *harness) message(userID, content string) domain.MessageEvent {
	now := h.clock.Now()
	return domain.MessageEvent{
		ID:             fmt.Sprintf("m-%d", now.UnixNano()),
		GuildID:        "g1",
		ChannelID:      "c1",
		ChannelName:    "general",
		AuthorID:       userID,
		AccountCreated: now.Add(-365 * 24 * time.Hour),
		JoinedAt:       now.Add(-90 * 24 * time.Hour),
		Content:        content,
		Timestamp:      now,
	}
}

func TestFloodTriggersOnlyAfterLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.FloodLimit = 5
		cfg.Spam.FloodWindowSeconds = 10
	})
	ctx := context.Background()

	topics := []string{"morning all", "what's for lunch", "did anyone see the game", "server looks nice", "brb coffee", "ok back"}
	var kinds []domain.ViolationKind
	for i, content := range topics {
		violation, found := h.detector.Check(ctx, h.message("u1", content))
		if i < 5 {
			require.False(t, found, "message %d flagged as %s", i+1, violation.Kind)
		} else if found {
			kinds = append(kinds, violation.Kind)
		}
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, []domain.ViolationKind{domain.KindMessageFlood}, kinds)
	assert.Equal(t, 5, h.reputation.rewards)
}

func TestNewMemberUsesStricterFloodLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.FloodLimit = 8
		cfg.NewMember.FloodLimit = 3
	})
	ctx := context.Background()

	var flaggedAt int
	for i := 1; i <= 5; i++ {
		evt := h.message("fresh", fmt.Sprintf("hello number %d", i))
		evt.AccountCreated = h.clock.Now().Add(-2 * 24 * time.Hour)
		if _, found := h.detector.Check(ctx, evt); found && flaggedAt == 0 {
			flaggedAt = i
		}
	}
	assert.Equal(t, 4, flaggedAt)
}

func TestDuplicateTriggersOnThirdNearCopy(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.DuplicateLimit = 3
		cfg.Spam.DuplicateMinLength = 0
		cfg.Spam.FloodLimit = 50
	})
	ctx := context.Background()

	messages := []string{
		"Check out my new stream at channel twentyfour tonight",
		"check out my new stream at channel twentyfour tonight!",
		"Check out my new stream at channel twentyfour tonight!!",
	}
	for i, content := range messages {
		violation, found := h.detector.Check(ctx, h.message("u1", content))
		if i < 2 {
			require.False(t, found, "message %d flagged as %s", i+1, violation.Kind)
			continue
		}
		require.True(t, found)
		assert.Equal(t, domain.KindDuplicate, violation.Kind)
	}
}

func TestDuplicateSkipsEmojiAndGreetings(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.DuplicateMinLength = 0
		cfg.Spam.FloodLimit = 50
		cfg.Spam.EmojiLimit = 50
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, found := h.detector.Check(ctx, h.message("u1", "😀 😀"))
		assert.False(t, found)
		_, found = h.detector.Check(ctx, h.message("u2", "السلام عليكم"))
		assert.False(t, found)
	}
}

func TestDuplicateMinLengthCountsCharacters(t *testing.T) {
	h := newHarness(t, nil)
	d := h.detector

	cyrillic := strings.Repeat("привет ", 14)
	require.Less(t, utf8.RuneCountInString(cyrillic), 150)
	require.Greater(t, len(cyrillic), 150)
	assert.True(t, d.skipDuplicate(cyrillic, utils.Fingerprint(cyrillic)))

	long := strings.Repeat("hello again ", 14)
	assert.False(t, d.skipDuplicate(long, utils.Fingerprint(long)))
}

func TestEvictsLeastRecentlyActiveUser(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.MaxTrackedUsers = 3
	})
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		h.detector.Check(ctx, h.message(user, "hi"))
		h.clock.Advance(time.Second)
	}
	h.detector.Check(ctx, h.message("u1", "still here"))
	h.clock.Advance(time.Second)
	h.detector.Check(ctx, h.message("u4", "new user"))

	assert.Equal(t, 1, h.metrics.evictions)
	assert.Equal(t, []string{"u3", "u1", "u4"}, h.detector.TrackedUsers("g1"))
}

func TestPanickingCheckFailsOpen(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.FloodLimit = 3
		cfg.Spam.FloodWindowSeconds = 10
	})
	for i, c := range h.detector.checks {
		if c.name == "zalgo" {
			h.detector.checks[i].run = func(*checkContext) (string, bool) { panic("broken detector") }
		}
	}
	ctx := context.Background()

	require.NotPanics(t, func() {
		_, found := h.detector.Check(ctx, h.message("u1", "first"))
		assert.False(t, found)
	})
	h.detector.Check(ctx, h.message("u1", "second"))
	h.detector.Check(ctx, h.message("u1", "third"))
	violation, found := h.detector.Check(ctx, h.message("u1", "fourth"))
	require.True(t, found)
	assert.Equal(t, domain.KindMessageFlood, violation.Kind)
	assert.Len(t, h.metrics.faults, 4)
	assert.Equal(t, "zalgo", h.metrics.faults[0])
}

func TestInviteClassification(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Exemptions.InviteCodes = []string{"partner"}
	})
	h.resolver.guilds["voice"] = "g1"
	h.resolver.guilds["other"] = "g2"
	h.resolver.errs["flaky"] = errors.New("connection reset")
	ctx := context.Background()

	cases := []struct {
		user    string
		content string
		flagged bool
	}{
		{user: "a", content: "join us discord.gg/voice", flagged: false},
		{user: "b", content: "our partners: discord.gg/partner", flagged: false},
		{user: "c", content: "discord.gg/flaky", flagged: false},
		{user: "d", content: "come to discord.gg/other", flagged: true},
		{user: "e", content: "expired link discord.gg/gone", flagged: true},
	}
	for _, tc := range cases {
		violation, found := h.detector.Check(ctx, h.message(tc.user, tc.content))
		assert.Equal(t, tc.flagged, found, tc.content)
		if found {
			assert.Equal(t, domain.KindInviteSpam, violation.Kind)
		}
	}
}

func TestInviteCounterResetsAfterWindow(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.InviteLimit = 2
		cfg.Spam.InviteWindowSeconds = 60
	})
	h.resolver.guilds["other"] = "g2"
	ctx := context.Background()

	_, found := h.detector.Check(ctx, h.message("u1", "discord.gg/other"))
	assert.False(t, found)
	h.clock.Advance(2 * time.Minute)
	_, found = h.detector.Check(ctx, h.message("u1", "discord.gg/other"))
	assert.False(t, found)
	h.clock.Advance(10 * time.Second)
	violation, found := h.detector.Check(ctx, h.message("u1", "discord.gg/other"))
	require.True(t, found)
	assert.Equal(t, domain.KindInviteSpam, violation.Kind)
}

func TestConcurrentInvitesAreNotUndercounted(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.InviteLimit = 10
		cfg.Spam.FloodLimit = 100
	})
	h.resolver.guilds["other"] = "g2"
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	flagged := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, found := h.detector.Check(ctx, h.message("u1", "discord.gg/other")); found {
				mu.Lock()
				flagged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, flagged)
}

func TestScamTakesPriorityOverFlood(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.FloodLimit = 3
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.detector.Check(ctx, h.message("u1", fmt.Sprintf("msg %d", i)))
	}
	violation, found := h.detector.Check(ctx, h.message("u1", "free nitro here"))
	require.True(t, found)
	assert.Equal(t, domain.KindScam, violation.Kind)
}

func TestMentionSpamRespectsExemptChannels(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Exemptions.MentionChannelIDs = []string{"announcements"}
	})
	ctx := context.Background()

	evt := h.message("u1", "@a @b @c @d @e")
	evt.MentionCount = 5
	violation, found := h.detector.Check(ctx, evt)
	require.True(t, found)
	assert.Equal(t, domain.KindMentionSpam, violation.Kind)

	evt = h.message("u2", "@a @b @c @d @e")
	evt.MentionCount = 5
	evt.ChannelID = "announcements"
	_, found = h.detector.Check(ctx, evt)
	assert.False(t, found)
}

func TestChannelMultiplierRelaxesLimits(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.FloodLimit = 3
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		evt := h.message("u1", fmt.Sprintf("pic %d", i))
		evt.ChannelName = "media-share"
		_, found := h.detector.Check(ctx, evt)
		assert.False(t, found, "message %d", i+1)
	}
}

func TestImageDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	attach := func(evt domain.MessageEvent, hash string) domain.MessageEvent {
		evt.Attachments = []domain.Attachment{{Filename: "a.png", ContentType: "image/png", Size: 10, PerceptualHash: hash}}
		return evt
	}
	_, found := h.detector.Check(ctx, attach(h.message("u1", ""), "f0f0f0f0f0f0f0f0"))
	assert.False(t, found)
	h.clock.Advance(5 * time.Second)
	_, found = h.detector.Check(ctx, attach(h.message("u1", ""), "f0f0f0f0f0f0f0f1"))
	assert.False(t, found)
	h.clock.Advance(5 * time.Second)
	violation, found := h.detector.Check(ctx, attach(h.message("u1", ""), "f0f0f0f0f0f0f0f0"))
	require.True(t, found)
	assert.Equal(t, domain.KindImageDuplicate, violation.Kind)
}

func TestStickerSpam(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		evt := h.message("u1", "")
		evt.StickerCount = 1
		violation, found := h.detector.Check(ctx, evt)
		if i < 3 {
			assert.False(t, found)
			continue
		}
		require.True(t, found)
		assert.Equal(t, domain.KindStickerSpam, violation.Kind)
	}
}

func TestWebhookSpam(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Exemptions.WebhookIDs = []string{"github"}
	})

	for i := 1; i <= 6; i++ {
		evt := h.message("hook-user", "deploy")
		evt.WebhookID = "w1"
		_, found := h.detector.CheckWebhook(evt)
		assert.Equal(t, i == 6, found, "message %d", i)

		evt.WebhookID = "github"
		_, found = h.detector.CheckWebhook(evt)
		assert.False(t, found)
	}
}

func TestSlowmodeSignalHonoursCooldown(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Spam.SlowmodeMessages = 5
		cfg.Spam.SlowmodeWindowSeconds = 10
		cfg.Spam.SlowmodeCooldownSeconds = 300
	})

	signals := 0
	for i := 0; i < 12; i++ {
		if signal, ok := h.detector.ObserveChannel(h.message(fmt.Sprintf("u%d", i), "hey")); ok {
			signals++
			assert.Equal(t, "c1", signal.ChannelID)
			assert.Equal(t, 5*time.Second, signal.Delay)
		}
	}
	assert.Equal(t, 1, signals)

	h.clock.Advance(301 * time.Second)
	for i := 0; i < 5; i++ {
		h.detector.ObserveChannel(h.message("u1", "hey"))
	}
	_, ok := h.detector.ObserveChannel(h.message("u1", "hey"))
	assert.False(t, ok)
}

func TestPruneRemovesIdleState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.detector.Check(ctx, h.message("u1", "hello"))
	h.detector.Check(ctx, h.message("u2", "hello"))
	evt := h.message("hook", "x")
	evt.WebhookID = "w1"
	h.detector.CheckWebhook(evt)

	assert.Zero(t, h.detector.Prune(h.clock.Now()))
	h.clock.Advance(10 * time.Minute)
	removed := h.detector.Prune(h.clock.Now())
	assert.Equal(t, 3, removed)
	assert.Empty(t, h.detector.TrackedUsers("g1"))
	assert.Zero(t, h.metrics.evictions)
}
