package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/modules/antinuke"
	"sentinel-guard/internal/modules/antiphishing"
	"sentinel-guard/internal/modules/antiraid"
	"sentinel-guard/internal/modules/antispam"
	"sentinel-guard/internal/modules/lockdown"
	"sentinel-guard/internal/modules/quarantine"
	"sentinel-guard/internal/playbook"
	"sentinel-guard/internal/storage"
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

type fakeInvites struct{}

func (fakeInvites) Resolve(ctx context.Context, code string) (string, error) {
	return "", domain.ErrInviteNotFound
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (f *fakeAlerter) Alert(ctx context.Context, alert domain.Alert) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return 1
}

func (f *fakeAlerter) all() []domain.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Alert(nil), f.alerts...)
}

type fakeSlowmode struct {
	mu      sync.Mutex
	current map[string]int
	sets    []string
}

func (f *fakeSlowmode) ChannelSlowmode(ctx context.Context, channelID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[channelID], nil
}

func (f *fakeSlowmode) SetSlowmode(ctx context.Context, channelID string, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[channelID] = seconds
	f.sets = append(f.sets, fmt.Sprintf("%s=%d", channelID, seconds))
	return nil
}

type fakeChannels struct {
	mu       sync.Mutex
	channels []domain.Channel
}

func (f *fakeChannels) GuildChannels(ctx context.Context, guildID string) ([]domain.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Channel(nil), f.channels...), nil
}

func (f *fakeChannels) SetOverwrite(ctx context.Context, channelID string, overwrite domain.Overwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.channels {
		if f.channels[i].ID != channelID {
			continue
		}
		for j := range f.channels[i].Overwrites {
			if f.channels[i].Overwrites[j].ID == overwrite.ID {
				f.channels[i].Overwrites[j] = overwrite
				return nil
			}
		}
		f.channels[i].Overwrites = append(f.channels[i].Overwrites, overwrite)
		return nil
	}
	return domain.ErrTargetGone
}

func (f *fakeChannels) DeleteOverwrite(ctx context.Context, channelID, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.channels {
		if f.channels[i].ID != channelID {
			continue
		}
		kept := f.channels[i].Overwrites[:0]
		for _, overwrite := range f.channels[i].Overwrites {
			if overwrite.ID != targetID {
				kept = append(kept, overwrite)
			}
		}
		f.channels[i].Overwrites = kept
		return nil
	}
	return domain.ErrTargetGone
}

type fakeRoles struct {
	mu    sync.Mutex
	roles map[string]int64
}

func (f *fakeRoles) GuildRoles(ctx context.Context, guildID string) (domain.GuildRoles, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := domain.GuildRoles{OwnerTopRoleID: "owner", BotRoleID: "bot"}
	for id, perms := range f.roles {
		out.Roles = append(out.Roles, domain.Role{ID: id, Name: id, Permissions: perms})
	}
	return out, nil
}

func (f *fakeRoles) SetRolePermissions(ctx context.Context, guildID, roleID string, permissions int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[roleID] = permissions
	return nil
}

func (f *fakeRoles) get(roleID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[roleID]
}

type recordingMetrics struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingMetrics) RecordDetection(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

type harness struct {
	engine    *Engine
	store     *storage.Store
	clock     *fakeClock
	mitigator *fakeMitigator
	alerter   *fakeAlerter
	incidents *fakeIncidents
	slowmode  *fakeSlowmode
	channels  *fakeChannels
	roles     *fakeRoles
	scheduler *playbook.Scheduler
	metrics   *recordingMetrics
}

const (
	permBan  = int64(discordgo.PermissionBanMembers)
	permSend = int64(discordgo.PermissionSendMessages)
)

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Exemptions.RoleIDs = []string{"staff"}
	cfg.Exemptions.ChannelIDs = []string{"bot-commands"}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		store:     newStore(t),
		clock:     &fakeClock{now: time.Unix(1_700_000_000, 0)},
		mitigator: &fakeMitigator{},
		alerter:   &fakeAlerter{},
		incidents: &fakeIncidents{},
		slowmode:  &fakeSlowmode{current: map[string]int{}},
		channels: &fakeChannels{channels: []domain.Channel{
			{ID: "general", Name: "general", Kind: domain.ChannelText},
		}},
		roles: &fakeRoles{roles: map[string]int64{
			"g1":    permSend,
			"mods":  permBan | permSend,
			"owner": int64(discordgo.PermissionAdministrator),
			"bot":   int64(discordgo.PermissionAdministrator),
		}},
		scheduler: playbook.NewScheduler(),
		metrics:   &recordingMetrics{},
	}
	t.Cleanup(h.scheduler.Stop)

	penalizer := &fakePenalizer{}
	spam := antispam.New(cfg, antiphishing.New(cfg.Phishing), penalizer, fakeInvites{}, zap.NewNop())
	spam.WithClock(h.clock)
	fanout := utils.NewFanout(4, nil, 0, time.Millisecond)
	locks := lockdown.New(h.channels, h.store, fanout, h.scheduler, zap.NewNop())

	h.engine = New(cfg, Components{
		Spam:       spam,
		Raid:       antiraid.New(cfg.Raid, zap.NewNop()),
		Nuke:       antinuke.New(cfg.Nuke, zap.NewNop()),
		Quarantine: quarantine.New(h.roles, h.store, fanout, cfg.Nuke.DangerousPermissions, zap.NewNop()),
		Lockdown:   locks,
		Responder:  playbook.NewRaidResponder(cfg.Raid, locks, h.alerter, zap.NewNop()),
		Scheduler:  h.scheduler,
		Escalator:  NewEscalator(cfg.Escalation, cfg.Mode == "audit", h.store, h.mitigator, penalizer, h.incidents, zap.NewNop()),
		Incidents:  h.incidents,
		Alerter:    h.alerter,
		Store:      h.store,
		Mitigator:  h.mitigator,
		Slowmode:   h.slowmode,
		Metrics:    h.metrics,
	}, zap.NewNop())
	return h
}

func message(id int, userID string) domain.MessageEvent {
	return domain.MessageEvent{
		ID:        fmt.Sprintf("m%d", id),
		GuildID:   "g1",
		ChannelID: "general",
		AuthorID:  userID,
		Content:   fmt.Sprintf("hello there %d", id),
	}
}

func TestFloodIsPunishedAndEscalates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var kinds []domain.ViolationKind
	for i := 1; i <= 8; i++ {
		if violation, found := h.engine.HandleMessage(ctx, message(i, "u1")); found {
			kinds = append(kinds, violation.Kind)
		}
	}
	assert.Equal(t, []domain.ViolationKind{domain.KindMessageFlood, domain.KindMessageFlood}, kinds)

	assert.Len(t, h.mitigator.opsNamed("warn"), 1)
	mutes := h.mitigator.opsNamed("mute")
	require.Len(t, mutes, 1)
	assert.Equal(t, 5*time.Minute, mutes[0].duration)
	assert.Len(t, h.mitigator.opsNamed("delete"), 2)

	count, err := h.store.GetViolationCount(ctx, "g1", "u1", domain.KindMessageFlood)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"message_flood", "message_flood"}, h.metrics.kinds)
}

func TestExemptMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	variants := map[string]func(*domain.MessageEvent){
		"bot":     func(e *domain.MessageEvent) { e.AuthorBot = true },
		"admin":   func(e *domain.MessageEvent) { e.AuthorIsAdmin = true },
		"role":    func(e *domain.MessageEvent) { e.AuthorRoles = []string{"member", "staff"} },
		"channel": func(e *domain.MessageEvent) { e.ChannelID = "bot-commands" },
	}
	for name, mutate := range variants {
		for i := 1; i <= 10; i++ {
			evt := message(i, "u-"+name)
			mutate(&evt)
			_, found := h.engine.HandleMessage(ctx, evt)
			assert.False(t, found, "%s message %d", name, i)
		}
	}
	assert.Empty(t, h.mitigator.ops)
	assert.Empty(t, h.incidents.all())
}

func TestWebhookSpamDeletesMessages(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	found := 0
	for i := 1; i <= 7; i++ {
		evt := message(i, "")
		evt.WebhookID = "hook-1"
		if _, ok := h.engine.HandleMessage(ctx, evt); ok {
			found++
		}
	}
	assert.Equal(t, 2, found)
	assert.Len(t, h.mitigator.opsNamed("delete"), 2)

	logged := h.incidents.all()
	require.Len(t, logged, 2)
	assert.Equal(t, "hook-1", logged[0].UserID)
	assert.Equal(t, string(domain.KindWebhookSpam), logged[0].Kind)
	assert.Empty(t, h.mitigator.opsNamed("warn"))
}

func TestChannelTrafficAppliesSlowmode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		h.engine.HandleMessage(ctx, message(i, fmt.Sprintf("u%d", i)))
	}
	assert.Equal(t, []string{"general=5"}, h.slowmode.sets)
	_, pending := h.scheduler.Pending("slowmode:general")
	assert.True(t, pending)
	assert.Empty(t, h.mitigator.ops)
}

func TestSlowmodeNeverLowersExistingDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.slowmode.current["general"] = 30
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		h.engine.HandleMessage(ctx, message(i, fmt.Sprintf("u%d", i)))
	}
	assert.Empty(t, h.slowmode.sets)
	_, pending := h.scheduler.Pending("slowmode:general")
	assert.False(t, pending)
}

func TestExemptTrafficIsNotCountedForSlowmode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		evt := message(i, fmt.Sprintf("u%d", i))
		evt.ChannelID = "bot-commands"
		h.engine.HandleMessage(ctx, evt)
	}
	for i := 31; i <= 50; i++ {
		evt := message(i, fmt.Sprintf("u%d", i))
		evt.AuthorRoles = []string{"staff"}
		h.engine.HandleMessage(ctx, evt)
	}
	for i := 51; i <= 60; i++ {
		h.engine.HandleMessage(ctx, message(i, fmt.Sprintf("u%d", i)))
	}
	assert.Empty(t, h.slowmode.sets)
}

func freshJoin(userID string) domain.JoinEvent {
	return domain.JoinEvent{
		GuildID:        "g1",
		UserID:         userID,
		Username:       userID,
		AccountCreated: time.Now().Add(-time.Hour),
		JoinedAt:       time.Now(),
	}
}

func TestRaidAlertsWithoutLockdownByDefault(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, found := h.engine.HandleJoin(ctx, freshJoin("aardvark"))
	require.False(t, found)
	detection, found := h.engine.HandleJoin(ctx, freshJoin("zeppelin"))
	require.True(t, found)
	assert.Equal(t, antiraid.KindNewAccounts, detection.Kind)

	alerts := h.alerter.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "raid_new_accounts", alerts[0].Kind)
	assert.False(t, h.engine.c.Lockdown.IsLocked(ctx, "g1"))

	logged := h.incidents.all()
	require.Len(t, logged, 1)
	assert.Equal(t, "alert", logged[0].Action)
}

func TestRaidTriggersAutoLockdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertGuildSettings(ctx, storage.GuildSettings{GuildID: "g1", ModRoleID: "mods", AutoLockdown: true}))

	h.engine.HandleJoin(ctx, freshJoin("aardvark"))
	_, found := h.engine.HandleJoin(ctx, freshJoin("zeppelin"))
	require.True(t, found)

	assert.True(t, h.engine.c.Lockdown.IsLocked(ctx, "g1"))
	state, ok, err := h.engine.c.Lockdown.State(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mods", state.ModRoleID)
	assert.Equal(t, "auto", state.LockedBy)

	_, pending := h.scheduler.Pending("g1")
	assert.True(t, pending, "auto-unlock is scheduled")
	logged := h.incidents.all()
	require.Len(t, logged, 1)
	assert.Equal(t, "lockdown", logged[0].Action)
}

func TestRaidInAuditModeNeverLocks(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Mode = "audit" })
	ctx := context.Background()
	require.NoError(t, h.store.UpsertGuildSettings(ctx, storage.GuildSettings{GuildID: "g1", AutoLockdown: true}))

	h.engine.HandleJoin(ctx, freshJoin("aardvark"))
	_, found := h.engine.HandleJoin(ctx, freshJoin("zeppelin"))
	require.True(t, found)
	assert.False(t, h.engine.c.Lockdown.IsLocked(ctx, "g1"))
	assert.Len(t, h.alerter.all(), 1)
}

func channelDelete(target string) domain.ModAction {
	return domain.ModAction{GuildID: "g1", ModeratorID: "rogue", TargetID: target, Type: domain.ActionChannelDelete}
}

func TestNukeQuarantinesAndAlerts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i < 3; i++ {
		_, found := h.engine.HandleModAction(ctx, channelDelete(fmt.Sprintf("c%d", i)))
		require.False(t, found)
	}
	finding, found := h.engine.HandleModAction(ctx, channelDelete("c3"))
	require.True(t, found)
	assert.Equal(t, antinuke.FindingNuke, finding.Kind)

	assert.True(t, h.engine.c.Quarantine.IsQuarantined(ctx, "g1"))
	assert.Equal(t, permSend, h.roles.get("mods"))

	alerts := h.alerter.all()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].MentionOwner)
	assert.Contains(t, alerts[0].Description, "Quarantine: 1 roles stripped")

	logged := h.incidents.all()
	require.Len(t, logged, 1)
	assert.Equal(t, "quarantine", logged[0].Action)
	assert.Equal(t, "rogue", logged[0].ModeratorID)

	_, err := h.engine.LiftQuarantine(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, permBan|permSend, h.roles.get("mods"))
}

func TestBotBurstKicksBots(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, botID := range []string{"bot-1", "bot-2"} {
		_, found := h.engine.HandleJoin(ctx, domain.JoinEvent{GuildID: "g1", UserID: botID, Bot: true, AddedBy: "rogue"})
		assert.False(t, found, "bot joins never count as raids")
	}

	kicks := h.mitigator.opsNamed("kick")
	require.Len(t, kicks, 2)
	assert.Equal(t, "bot-1", kicks[0].targetID)
	assert.Equal(t, "bot-2", kicks[1].targetID)
	assert.True(t, h.engine.c.Quarantine.IsQuarantined(ctx, "g1"))
}

func TestNukeInAuditModeOnlyAlerts(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Mode = "audit" })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		h.engine.HandleModAction(ctx, channelDelete(fmt.Sprintf("c%d", i)))
	}
	assert.False(t, h.engine.c.Quarantine.IsQuarantined(ctx, "g1"))
	assert.Equal(t, permBan|permSend, h.roles.get("mods"))
	require.Len(t, h.alerter.all(), 1)
	logged := h.incidents.all()
	require.Len(t, logged, 1)
	assert.Equal(t, "alert", logged[0].Action)
}

func TestManualLockUsesGuildModRole(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertGuildSettings(ctx, storage.GuildSettings{GuildID: "g1", ModRoleID: "mods"}))

	result, err := h.engine.Lock(ctx, lockdown.Request{GuildID: "g1", By: "admin", Reason: "raid"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)

	state, ok, err := h.engine.c.Lockdown.State(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mods", state.ModRoleID)

	_, err = h.engine.Unlock(ctx, "g1", "admin", "over")
	require.NoError(t, err)
	assert.False(t, h.engine.c.Lockdown.IsLocked(ctx, "g1"))
}
