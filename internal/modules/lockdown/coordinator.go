package lockdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/utils"
)

const (
	textLockBits = discordgo.PermissionSendMessages | discordgo.PermissionAddReactions |
		discordgo.PermissionCreatePublicThreads | discordgo.PermissionCreatePrivateThreads |
		discordgo.PermissionSendMessagesInThreads
	voiceLockBits = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak

	textModBits  = discordgo.PermissionSendMessages | discordgo.PermissionSendMessagesInThreads
	voiceModBits = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak
)

type ChannelEditor interface {
	GuildChannels(ctx context.Context, guildID string) ([]domain.Channel, error)
	SetOverwrite(ctx context.Context, channelID string, overwrite domain.Overwrite) error
	DeleteOverwrite(ctx context.Context, channelID, targetID string) error
}

type Store interface {
	SaveLockdownState(ctx context.Context, state domain.LockdownState) error
	GetLockdownState(ctx context.Context, guildID string) (domain.LockdownState, bool, error)
	EndLockdown(ctx context.Context, guildID string) error
}

// Scheduler runs fn once after d unless cancelled; scheduling a key again replaces the pending task.
type Scheduler interface {
	Schedule(key string, d time.Duration, fn func())
	Cancel(key string) bool
}

type Metrics interface {
	RecordOp(op, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordOp(string, string) {}

type Request struct {
	GuildID        string
	EveryoneRoleID string
	ModRoleID      string
	By             string
	Reason         string
	AutoUnlock     time.Duration
}

type Coordinator struct {
	editor    ChannelEditor
	store     Store
	fanout    *utils.Fanout
	scheduler Scheduler
	logger    *zap.Logger
	metrics   Metrics
	now       func() time.Time

	mu     sync.Mutex
	active map[string]domain.LockdownState
	busy   map[string]struct{}
}

func New(editor ChannelEditor, store Store, fanout *utils.Fanout, scheduler Scheduler, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		editor:    editor,
		store:     store,
		fanout:    fanout,
		scheduler: scheduler,
		logger:    logger.Named("lockdown"),
		metrics:   nopMetrics{},
		now:       time.Now,
		active:    make(map[string]domain.LockdownState),
		busy:      make(map[string]struct{}),
	}
}

func (c *Coordinator) WithMetrics(metrics Metrics) {
	if metrics != nil {
		c.metrics = metrics
	}
}

func (c *Coordinator) WithNow(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) claim(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.busy[guildID]; ok {
		return false
	}
	c.busy[guildID] = struct{}{}
	return true
}

func (c *Coordinator) release(guildID string) {
	c.mu.Lock()
	delete(c.busy, guildID)
	c.mu.Unlock()
}

func (c *Coordinator) state(ctx context.Context, guildID string) (domain.LockdownState, bool, error) {
	c.mu.Lock()
	state, ok := c.active[guildID]
	c.mu.Unlock()
	if ok {
		return state, true, nil
	}
	state, found, err := c.store.GetLockdownState(ctx, guildID)
	if err != nil {
		return domain.LockdownState{}, false, fmt.Errorf("load lockdown state: %w", err)
	}
	if found {
		c.mu.Lock()
		c.active[guildID] = state
		c.mu.Unlock()
	}
	return state, found, nil
}

func snapshot(channel domain.Channel, everyoneRoleID, modRoleID string) domain.ChannelSnapshot {
	snap := domain.ChannelSnapshot{ChannelID: channel.ID, Kind: channel.Kind}
	if ow, ok := channel.Overwrite(everyoneRoleID); ok {
		snap.Everyone = domain.SavedOverwrite{Present: true, Allow: ow.Allow, Deny: ow.Deny}
	}
	if modRoleID != "" {
		if ow, ok := channel.Overwrite(modRoleID); ok {
			snap.Mod = domain.SavedOverwrite{Present: true, Allow: ow.Allow, Deny: ow.Deny}
		}
	}
	return snap
}

func lockBits(kind domain.ChannelKind) (deny, modAllow int64) {
	if kind == domain.ChannelVoice {
		return voiceLockBits, voiceModBits
	}
	return textLockBits, textModBits
}

// Lock denies sending or connecting for @everyone on every text and voice channel.
// Prior overwrites are persisted before the first edit.
func (c *Coordinator) Lock(ctx context.Context, req Request) (domain.OperationResult, error) {
	if !c.claim(req.GuildID) {
		return domain.OperationResult{}, domain.ErrAlreadyLocked
	}
	defer c.release(req.GuildID)

	if _, locked, err := c.state(ctx, req.GuildID); err != nil {
		return domain.OperationResult{}, err
	} else if locked {
		return domain.OperationResult{}, domain.ErrAlreadyLocked
	}
	if req.EveryoneRoleID == "" {
		req.EveryoneRoleID = req.GuildID
	}

	channels, err := c.editor.GuildChannels(ctx, req.GuildID)
	if err != nil {
		return domain.OperationResult{}, fmt.Errorf("list channels: %w", err)
	}

	var result domain.OperationResult
	var targets []domain.ChannelSnapshot
	state := domain.LockdownState{
		GuildID:           req.GuildID,
		EveryoneRoleID:    req.EveryoneRoleID,
		ModRoleID:         req.ModRoleID,
		ChannelOverwrites: make(map[string]domain.ChannelSnapshot),
		LockedBy:          req.By,
		LockedAt:          c.now(),
		Reason:            req.Reason,
	}
	for _, channel := range channels {
		if channel.Kind != domain.ChannelText && channel.Kind != domain.ChannelVoice {
			result.SkippedCount++
			continue
		}
		snap := snapshot(channel, req.EveryoneRoleID, req.ModRoleID)
		state.ChannelOverwrites[channel.ID] = snap
		targets = append(targets, snap)
	}

	if err := c.store.SaveLockdownState(ctx, state); err != nil {
		return domain.OperationResult{}, fmt.Errorf("persist lockdown state: %w", err)
	}

	errs := c.fanout.Run(ctx, len(targets), func(ctx context.Context, i int) error {
		return c.lockChannel(ctx, targets[i], req.EveryoneRoleID, req.ModRoleID)
	})
	for i, err := range errs {
		switch {
		case err == nil:
			c.metrics.RecordOp("lockdown_lock", "success")
			result.SuccessCount++
		case errors.Is(err, domain.ErrTargetGone):
			delete(state.ChannelOverwrites, targets[i].ChannelID)
			result.SkippedCount++
		default:
			c.metrics.RecordOp("lockdown_lock", "failure")
			result.AddError(fmt.Errorf("channel %s: %w", targets[i].ChannelID, err))
		}
	}

	state.SuccessCount = result.SuccessCount
	state.FailedCount = result.FailedCount
	if err := c.store.SaveLockdownState(ctx, state); err != nil {
		c.logger.Warn("lockdown counters not persisted", zap.String("guild_id", req.GuildID), zap.Error(err))
	}
	c.mu.Lock()
	c.active[req.GuildID] = state
	c.mu.Unlock()

	if req.AutoUnlock > 0 && c.scheduler != nil {
		lockedAt := state.LockedAt
		c.scheduler.Schedule(req.GuildID, req.AutoUnlock, func() {
			c.autoUnlock(req.GuildID, lockedAt)
		})
	}

	c.logger.Warn("guild locked",
		zap.String("guild_id", req.GuildID),
		zap.String("moderator_id", req.By),
		zap.String("reason", req.Reason),
		zap.Int("success", result.SuccessCount),
		zap.Int("failed", result.FailedCount))
	return result, nil
}

func (c *Coordinator) lockChannel(ctx context.Context, snap domain.ChannelSnapshot, everyoneRoleID, modRoleID string) error {
	deny, modAllow := lockBits(snap.Kind)
	if modRoleID != "" {
		err := c.editor.SetOverwrite(ctx, snap.ChannelID, domain.Overwrite{
			ID:    modRoleID,
			Type:  domain.OverwriteRole,
			Allow: snap.Mod.Allow | modAllow,
			Deny:  snap.Mod.Deny &^ modAllow,
		})
		if err != nil {
			return err
		}
	}
	return c.editor.SetOverwrite(ctx, snap.ChannelID, domain.Overwrite{
		ID:    everyoneRoleID,
		Type:  domain.OverwriteRole,
		Allow: snap.Everyone.Allow &^ deny,
		Deny:  snap.Everyone.Deny | deny,
	})
}

func (c *Coordinator) restore(ctx context.Context, channelID, targetID string, saved domain.SavedOverwrite) error {
	if !saved.Present {
		return c.editor.DeleteOverwrite(ctx, channelID, targetID)
	}
	return c.editor.SetOverwrite(ctx, channelID, domain.Overwrite{
		ID:    targetID,
		Type:  domain.OverwriteRole,
		Allow: saved.Allow,
		Deny:  saved.Deny,
	})
}

// Unlock restores every saved overwrite. Channels that fail stay recorded and the guild stays locked.
func (c *Coordinator) Unlock(ctx context.Context, guildID, by, reason string) (domain.OperationResult, error) {
	if !c.claim(guildID) {
		return domain.OperationResult{}, domain.ErrBusy
	}
	defer c.release(guildID)

	state, locked, err := c.state(ctx, guildID)
	if err != nil {
		return domain.OperationResult{}, err
	}
	if !locked {
		return domain.OperationResult{}, domain.ErrNotLocked
	}
	if c.scheduler != nil {
		c.scheduler.Cancel(guildID)
	}

	channelIDs := make([]string, 0, len(state.ChannelOverwrites))
	for id := range state.ChannelOverwrites {
		channelIDs = append(channelIDs, id)
	}
	sort.Strings(channelIDs)

	errs := c.fanout.Run(ctx, len(channelIDs), func(ctx context.Context, i int) error {
		snap := state.ChannelOverwrites[channelIDs[i]]
		if err := c.restore(ctx, snap.ChannelID, state.EveryoneRoleID, snap.Everyone); err != nil {
			return err
		}
		if state.ModRoleID == "" {
			return nil
		}
		return c.restore(ctx, snap.ChannelID, state.ModRoleID, snap.Mod)
	})

	var result domain.OperationResult
	remaining := make(map[string]domain.ChannelSnapshot)
	for i, err := range errs {
		id := channelIDs[i]
		switch {
		case err == nil:
			c.metrics.RecordOp("lockdown_unlock", "success")
			result.SuccessCount++
		case errors.Is(err, domain.ErrTargetGone):
			result.SkippedCount++
		default:
			c.metrics.RecordOp("lockdown_unlock", "failure")
			result.AddError(fmt.Errorf("channel %s: %w", id, err))
			remaining[id] = state.ChannelOverwrites[id]
		}
	}

	if len(remaining) > 0 {
		state.ChannelOverwrites = remaining
		state.FailedCount = len(remaining)
		if err := c.store.SaveLockdownState(ctx, state); err != nil {
			return result, fmt.Errorf("persist remaining overwrites: %w", err)
		}
		c.mu.Lock()
		c.active[guildID] = state
		c.mu.Unlock()
		c.logger.Warn("unlock incomplete", zap.String("guild_id", guildID), zap.Int("remaining", len(remaining)))
		return result, nil
	}

	if err := c.store.EndLockdown(ctx, guildID); err != nil {
		return result, fmt.Errorf("end lockdown: %w", err)
	}
	c.mu.Lock()
	delete(c.active, guildID)
	c.mu.Unlock()
	c.logger.Info("guild unlocked",
		zap.String("guild_id", guildID),
		zap.String("moderator_id", by),
		zap.String("reason", reason),
		zap.Int("restored", result.SuccessCount))
	return result, nil
}

// autoUnlock only unlocks the lockdown that scheduled it.
func (c *Coordinator) autoUnlock(guildID string, lockedAt time.Time) {
	ctx := context.Background()
	state, locked, err := c.state(ctx, guildID)
	if err != nil || !locked || state.LockedAt.Unix() != lockedAt.Unix() {
		return
	}
	result, err := c.Unlock(ctx, guildID, "", "automatic unlock")
	if err != nil {
		c.logger.Warn("auto-unlock failed", zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	c.logger.Info("auto-unlock finished", zap.String("guild_id", guildID), zap.Int("failed", result.FailedCount))
}

func (c *Coordinator) IsLocked(ctx context.Context, guildID string) bool {
	_, locked, err := c.state(ctx, guildID)
	if err != nil {
		c.logger.Warn("lockdown lookup failed", zap.String("guild_id", guildID), zap.Error(err))
	}
	return locked
}

func (c *Coordinator) State(ctx context.Context, guildID string) (domain.LockdownState, bool, error) {
	return c.state(ctx, guildID)
}
