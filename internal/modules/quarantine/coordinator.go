package quarantine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel-guard/internal/domain"
	"sentinel-guard/internal/utils"
)

type RoleEditor interface {
	GuildRoles(ctx context.Context, guildID string) (domain.GuildRoles, error)
	SetRolePermissions(ctx context.Context, guildID, roleID string, permissions int64) error
}

type Store interface {
	SaveQuarantineBackup(ctx context.Context, state domain.QuarantineState) error
	GetQuarantineBackup(ctx context.Context, guildID string) (domain.QuarantineState, bool, error)
	ClearQuarantineBackup(ctx context.Context, guildID string) error
}

type Metrics interface {
	RecordOp(op, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordOp(string, string) {}

type Coordinator struct {
	editor    RoleEditor
	store     Store
	fanout    *utils.Fanout
	dangerous int64
	logger    *zap.Logger
	metrics   Metrics
	now       func() time.Time

	mu     sync.Mutex
	active map[string]domain.QuarantineState
	busy   map[string]struct{}
}

func New(editor RoleEditor, store Store, fanout *utils.Fanout, dangerousPermissions []string, logger *zap.Logger) *Coordinator {
	logger = logger.Named("quarantine")
	mask, unknown := utils.PermissionMask(dangerousPermissions)
	if len(unknown) > 0 {
		logger.Warn("unknown dangerous permissions ignored", zap.Strings("names", unknown))
	}
	return &Coordinator{
		editor:    editor,
		store:     store,
		fanout:    fanout,
		dangerous: mask,
		logger:    logger,
		metrics:   nopMetrics{},
		now:       time.Now,
		active:    make(map[string]domain.QuarantineState),
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

func (c *Coordinator) setActive(state domain.QuarantineState) {
	c.mu.Lock()
	c.active[state.GuildID] = state
	c.mu.Unlock()
}

func (c *Coordinator) clearActive(guildID string) {
	c.mu.Lock()
	delete(c.active, guildID)
	c.mu.Unlock()
}

func (c *Coordinator) lookup(ctx context.Context, guildID string) (domain.QuarantineState, bool, bool, error) {
	c.mu.Lock()
	memory, inMemory := c.active[guildID]
	c.mu.Unlock()

	stored, found, err := c.store.GetQuarantineBackup(ctx, guildID)
	if err != nil {
		return domain.QuarantineState{}, inMemory, false, fmt.Errorf("load quarantine backup: %w", err)
	}
	if found {
		return stored, inMemory, true, nil
	}
	return memory, inMemory, false, nil
}

// Trigger strips dangerous permissions from every role except the owner's top role and the bot's role.
// The backup is persisted before any role is edited.
func (c *Coordinator) Trigger(ctx context.Context, guildID, reason string) (domain.OperationResult, error) {
	if !c.claim(guildID) {
		return domain.OperationResult{}, domain.ErrAlreadyQuarantined
	}
	defer c.release(guildID)

	_, inMemory, stored, err := c.lookup(ctx, guildID)
	if err != nil {
		return domain.OperationResult{}, err
	}
	if inMemory || stored {
		return domain.OperationResult{}, domain.ErrAlreadyQuarantined
	}

	roles, err := c.editor.GuildRoles(ctx, guildID)
	if err != nil {
		return domain.OperationResult{}, fmt.Errorf("list roles: %w", err)
	}

	state := domain.QuarantineState{
		GuildID:   guildID,
		Backup:    make(map[string]int64),
		Reason:    reason,
		StartedAt: c.now(),
	}
	var result domain.OperationResult
	var targets []domain.Role
	for _, role := range roles.Roles {
		if role.ID == roles.OwnerTopRoleID || role.ID == roles.BotRoleID || role.Permissions&c.dangerous == 0 {
			result.SkippedCount++
			continue
		}
		state.Backup[role.ID] = role.Permissions
		targets = append(targets, role)
	}

	if err := c.store.SaveQuarantineBackup(ctx, state); err != nil {
		return domain.OperationResult{}, fmt.Errorf("persist quarantine backup: %w", err)
	}
	c.setActive(state)

	errs := c.fanout.Run(ctx, len(targets), func(ctx context.Context, i int) error {
		role := targets[i]
		return c.editor.SetRolePermissions(ctx, guildID, role.ID, role.Permissions&^c.dangerous)
	})
	for i, err := range errs {
		if err != nil {
			c.metrics.RecordOp("quarantine_strip", "failure")
			result.AddError(fmt.Errorf("role %s: %w", targets[i].Name, err))
			continue
		}
		c.metrics.RecordOp("quarantine_strip", "success")
		result.SuccessCount++
	}

	c.logger.Warn("guild quarantined",
		zap.String("guild_id", guildID),
		zap.String("reason", reason),
		zap.Int("success", result.SuccessCount),
		zap.Int("failed", result.FailedCount))
	return result, nil
}

// Lift restores every backed-up role. Roles that fail to restore stay in the backup and the guild stays quarantined.
func (c *Coordinator) Lift(ctx context.Context, guildID string) (domain.OperationResult, error) {
	if !c.claim(guildID) {
		return domain.OperationResult{}, domain.ErrBusy
	}
	defer c.release(guildID)

	state, inMemory, stored, err := c.lookup(ctx, guildID)
	if err != nil {
		return domain.OperationResult{}, err
	}
	if !stored {
		if inMemory {
			c.logger.Error("quarantine backup missing", zap.String("guild_id", guildID))
			return domain.OperationResult{}, domain.ErrBackupMissing
		}
		return domain.OperationResult{}, domain.ErrNotQuarantined
	}

	roleIDs := make([]string, 0, len(state.Backup))
	for roleID := range state.Backup {
		roleIDs = append(roleIDs, roleID)
	}
	sort.Strings(roleIDs)

	errs := c.fanout.Run(ctx, len(roleIDs), func(ctx context.Context, i int) error {
		return c.editor.SetRolePermissions(ctx, guildID, roleIDs[i], state.Backup[roleIDs[i]])
	})

	var result domain.OperationResult
	remaining := make(map[string]int64)
	for i, err := range errs {
		roleID := roleIDs[i]
		switch {
		case err == nil:
			c.metrics.RecordOp("quarantine_restore", "success")
			result.SuccessCount++
		case errors.Is(err, domain.ErrTargetGone):
			result.SkippedCount++
		default:
			c.metrics.RecordOp("quarantine_restore", "failure")
			result.AddError(fmt.Errorf("role %s: %w", roleID, err))
			remaining[roleID] = state.Backup[roleID]
		}
	}

	if len(remaining) > 0 {
		state.Backup = remaining
		if err := c.store.SaveQuarantineBackup(ctx, state); err != nil {
			return result, fmt.Errorf("persist remaining backup: %w", err)
		}
		c.setActive(state)
		c.logger.Warn("quarantine lift incomplete",
			zap.String("guild_id", guildID),
			zap.Int("remaining", len(remaining)))
		return result, nil
	}

	if err := c.store.ClearQuarantineBackup(ctx, guildID); err != nil {
		return result, fmt.Errorf("clear quarantine backup: %w", err)
	}
	c.clearActive(guildID)
	c.logger.Info("quarantine lifted", zap.String("guild_id", guildID), zap.Int("restored", result.SuccessCount))
	return result, nil
}

func (c *Coordinator) IsQuarantined(ctx context.Context, guildID string) bool {
	state, inMemory, stored, err := c.lookup(ctx, guildID)
	if err != nil {
		c.logger.Warn("quarantine lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		return inMemory
	}
	if stored && !inMemory {
		c.setActive(state)
	}
	return inMemory || stored
}
