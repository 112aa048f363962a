package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"sentinel-guard/internal/domain"
)

func (s *Store) SaveLockdownState(ctx context.Context, state domain.LockdownState) error {
	overwrites, err := json.Marshal(state.ChannelOverwrites)
	if err != nil {
		return fmt.Errorf("encode overwrites: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO lockdown_state (guild_id, everyone_role_id, mod_role_id, locked_by, locked_at, reason, success_count, failed_count, channel_overwrites)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			everyone_role_id = excluded.everyone_role_id,
			mod_role_id = excluded.mod_role_id,
			locked_by = excluded.locked_by,
			locked_at = excluded.locked_at,
			reason = excluded.reason,
			success_count = excluded.success_count,
			failed_count = excluded.failed_count,
			channel_overwrites = excluded.channel_overwrites
	`,
		state.GuildID,
		state.EveryoneRoleID,
		state.ModRoleID,
		state.LockedBy,
		state.LockedAt.Unix(),
		state.Reason,
		state.SuccessCount,
		state.FailedCount,
		string(overwrites),
	)
	return err
}

func (s *Store) GetLockdownState(ctx context.Context, guildID string) (domain.LockdownState, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT everyone_role_id, mod_role_id, locked_by, locked_at, reason, success_count, failed_count, channel_overwrites
		FROM lockdown_state WHERE guild_id = ?
	`), guildID)

	state := domain.LockdownState{GuildID: guildID}
	var lockedAt int64
	var overwrites string
	err := row.Scan(&state.EveryoneRoleID, &state.ModRoleID, &state.LockedBy, &lockedAt, &state.Reason,
		&state.SuccessCount, &state.FailedCount, &overwrites)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LockdownState{}, false, nil
		}
		return domain.LockdownState{}, false, err
	}
	state.LockedAt = time.Unix(lockedAt, 0)
	if err := json.Unmarshal([]byte(overwrites), &state.ChannelOverwrites); err != nil {
		return domain.LockdownState{}, false, fmt.Errorf("decode overwrites: %w", err)
	}
	return state, true, nil
}

func (s *Store) EndLockdown(ctx context.Context, guildID string) error {
	_, err := s.exec(ctx, `DELETE FROM lockdown_state WHERE guild_id = ?`, guildID)
	return err
}

func (s *Store) SaveQuarantineBackup(ctx context.Context, state domain.QuarantineState) error {
	backup, err := json.Marshal(state.Backup)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO quarantine_backup (guild_id, reason, started_at, backup)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			reason = excluded.reason,
			started_at = excluded.started_at,
			backup = excluded.backup
	`, state.GuildID, state.Reason, state.StartedAt.Unix(), string(backup))
	return err
}

func (s *Store) GetQuarantineBackup(ctx context.Context, guildID string) (domain.QuarantineState, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT reason, started_at, backup FROM quarantine_backup WHERE guild_id = ?
	`), guildID)

	state := domain.QuarantineState{GuildID: guildID}
	var startedAt int64
	var backup string
	if err := row.Scan(&state.Reason, &startedAt, &backup); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QuarantineState{}, false, nil
		}
		return domain.QuarantineState{}, false, err
	}
	state.StartedAt = time.Unix(startedAt, 0)
	if err := json.Unmarshal([]byte(backup), &state.Backup); err != nil {
		return domain.QuarantineState{}, false, fmt.Errorf("decode backup: %w", err)
	}
	return state, true, nil
}

func (s *Store) ClearQuarantineBackup(ctx context.Context, guildID string) error {
	_, err := s.exec(ctx, `DELETE FROM quarantine_backup WHERE guild_id = ?`, guildID)
	return err
}
