package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sentinel-guard/internal/domain"
)

// GetViolationCount returns the live count for one kind, or the total across kinds when kind is empty.
func (s *Store) GetViolationCount(ctx context.Context, guildID, userID string, kind domain.ViolationKind) (int, error) {
	query := `SELECT COALESCE(SUM(violation_count), 0) FROM spam_violations WHERE guild_id = ? AND user_id = ?`
	args := []any{guildID, userID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}

	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return count, nil
}

func (s *Store) IncrementViolation(ctx context.Context, guildID, userID string, kind domain.ViolationKind) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, s.rebind(`
			INSERT INTO spam_violations (guild_id, user_id, kind, violation_count, last_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(guild_id, user_id, kind) DO UPDATE SET
				violation_count = spam_violations.violation_count + 1,
				last_at = excluded.last_at
			RETURNING violation_count
		`), guildID, userID, string(kind), s.now().Unix()).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DecayViolations lowers every count idle for longer than maxAge by one and drops exhausted rows.
// last_at is moved forward so each row decays at most once per maxAge.
func (s *Store) DecayViolations(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-maxAge).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE spam_violations SET violation_count = violation_count - 1, last_at = ?
		WHERE last_at < ?
	`), now.Unix(), cutoff)
	if err != nil {
		return 0, err
	}
	decayed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM spam_violations WHERE violation_count <= 0`); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int(decayed), nil
}

func (s *Store) GetUserAggregates(ctx context.Context, guildID, userID string) (domain.UserAggregates, error) {
	var agg domain.UserAggregates

	var joinedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT joined_at FROM member_joins WHERE guild_id = ? AND user_id = ?
	`), guildID, userID).Scan(&joinedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return agg, err
	}
	if joinedAt.Valid {
		days := s.now().Sub(time.Unix(joinedAt.Int64, 0)).Hours() / 24
		agg.TenureDays = max(0, days)
	}

	if agg.ViolationCount, err = s.GetViolationCount(ctx, guildID, userID, ""); err != nil {
		return agg, err
	}

	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM warnings WHERE guild_id = ? AND user_id = ?
	`), guildID, userID).Scan(&agg.WarningCount)
	if err != nil {
		return agg, err
	}
	return agg, nil
}
