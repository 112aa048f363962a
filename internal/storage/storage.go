package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"sentinel-guard/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

var migrateMu sync.Mutex

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

type GuildSettings struct {
	GuildID        string
	AlertChannelID string
	ModRoleID      string
	AutoLockdown   bool
}

func New(driver, dsn string) (*Store, error) {
	sqlDriver := "sqlite"
	if driver == DriverPostgres {
		sqlDriver = "pgx"
	} else {
		driver = DriverSQLite
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &Store{db: db, driver: driver, now: time.Now}, nil
}

func (s *Store) WithNow(now func() time.Time) {
	s.now = now
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := withRetry(ctx, func() error {
		var err error
		result, err = s.db.ExecContext(ctx, s.rebind(query), args...)
		return err
	})
	return result, err
}

func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT alert_channel_id, mod_role_id, auto_lockdown
		FROM guild_settings WHERE guild_id = ?`), guildID)

	result := defaults
	result.GuildID = guildID

	var alertChannel, modRole string
	var autoLockdown int
	err := row.Scan(&alertChannel, &modRole, &autoLockdown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildSettings{}, err
	}
	if alertChannel != "" {
		result.AlertChannelID = alertChannel
	}
	if modRole != "" {
		result.ModRoleID = modRole
	}
	result.AutoLockdown = autoLockdown == 1
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	_, err := s.exec(ctx, `
		INSERT INTO guild_settings (guild_id, alert_channel_id, mod_role_id, auto_lockdown, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			alert_channel_id = excluded.alert_channel_id,
			mod_role_id = excluded.mod_role_id,
			auto_lockdown = excluded.auto_lockdown,
			updated_at = excluded.updated_at
	`,
		settings.GuildID,
		settings.AlertChannelID,
		settings.ModRoleID,
		boolToInt(settings.AutoLockdown),
		s.now().Unix(),
	)
	return err
}

func (s *Store) RecordJoin(ctx context.Context, guildID, userID string, joinedAt time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO member_joins (guild_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO NOTHING
	`, guildID, userID, joinedAt.Unix())
	return err
}

func (s *Store) AddWarning(ctx context.Context, guildID, userID, moderatorID, reason string) error {
	_, err := s.exec(ctx, `
		INSERT INTO warnings (id, guild_id, user_id, moderator_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), guildID, userID, moderatorID, reason, s.now().Unix())
	return err
}

func (s *Store) SaveMute(ctx context.Context, guildID, userID string, expiresAt time.Time, reason string) error {
	_, err := s.exec(ctx, `
		INSERT INTO mutes (guild_id, user_id, expires_at, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			reason = excluded.reason,
			created_at = excluded.created_at
	`, guildID, userID, expiresAt.Unix(), reason, s.now().Unix())
	return err
}

func (s *Store) CleanupMutes(ctx context.Context) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM mutes WHERE expires_at < ?`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) AddIncident(ctx context.Context, incident domain.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO incidents (id, guild_id, user_id, moderator_id, kind, action, evidence, duration_seconds, violation_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		incident.ID,
		incident.GuildID,
		incident.UserID,
		incident.ModeratorID,
		incident.Kind,
		incident.Action,
		incident.Evidence,
		int64(incident.Duration/time.Second),
		incident.ViolationCount,
		incident.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) ListIncidents(ctx context.Context, guildID string, since time.Time) ([]domain.Incident, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, guild_id, user_id, moderator_id, kind, action, evidence, duration_seconds, violation_count, created_at
		FROM incidents
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`), guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		var duration, created int64
		if err := rows.Scan(&inc.ID, &inc.GuildID, &inc.UserID, &inc.ModeratorID, &inc.Kind, &inc.Action,
			&inc.Evidence, &duration, &inc.ViolationCount, &created); err != nil {
			return nil, err
		}
		inc.Duration = time.Duration(duration) * time.Second
		inc.CreatedAt = time.Unix(created, 0)
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *Store) CleanupIncidents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	result, err := s.exec(ctx, `DELETE FROM incidents WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
