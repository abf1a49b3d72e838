package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

// SessionRecord is one persisted credential bundle keyed by phone number.
type SessionRecord struct {
	Number    string          `db:"number"`
	Creds     json.RawMessage `db:"creds"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// SessionRepo stores credential bundles in the sessions table.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo returns a repository backed by the given connection pool.
func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Save upserts the credential bundle for a number.
func (r *SessionRepo) Save(ctx context.Context, number string, creds json.RawMessage) error {
	start := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (number, creds, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (number)
		DO UPDATE SET creds = EXCLUDED.creds, updated_at = now()`,
		number, creds,
	)
	if err != nil {
		logger.Error(ctx, "db", "sessions.save",
			slog.String("status", "fail"),
			slog.String("number", number),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("save session %s: %w", number, err)
	}
	logger.Debug(ctx, "db", "sessions.save",
		slog.String("status", "ok"),
		slog.String("number", number),
		slog.Int("bytes", len(creds)),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
	return nil
}

// Get returns the credential bundle for a number, or nil when absent.
func (r *SessionRepo) Get(ctx context.Context, number string) (json.RawMessage, error) {
	var rec SessionRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT number, creds, updated_at FROM sessions WHERE number = $1`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", number, err)
	}
	return rec.Creds, nil
}

// Numbers returns every persisted session id, used to rebuild connections
// on boot.
func (r *SessionRepo) Numbers(ctx context.Context) ([]string, error) {
	var numbers []string
	err := r.db.SelectContext(ctx, &numbers,
		`SELECT number FROM sessions ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return numbers, nil
}

// Delete removes the credential bundle for a number. Missing rows are not an error.
func (r *SessionRepo) Delete(ctx context.Context, number string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE number = $1`, number)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", number, err)
	}
	affected, _ := res.RowsAffected()
	logger.Info(ctx, "db", "sessions.delete",
		slog.String("status", "ok"),
		slog.String("number", number),
		slog.Int64("count", affected),
	)
	return nil
}
