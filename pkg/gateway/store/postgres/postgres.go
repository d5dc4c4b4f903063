// Package postgres is the pgx-backed Store. Schema migrations are embedded
// and applied with goose on Open.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, pings, and migrates the schema to the latest version.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("postgres: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	status := rec.Status
	if status == "" {
		status = store.StatusActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interview_sessions (id, mode, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Mode, string(status), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) CloseSession(ctx context.Context, id string, status store.SessionStatus, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interview_sessions
		SET status = $2, reason = $3, closed_at = $4
		WHERE id = $1`,
		id, string(status), reason, at)
	if err != nil {
		return fmt.Errorf("postgres: close session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendTranscriptEntry is idempotent on (session_id, sequence).
func (s *Store) AppendTranscriptEntry(ctx context.Context, e transcript.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_entries (id, session_id, sequence, speaker, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, sequence) DO NOTHING`,
		e.ID, e.SessionID, e.Sequence, string(e.Speaker), e.Text, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append entry %s#%d: %w", e.SessionID, e.Sequence, err)
	}
	return nil
}

func (s *Store) ListTranscript(ctx context.Context, sessionID string, from int64) ([]transcript.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sequence, speaker, text, created_at
		FROM transcript_entries
		WHERE session_id = $1 AND sequence >= $2
		ORDER BY sequence`,
		sessionID, from)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transcript %s: %w", sessionID, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e       transcript.Entry
			speaker string
		)
		err := row.Scan(&e.ID, &e.SessionID, &e.Sequence, &speaker, &e.Text, &e.CreatedAt)
		e.Speaker = transcript.Speaker(speaker)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transcript %s: %w", sessionID, err)
	}
	if len(entries) == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (store.SessionRecord, error) {
	var (
		rec      store.SessionRecord
		status   string
		closedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, mode, status, reason, created_at, closed_at
		FROM interview_sessions WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Mode, &status, &rec.Reason, &rec.CreatedAt, &closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	rec.Status = store.SessionStatus(status)
	if closedAt != nil {
		rec.ClosedAt = *closedAt
	}
	return rec, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
