package memory

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore persists call history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session SessionRecord, turns []TurnRecord) error {
	if session.ID == "" {
		return fmt.Errorf("save session: id is required")
	}
	prepared := prepareTurns(session, turns, time.Now().UTC())

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO call_sessions (id, persona_id, kind, started_at, ended_at, interruptions, recap)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			session.ID,
			session.PersonaID,
			session.Kind,
			session.StartedAt,
			session.EndedAt,
			session.Interruptions,
			session.Recap,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, t := range prepared {
			batch.Queue(
				`INSERT INTO call_turns (id, session_id, persona_id, sender, kind, content, pii_redacted, seq, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				t.ID, t.SessionID, t.PersonaID, t.Sender, t.Kind, t.Content, t.PIIRedacted, t.Seq, t.CreatedAt,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveRecap(ctx context.Context, sessionID, recap string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE call_sessions SET recap=$2 WHERE id=$1`, sessionID, recap)
	if err != nil {
		return fmt.Errorf("save recap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save recap: %w", ErrSessionNotFound)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, personaID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, persona_id, sender, kind, content, pii_redacted, seq, created_at
		 FROM call_turns WHERE persona_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		personaID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PersonaID, &r.Sender, &r.Kind, &r.Content, &r.PIIRedacted, &r.Seq, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, personaID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, persona_id, kind, started_at, ended_at, interruptions, recap
		 FROM call_sessions WHERE persona_id=$1 ORDER BY started_at DESC LIMIT $2`,
		personaID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRecord, 0, limit)
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.PersonaID, &r.Kind, &r.StartedAt, &r.EndedAt, &r.Interruptions, &r.Recap); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
