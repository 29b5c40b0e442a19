package execution

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"blobkeeper/internal/binarydata"
)

// Store reads finished executions from postgres so their binary data can be
// swept. It never touches binary data itself.
type Store struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgres(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("datastore uri is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	return NewStore(db), nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS execution_entity (
    id TEXT PRIMARY KEY,
    finished BOOLEAN NOT NULL DEFAULT FALSE,
    started_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    stopped_at TIMESTAMP WITH TIME ZONE,
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_entity_stopped_at ON execution_entity(stopped_at);
`)
	})
	return s.schemaErr
}

// Insert stores an execution record. Used by tooling and tests.
func (s *Store) Insert(ctx context.Context, rec binarydata.ExecutionRecord, stoppedAt time.Time) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_entity (id, finished, stopped_at, data)
VALUES ($1, TRUE, $2, $3)
ON CONFLICT (id) DO UPDATE SET finished=EXCLUDED.finished, stopped_at=EXCLUDED.stopped_at, data=EXCLUDED.data
`, rec.ID, stoppedAt, string(rec.Data))
	return err
}

// ListPrunable returns up to limit finished executions that stopped before
// the cutoff, oldest first.
func (s *Store) ListPrunable(ctx context.Context, before time.Time, limit int) ([]binarydata.ExecutionRecord, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, data FROM execution_entity
WHERE finished = TRUE AND stopped_at < $1
ORDER BY stopped_at
LIMIT $2
`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []binarydata.ExecutionRecord
	for rows.Next() {
		var (
			id   string
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out = append(out, binarydata.ExecutionRecord{ID: id, Data: []byte(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes execution rows by id.
func (s *Store) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_entity WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
