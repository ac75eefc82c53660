package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
)

// DB is the database/sql subset the repository needs, satisfied by *sql.DB.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore keeps ledger records in a single table. Every write is one
// upsert statement: stage monotonicity and started-at preservation are
// resolved inside the statement, so interrupted writers never leave a
// half-applied transition.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PostgresStore{db: db}, nil
}

func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_ledger (
			subject      TEXT PRIMARY KEY,
			entry        TEXT NOT NULL,
			stage        TEXT NOT NULL,
			stage_ord    INT  NOT NULL,
			owner_run_id TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure pipeline_ledger: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, subject string) (Record, bool, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Record{}, false, errors.New("subject is required")
	}

	var (
		rec    Record
		stage  string
		status string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT subject, entry, stage, owner_run_id, status, started_at, updated_at
		 FROM pipeline_ledger
		 WHERE subject = $1`,
		subject,
	).Scan(&rec.Subject, &rec.Entry, &stage, &rec.OwnerRunID, &status, &rec.StartedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get ledger record: %w", err)
	}

	rec.Stage = domain.Stage(stage)
	parsed, err := domain.ParseLedgerStatus(status)
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger record %s: %w", subject, err)
	}
	rec.Status = parsed
	rec.StartedAt = rec.StartedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, true, nil
}

// Apply upserts the transition. For the same entry the stage never moves
// backwards and started_at is preserved; a different entry replaces the
// record wholesale.
func (s *PostgresStore) Apply(ctx context.Context, t Transition) (Record, error) {
	if err := validateTransition(t); err != nil {
		return Record{}, err
	}
	now := time.Now().UTC()

	var (
		rec    Record
		stage  string
		status string
	)
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO pipeline_ledger (subject, entry, stage, stage_ord, owner_run_id, status, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (subject) DO UPDATE SET
			entry        = EXCLUDED.entry,
			stage        = CASE WHEN pipeline_ledger.entry <> EXCLUDED.entry
			                      OR EXCLUDED.stage_ord >= pipeline_ledger.stage_ord
			                    THEN EXCLUDED.stage ELSE pipeline_ledger.stage END,
			stage_ord    = CASE WHEN pipeline_ledger.entry <> EXCLUDED.entry
			                      OR EXCLUDED.stage_ord >= pipeline_ledger.stage_ord
			                    THEN EXCLUDED.stage_ord ELSE pipeline_ledger.stage_ord END,
			owner_run_id = EXCLUDED.owner_run_id,
			status       = EXCLUDED.status,
			started_at   = CASE WHEN pipeline_ledger.entry <> EXCLUDED.entry
			                    THEN EXCLUDED.started_at ELSE pipeline_ledger.started_at END,
			updated_at   = EXCLUDED.updated_at
		 RETURNING subject, entry, stage, owner_run_id, status, started_at, updated_at`,
		t.Subject,
		t.Entry,
		string(t.Stage),
		t.Stage.Index(),
		t.OwnerRunID,
		string(t.Status),
		now,
	).Scan(&rec.Subject, &rec.Entry, &stage, &rec.OwnerRunID, &status, &rec.StartedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("apply ledger transition: %w", err)
	}

	rec.Stage = domain.Stage(stage)
	rec.Status = domain.LedgerStatus(status)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return errors.New("subject is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_ledger WHERE subject = $1`, subject); err != nil {
		return fmt.Errorf("delete ledger record: %w", err)
	}
	return nil
}

// PurgeCompleted removes completed records whose last update is older than
// the retention window. Returns the number of purged subjects.
func (s *PostgresStore) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be positive")
	}
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM pipeline_ledger WHERE status = $1 AND updated_at < $2`,
		string(domain.LedgerCompleted),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge completed records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func validateTransition(t Transition) error {
	if strings.TrimSpace(t.Subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(t.Entry) == "" {
		return errors.New("entry is required")
	}
	if !t.Stage.Known() {
		return fmt.Errorf("unknown stage: %q", t.Stage)
	}
	if _, err := domain.ParseLedgerStatus(string(t.Status)); err != nil {
		return err
	}
	return nil
}
