package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed ledger. The processing_log table
// carries a unique constraint on (source_type, source_id); that constraint,
// not an external lock, is what serializes concurrent marks.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) AlreadyProcessed(ctx context.Context, sourceType, sourceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM processing_log WHERE source_type = $1 AND source_id = $2
		)`, sourceType, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processing log: %w", err)
	}
	return exists, nil
}

func (r *repoPG) MarkProcessed(ctx context.Context, entry *Entry) error {
	if !entry.Outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", entry.Outcome)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	// ON CONFLICT DO NOTHING: a concurrent duplicate is "already
	// processed", never an error.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_log (id, source_type, source_id, outcome, detail, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		entry.ID, entry.SourceType, entry.SourceID, string(entry.Outcome), entry.Detail, entry.ProcessedAt)
	if err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", entry.SourceType, entry.SourceID, err)
	}
	return nil
}

func (r *repoPG) GetEntry(ctx context.Context, sourceType, sourceID string) (*Entry, error) {
	var e Entry
	var outcome string
	err := r.pool.QueryRow(ctx, `
		SELECT id, source_type, source_id, outcome, detail, processed_at
		FROM processing_log
		WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID).
		Scan(&e.ID, &e.SourceType, &e.SourceID, &outcome, &e.Detail, &e.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s/%s: %w", sourceType, sourceID, err)
	}
	e.Outcome = Outcome(outcome)
	return &e, nil
}

func (r *repoPG) CountBySource(ctx context.Context, sourceType string, since time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_log
		WHERE source_type = $1 AND processed_at >= $2`,
		sourceType, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return count, nil
}
