package ledger

import (
	"context"
	"time"
)

// Repository is the processing-ledger contract. MarkProcessed on an
// already-present key is a no-op, not an error: a duplicate write under
// concurrency means someone else already handled the record.
type Repository interface {
	AlreadyProcessed(ctx context.Context, sourceType, sourceID string) (bool, error)
	MarkProcessed(ctx context.Context, entry *Entry) error
	GetEntry(ctx context.Context, sourceType, sourceID string) (*Entry, error)
	CountBySource(ctx context.Context, sourceType string, since time.Time) (int64, error)
}
