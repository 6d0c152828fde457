package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate marks an insert that lost the (type, source_id) uniqueness
// race. Callers treat it as success-as-no-op.
var ErrDuplicate = errors.New("alert already exists for source")

// Repository persists alerts and their audit trail. Writes that pair an
// alert mutation with an audit entry are atomic: both land or neither does.
type Repository interface {
	Exists(ctx context.Context, alertType, sourceID string) (bool, error)
	CreateWithAudit(ctx context.Context, alert *Alert, audit *AlertAudit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	UpdateStatusWithAudit(ctx context.Context, id uuid.UUID, status string, audit *AlertAudit) error
	ListByTypeSince(ctx context.Context, alertType string, since time.Time) ([]*Alert, error)
}
