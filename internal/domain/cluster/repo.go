package cluster

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrDuplicateCase marks a case insert that lost the (source_type,
// source_id) uniqueness race; the finding is already clustered somewhere.
var ErrDuplicateCase = errors.New("case already belongs to a cluster")

// Repository persists clusters and their case membership. Mutations that
// pair a cluster update with a case insert are atomic.
type Repository interface {
	CaseExists(ctx context.Context, sourceType, sourceID string) (bool, error)
	FindOpenCluster(ctx context.Context, infectionType, unit string) (*OutbreakCluster, error)
	CreateCluster(ctx context.Context, c *OutbreakCluster, first *ClusterCase) error
	UpdateClusterWithCase(ctx context.Context, c *OutbreakCluster, cs *ClusterCase) error
	GetCluster(ctx context.Context, id uuid.UUID) (*OutbreakCluster, error)
	UpdateStatus(ctx context.Context, c *OutbreakCluster) error
	ListOpen(ctx context.Context) ([]*OutbreakCluster, error)
}
