package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haiwatch/haiwatch/internal/domain/alerts"
	"github.com/haiwatch/haiwatch/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed cluster store. cluster_case has a
// unique constraint on (source_type, source_id).
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const clusterCols = `id, infection_type, unit, case_count, first_case_at, last_case_at,
	window_days, status, severity, resolved_by, resolution_notes, resolved_at,
	created_at, updated_at`

func scanCluster(row pgx.Row) (*OutbreakCluster, error) {
	var c OutbreakCluster
	var severity string
	err := row.Scan(&c.ID, &c.InfectionType, &c.Unit, &c.CaseCount, &c.FirstCaseAt, &c.LastCaseAt,
		&c.WindowDays, &c.Status, &severity, &c.ResolvedBy, &c.ResolutionNotes, &c.ResolvedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Severity, err = alerts.ParseSeverity(severity)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) CaseExists(ctx context.Context, sourceType, sourceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM cluster_case WHERE source_type = $1 AND source_id = $2)`,
		sourceType, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check cluster case: %w", err)
	}
	return exists, nil
}

func (r *repoPG) FindOpenCluster(ctx context.Context, infectionType, unit string) (*OutbreakCluster, error) {
	c, err := scanCluster(r.pool.QueryRow(ctx, `
		SELECT `+clusterCols+` FROM outbreak_cluster
		WHERE infection_type = $1 AND unit = $2 AND status IN ('active', 'investigating')
		ORDER BY last_case_at DESC
		LIMIT 1`, infectionType, unit))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open cluster %s/%s: %w", infectionType, unit, err)
	}
	return c, nil
}

func (r *repoPG) CreateCluster(ctx context.Context, c *OutbreakCluster, first *ClusterCase) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	first.ClusterID = c.ID
	if first.ID == uuid.Nil {
		first.ID = uuid.New()
	}
	first.CreatedAt = now

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbreak_cluster (`+clusterCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			c.ID, c.InfectionType, c.Unit, c.CaseCount, c.FirstCaseAt, c.LastCaseAt,
			c.WindowDays, c.Status, c.Severity.String(), c.ResolvedBy, c.ResolutionNotes, c.ResolvedAt,
			c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return err
		}
		return insertCase(ctx, tx, first)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCase
		}
		return fmt.Errorf("create cluster %s/%s: %w", c.InfectionType, c.Unit, err)
	}
	return nil
}

func (r *repoPG) UpdateClusterWithCase(ctx context.Context, c *OutbreakCluster, cs *ClusterCase) error {
	cs.ClusterID = c.ID
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	now := time.Now().UTC()
	cs.CreatedAt = now
	c.UpdatedAt = now

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE outbreak_cluster
			SET case_count = $1, first_case_at = $2, last_case_at = $3, severity = $4, updated_at = $5
			WHERE id = $6`,
			c.CaseCount, c.FirstCaseAt, c.LastCaseAt, c.Severity.String(), c.UpdatedAt, c.ID)
		if err != nil {
			return err
		}
		return insertCase(ctx, tx, cs)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCase
		}
		return fmt.Errorf("append case to cluster %s: %w", c.ID, err)
	}
	return nil
}

func (r *repoPG) GetCluster(ctx context.Context, id uuid.UUID) (*OutbreakCluster, error) {
	c, err := scanCluster(r.pool.QueryRow(ctx, `SELECT `+clusterCols+` FROM outbreak_cluster WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	return c, nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, c *OutbreakCluster) error {
	c.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbreak_cluster
		SET status = $1, resolved_by = $2, resolution_notes = $3, resolved_at = $4, updated_at = $5
		WHERE id = $6`,
		c.Status, c.ResolvedBy, c.ResolutionNotes, c.ResolvedAt, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update cluster %s status: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cluster %s not found", c.ID)
	}
	return nil
}

func (r *repoPG) ListOpen(ctx context.Context) ([]*OutbreakCluster, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+clusterCols+` FROM outbreak_cluster
		WHERE status IN ('active', 'investigating')
		ORDER BY last_case_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list open clusters: %w", err)
	}
	defer rows.Close()

	var out []*OutbreakCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func insertCase(ctx context.Context, tx pgx.Tx, cs *ClusterCase) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cluster_case (id, cluster_id, source_type, source_id, patient_id, case_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		cs.ID, cs.ClusterID, cs.SourceType, cs.SourceID, cs.PatientID, cs.CaseAt, cs.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
