package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haiwatch/haiwatch/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed alert store. The alert table
// carries a unique index on (type, source_id).
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const alertCols = `id, type, source_id, severity, priority, title, summary, detail,
	patient_id, unit, infection_type, onset, status, created_at, updated_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var severity string
	err := row.Scan(&a.ID, &a.Type, &a.SourceID, &severity, &a.Priority, &a.Title, &a.Summary, &a.Detail,
		&a.PatientID, &a.Unit, &a.InfectionType, &a.Onset, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Severity, err = ParseSeverity(severity)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Exists(ctx context.Context, alertType, sourceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM alert WHERE type = $1 AND source_id = $2)`,
		alertType, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert existence: %w", err)
	}
	return exists, nil
}

func (r *repoPG) CreateWithAudit(ctx context.Context, alert *Alert, audit *AlertAudit) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = alert.CreatedAt
	if alert.Status == "" {
		alert.Status = StatusPending
	}
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	audit.AlertID = alert.ID
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = now
	}

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO alert (`+alertCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			alert.ID, alert.Type, alert.SourceID, alert.Severity.String(), alert.Priority,
			alert.Title, alert.Summary, alert.Detail,
			alert.PatientID, alert.Unit, alert.InfectionType, alert.Onset, alert.Status,
			alert.CreatedAt, alert.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO alert_audit (id, alert_id, action, actor, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			audit.ID, audit.AlertID, audit.Action, audit.Actor, audit.Note, audit.CreatedAt)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("create alert %s/%s: %w", alert.Type, alert.SourceID, err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertCols+` FROM alert WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

func (r *repoPG) UpdateStatusWithAudit(ctx context.Context, id uuid.UUID, status string, audit *AlertAudit) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	audit.AlertID = id
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE alert SET status = $1, updated_at = $2 WHERE id = $3`,
			status, audit.CreatedAt, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("alert %s not found", id)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO alert_audit (id, alert_id, action, actor, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			audit.ID, audit.AlertID, audit.Action, audit.Actor, audit.Note, audit.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("update alert %s status: %w", id, err)
	}
	return nil
}

func (r *repoPG) ListByTypeSince(ctx context.Context, alertType string, since time.Time) ([]*Alert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+alertCols+` FROM alert
		WHERE type = $1 AND created_at >= $2
		ORDER BY created_at ASC`, alertType, since)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
