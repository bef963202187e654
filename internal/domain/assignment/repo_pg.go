package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgUniqueViolation is the SQLSTATE raised by the active-assignment index.
const pgUniqueViolation = "23505"

type repoPG struct {
	pool   *pgxpool.Pool
	anchor timeline.Anchor
}

func NewRepoPG(pool *pgxpool.Pool, anchor timeline.Anchor) Repository {
	return &repoPG{pool: pool, anchor: anchor}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const assignmentCols = `id, patient_id, protocol_id, protocol_version, surgery_date, surgery_confirmed,
	status, instance_count, assigned_by, discontinued_at, completed_at, superseded_by,
	created_at, updated_at`

func (r *repoPG) scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.PatientID, &a.ProtocolID, &a.ProtocolVersion, &a.SurgeryDate,
		&a.SurgeryConfirmed, &a.Status, &a.InstanceCount, &a.AssignedBy, &a.DiscontinuedAt,
		&a.CompletedAt, &a.SupersededBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.SurgeryDate = r.anchor.FromCivil(a.SurgeryDate)
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Assignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO protocol_assignment (id, patient_id, protocol_id, protocol_version,
			surgery_date, surgery_confirmed, status, instance_count, assigned_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.ProtocolID, a.ProtocolVersion, a.SurgeryDate,
		a.SurgeryConfirmed, a.Status, a.InstanceCount, a.AssignedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyAssigned
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return r.scanAssignment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM protocol_assignment WHERE id = $1`, id))
}

// GetActive locks the active row when called inside a transaction so that
// concurrent reassignments queue behind each other.
func (r *repoPG) GetActive(ctx context.Context, patientID uuid.UUID) (*Assignment, error) {
	query := `SELECT ` + assignmentCols + ` FROM protocol_assignment
		WHERE patient_id = $1 AND status = 'active'`
	if db.TxFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}
	return r.scanAssignment(r.conn(ctx).QueryRow(ctx, query, patientID))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignmentCols+` FROM protocol_assignment
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// transition updates an active assignment; anything else reports
// ErrNotActive or ErrAssignmentNotFound.
func (r *repoPG) transition(ctx context.Context, id uuid.UUID, set string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE protocol_assignment SET `+set+`, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrNotActive
}

func (r *repoPG) Discontinue(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.transition(ctx, id, `status = 'discontinued', discontinued_at = $2`, at)
}

func (r *repoPG) Complete(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.transition(ctx, id, `status = 'completed', completed_at = $2`, at)
}

func (r *repoPG) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, `status = 'failed'`)
}

func (r *repoPG) SetSupersededBy(ctx context.Context, id, by uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE protocol_assignment SET superseded_by = $2, updated_at = NOW()
		WHERE id = $1`, id, by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

func (r *repoPG) SetSurgeryDate(ctx context.Context, id uuid.UUID, date time.Time) error {
	return r.transition(ctx, id, `surgery_date = $2`, date)
}

func (r *repoPG) ConfirmSurgery(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, `surgery_confirmed = TRUE`)
}
