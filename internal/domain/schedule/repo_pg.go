package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postop/recovery/internal/domain/protocol"
	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

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

const instanceCols = `id, patient_id, template_id, assignment_id, scheduled_date, recovery_day,
	status, started_at, completed_at, response, task_type, title, required, dependencies,
	triggers, created_at, updated_at`

var copyCols = []string{"id", "patient_id", "template_id", "assignment_id", "scheduled_date",
	"recovery_day", "status", "task_type", "title", "required", "dependencies", "triggers"}

func (r *repoPG) scanInstance(row pgx.Row) (*TaskInstance, error) {
	var t TaskInstance
	var response []byte
	err := row.Scan(&t.ID, &t.PatientID, &t.TemplateID, &t.AssignmentID, &t.ScheduledDate,
		&t.RecoveryDay, &t.Status, &t.StartedAt, &t.CompletedAt, &response, &t.TaskType,
		&t.Title, &t.Required, &t.Dependencies, &t.Triggers, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(response) > 0 {
		t.Response = json.RawMessage(response)
	}
	t.ScheduledDate = r.anchor.FromCivil(t.ScheduledDate)
	return &t, nil
}

func (r *repoPG) collect(rows pgx.Rows, err error) ([]*TaskInstance, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TaskInstance
	for rows.Next() {
		t, err := r.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateBatch(ctx context.Context, instances []*TaskInstance) (int64, error) {
	rows := make([][]interface{}, 0, len(instances))
	for _, t := range instances {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		deps := t.Dependencies
		if deps == nil {
			deps = []uuid.UUID{}
		}
		triggers := t.Triggers
		if triggers == nil {
			triggers = []protocol.Trigger{}
		}
		rows = append(rows, []interface{}{t.ID, t.PatientID, t.TemplateID, t.AssignmentID,
			t.ScheduledDate, t.RecoveryDay, t.Status, string(t.TaskType), t.Title, t.Required,
			deps, triggers})
	}
	n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"task_instance"}, copyCols, pgx.CopyFromRows(rows))
	if err != nil {
		return n, err
	}
	if n != int64(len(instances)) {
		return n, fmt.Errorf("copied %d of %d task instances", n, len(instances))
	}
	return n, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*TaskInstance, error) {
	return r.scanInstance(r.conn(ctx).QueryRow(ctx, `SELECT `+instanceCols+` FROM task_instance WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f Filter) ([]*TaskInstance, error) {
	query := `SELECT ` + instanceCols + ` FROM task_instance WHERE patient_id = $1`
	args := []interface{}{patientID}
	idx := 2

	if f.AssignmentID != nil {
		query += fmt.Sprintf(` AND assignment_id = $%d`, idx)
		args = append(args, *f.AssignmentID)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.FromDay != nil {
		query += fmt.Sprintf(` AND recovery_day >= $%d`, idx)
		args = append(args, *f.FromDay)
		idx++
	}
	if f.ToDay != nil {
		query += fmt.Sprintf(` AND recovery_day <= $%d`, idx)
		args = append(args, *f.ToDay)
	}
	query += ` ORDER BY scheduled_date, template_id`
	return r.collect(r.conn(ctx).Query(ctx, query, args...))
}

func (r *repoPG) ListByDate(ctx context.Context, patientID uuid.UUID, date time.Time) ([]*TaskInstance, error) {
	return r.collect(r.conn(ctx).Query(ctx, `SELECT `+instanceCols+` FROM task_instance
		WHERE patient_id = $1 AND scheduled_date = $2 ORDER BY template_id`, patientID, date))
}

func (r *repoPG) ListCompleted(ctx context.Context, patientID uuid.UUID, until time.Time) ([]*TaskInstance, error) {
	return r.collect(r.conn(ctx).Query(ctx, `SELECT `+instanceCols+` FROM task_instance
		WHERE patient_id = $1 AND status = 'completed' AND scheduled_date <= $2
		ORDER BY scheduled_date, template_id`, patientID, until))
}

func (r *repoPG) Start(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_instance SET status = 'in_progress', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *repoPG) Complete(ctx context.Context, id uuid.UUID, at time.Time, response json.RawMessage) error {
	var resp interface{}
	if len(response) > 0 {
		resp = string(response)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_instance SET status = 'completed', completed_at = $2, response = $3::jsonb,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'in_progress')`, id, at, resp)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *repoPG) DiscontinueOpen(ctx context.Context, assignmentID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_instance SET status = 'discontinued', updated_at = NOW()
		WHERE assignment_id = $1 AND status IN ('pending', 'in_progress')`, assignmentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) DiscontinueOpenFrom(ctx context.Context, assignmentID uuid.UUID, from time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_instance SET status = 'discontinued', updated_at = NOW()
		WHERE assignment_id = $1 AND status IN ('pending', 'in_progress') AND scheduled_date >= $2`,
		assignmentID, r.anchor.Day(from))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) ShiftSchedule(ctx context.Context, assignmentID uuid.UUID, days int) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE task_instance SET scheduled_date = scheduled_date + $2::int, updated_at = NOW()
		WHERE assignment_id = $1`, assignmentID, days)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
