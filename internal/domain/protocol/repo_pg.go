package protocol

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postop/recovery/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const protocolCols = `id, name, description, surgery_types, timeline_start, timeline_end,
	is_active, version, created_at, updated_at`

const templateCols = `id, protocol_id, type, title, description, content, required,
	recurrence, dependencies, triggers, position`

func (r *repoPG) scanProtocol(row pgx.Row) (*Protocol, error) {
	var p Protocol
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SurgeryTypes,
		&p.TimelineStart, &p.TimelineEnd, &p.IsActive, &p.Version,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProtocolNotFound
	}
	return &p, err
}

func (r *repoPG) scanTemplate(row pgx.Row) (TaskTemplate, error) {
	var t TaskTemplate
	err := row.Scan(&t.ID, &t.ProtocolID, &t.Type, &t.Title, &t.Description,
		&t.Content, &t.Required, &t.Recurrence, &t.Dependencies, &t.Triggers,
		&t.Position)
	return t, err
}

// withTx runs fn in the caller's transaction when there is one, otherwise in
// a new one.
func (r *repoPG) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, r.pool, fn)
}

func (r *repoPG) Create(ctx context.Context, p *Protocol) error {
	p.ID = uuid.New()
	if p.Version == 0 {
		p.Version = 1
	}
	if p.SurgeryTypes == nil {
		p.SurgeryTypes = []string{}
	}
	return r.withTx(ctx, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO protocol (id, name, description, surgery_types, timeline_start,
				timeline_end, is_active, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING created_at, updated_at`,
			p.ID, p.Name, p.Description, p.SurgeryTypes, p.TimelineStart,
			p.TimelineEnd, p.IsActive, p.Version).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return err
		}
		return r.insertTemplates(ctx, p)
	})
}

func (r *repoPG) insertTemplates(ctx context.Context, p *Protocol) error {
	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.ProtocolID = p.ID
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		deps := t.Dependencies
		if deps == nil {
			deps = []uuid.UUID{}
		}
		triggers := t.Triggers
		if triggers == nil {
			triggers = []Trigger{}
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO task_template (`+templateCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			t.ID, t.ProtocolID, t.Type, t.Title, t.Description, t.Content,
			t.Required, t.Recurrence, deps, triggers, t.Position)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) loadTemplates(ctx context.Context, p *Protocol) error {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+templateCols+` FROM task_template
		WHERE protocol_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	p.Tasks = nil
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return err
		}
		p.Tasks = append(p.Tasks, t)
	}
	return rows.Err()
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Protocol, error) {
	p, err := r.scanProtocol(r.conn(ctx).QueryRow(ctx, `SELECT `+protocolCols+` FROM protocol WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return p, r.loadTemplates(ctx, p)
}

func (r *repoPG) GetByName(ctx context.Context, name string) (*Protocol, error) {
	p, err := r.scanProtocol(r.conn(ctx).QueryRow(ctx, `SELECT `+protocolCols+` FROM protocol WHERE name = $1`, name))
	if err != nil {
		return nil, err
	}
	return p, r.loadTemplates(ctx, p)
}

func (r *repoPG) Update(ctx context.Context, p *Protocol) error {
	return r.withTx(ctx, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE protocol SET name=$2, description=$3, surgery_types=$4, timeline_start=$5,
				timeline_end=$6, is_active=$7, version=version+1, updated_at=NOW()
			WHERE id = $1
			RETURNING version, updated_at`,
			p.ID, p.Name, p.Description, p.SurgeryTypes, p.TimelineStart,
			p.TimelineEnd, p.IsActive).Scan(&p.Version, &p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProtocolNotFound
		}
		if err != nil {
			return err
		}
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM task_template WHERE protocol_id = $1`, p.ID); err != nil {
			return err
		}
		return r.insertTemplates(ctx, p)
	})
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE protocol SET is_active=$2, updated_at=NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProtocolNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Protocol, int, error) {
	where := ``
	if activeOnly {
		where = ` WHERE is_active`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM protocol`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+protocolCols+` FROM protocol`+where+` ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Protocol
	for rows.Next() {
		p, err := r.scanProtocol(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListBySurgeryType(ctx context.Context, surgeryType string) ([]*Protocol, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+protocolCols+` FROM protocol
		WHERE is_active AND $1 = ANY(surgery_types) ORDER BY name`, surgeryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Protocol
	for rows.Next() {
		p, err := r.scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
