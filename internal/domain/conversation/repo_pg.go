package conversation

import (
	"context"
	"encoding/json"
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

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const channelCols = `id, patient_id, assignment_id, channel_type, title, metadata, created_at`

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	var meta []byte
	err := row.Scan(&ch.ID, &ch.PatientID, &ch.AssignmentID, &ch.ChannelType, &ch.Title, &meta, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ch.Metadata); err != nil {
			return nil, err
		}
	}
	return &ch, nil
}

func (r *repoPG) Create(ctx context.Context, ch *Channel) (bool, error) {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	if ch.ChannelType == "" {
		ch.ChannelType = ChannelTypeRecovery
	}
	if ch.Metadata == nil {
		ch.Metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(ch.Metadata)
	if err != nil {
		return false, err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO conversation (id, patient_id, assignment_id, channel_type, title, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (assignment_id) DO NOTHING
		RETURNING created_at`,
		ch.ID, ch.PatientID, ch.AssignmentID, ch.ChannelType, ch.Title, meta,
	).Scan(&ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repoPG) GetByAssignment(ctx context.Context, assignmentID uuid.UUID) (*Channel, error) {
	return scanChannel(r.conn(ctx).QueryRow(ctx,
		`SELECT `+channelCols+` FROM conversation WHERE assignment_id = $1`, assignmentID))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Channel, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+channelCols+` FROM conversation
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ch)
	}
	return items, rows.Err()
}
