package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateBatch writes all instances or none of them.
	CreateBatch(ctx context.Context, instances []*TaskInstance) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*TaskInstance, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, f Filter) ([]*TaskInstance, error)
	ListByDate(ctx context.Context, patientID uuid.UUID, date time.Time) ([]*TaskInstance, error)
	// ListCompleted returns completed instances scheduled on or before until.
	ListCompleted(ctx context.Context, patientID uuid.UUID, until time.Time) ([]*TaskInstance, error)
	// Start and Complete are conditional on the current status and return
	// ErrInvalidTransition when it has moved on.
	Start(ctx context.Context, id uuid.UUID, at time.Time) error
	Complete(ctx context.Context, id uuid.UUID, at time.Time, response json.RawMessage) error
	// DiscontinueOpen withdraws every pending and in-progress instance of an
	// assignment.
	DiscontinueOpen(ctx context.Context, assignmentID uuid.UUID) (int64, error)
	// DiscontinueOpenFrom withdraws the open instances of an assignment
	// scheduled on or after from.
	DiscontinueOpenFrom(ctx context.Context, assignmentID uuid.UUID, from time.Time) (int64, error)
	// ShiftSchedule moves every instance of an assignment, completed ones
	// included, by the given number of days. Recovery days are unchanged.
	ShiftSchedule(ctx context.Context, assignmentID uuid.UUID, days int) (int64, error)
}
