package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts an active assignment. A second active assignment for
	// the same patient fails with ErrAlreadyAssigned.
	Create(ctx context.Context, a *Assignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	// GetActive returns the patient's active assignment or
	// ErrAssignmentNotFound.
	GetActive(ctx context.Context, patientID uuid.UUID) (*Assignment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Assignment, error)
	Discontinue(ctx context.Context, id uuid.UUID, at time.Time) error
	Complete(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	SetSupersededBy(ctx context.Context, id, by uuid.UUID) error
	SetSurgeryDate(ctx context.Context, id uuid.UUID, date time.Time) error
	ConfirmSurgery(ctx context.Context, id uuid.UUID) error
}
