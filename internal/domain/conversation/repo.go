package conversation

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the channel unless one already exists for its
	// assignment. It reports whether a row was written.
	Create(ctx context.Context, ch *Channel) (bool, error)
	GetByAssignment(ctx context.Context, assignmentID uuid.UUID) (*Channel, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Channel, error)
}
