package assignment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusDiscontinued = "discontinued"
	StatusFailed       = "failed"
)

var (
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrAlreadyAssigned    = errors.New("patient already has an active protocol, discontinue it first")
	ErrNotActive          = errors.New("assignment is not active")
	ErrPartialPersistence = errors.New("task instances could not be persisted")
	ErrSurgeryDateLocked  = errors.New("surgery date is confirmed and can no longer change")
	ErrAssignInProgress   = errors.New("another assignment for this patient is in progress, retry shortly")
)

// Assignment maps to the protocol_assignment table. SurgeryDate is the
// anchor every instance of the assignment was resolved against.
type Assignment struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	PatientID        uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProtocolID       uuid.UUID  `db:"protocol_id" json:"protocol_id"`
	ProtocolVersion  int        `db:"protocol_version" json:"protocol_version"`
	SurgeryDate      time.Time  `db:"surgery_date" json:"surgery_date"`
	SurgeryConfirmed bool       `db:"surgery_confirmed" json:"surgery_confirmed"`
	Status           string     `db:"status" json:"status"`
	InstanceCount    int        `db:"instance_count" json:"instance_count"`
	AssignedBy       *string    `db:"assigned_by" json:"assigned_by,omitempty"`
	DiscontinuedAt   *time.Time `db:"discontinued_at" json:"discontinued_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	SupersededBy     *uuid.UUID `db:"superseded_by" json:"superseded_by,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// AssignRequest asks for a protocol to be scheduled for a patient.
type AssignRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	ProtocolID  uuid.UUID `json:"protocol_id"`
	SurgeryDate time.Time `json:"surgery_date"`
	AssignedBy  string    `json:"assigned_by,omitempty"`
}
