package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/postop/recovery/internal/domain/schedule"
	"github.com/postop/recovery/internal/domain/timeline"
)

// ChannelTypeRecovery is the channel opened for every protocol assignment.
const ChannelTypeRecovery = "recovery"

var (
	ErrChannelNotFound  = errors.New("conversation not found")
	ErrNoActiveProtocol = errors.New("patient has no active protocol")
)

// Channel maps to the conversation table.
type Channel struct {
	ID           uuid.UUID              `db:"id" json:"id"`
	PatientID    uuid.UUID              `db:"patient_id" json:"patient_id"`
	AssignmentID *uuid.UUID             `db:"assignment_id" json:"assignment_id,omitempty"`
	ChannelType  string                 `db:"channel_type" json:"channel_type"`
	Title        string                 `db:"title" json:"title"`
	Metadata     map[string]interface{} `db:"metadata" json:"metadata"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
}

// RecoveryContext is what the AI service and the chat UI need to know
// about where a patient stands today.
type RecoveryContext struct {
	PatientID    uuid.UUID           `json:"patient_id"`
	AssignmentID uuid.UUID           `json:"assignment_id"`
	ProtocolID   uuid.UUID           `json:"protocol_id"`
	SurgeryDate  string              `json:"surgery_date"`
	Confirmed    bool                `json:"surgery_confirmed"`
	Position     timeline.Position   `json:"position"`
	DueToday     []schedule.TaskView `json:"due_today"`
	MissedDays   []int               `json:"missed_days"`
}
