package schedule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/postop/recovery/internal/domain/protocol"
)

// Persisted statuses.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusCompleted    = "completed"
	StatusDiscontinued = "discontinued"
)

// Derived statuses. These are computed on read and never stored.
const (
	StatusMissed  = "missed"
	StatusBlocked = "blocked"
)

// TaskInstance maps to the task_instance table. The template fields are a
// snapshot taken when the assignment was resolved.
type TaskInstance struct {
	ID            uuid.UUID          `db:"id" json:"id"`
	PatientID     uuid.UUID          `db:"patient_id" json:"patient_id"`
	TemplateID    uuid.UUID          `db:"template_id" json:"template_id"`
	AssignmentID  uuid.UUID          `db:"assignment_id" json:"assignment_id"`
	ScheduledDate time.Time          `db:"scheduled_date" json:"scheduled_date"`
	RecoveryDay   int                `db:"recovery_day" json:"recovery_day"`
	Status        string             `db:"status" json:"status"`
	StartedAt     *time.Time         `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
	Response      json.RawMessage    `db:"response" json:"response,omitempty"`
	TaskType      protocol.TaskType  `db:"task_type" json:"task_type"`
	Title         string             `db:"title" json:"title"`
	Required      bool               `db:"required" json:"required"`
	Dependencies  []uuid.UUID        `db:"dependencies" json:"dependencies,omitempty"`
	Triggers      []protocol.Trigger `db:"triggers" json:"triggers,omitempty"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

// FromDraft builds an unsaved instance from a resolved draft and the
// template it came from.
func FromDraft(d protocol.Draft, tmpl *protocol.TaskTemplate, patientID, assignmentID uuid.UUID) *TaskInstance {
	inst := &TaskInstance{
		PatientID:     patientID,
		TemplateID:    d.TemplateID,
		AssignmentID:  assignmentID,
		ScheduledDate: d.ScheduledDate,
		RecoveryDay:   d.RecoveryDay,
		Status:        StatusPending,
		TaskType:      d.TaskType,
		Title:         d.Title,
		Required:      d.Required,
	}
	if tmpl != nil {
		inst.Dependencies = tmpl.Dependencies
		inst.Triggers = tmpl.Triggers
	}
	return inst
}

// TaskView is an instance together with its live status for one "today".
type TaskView struct {
	*TaskInstance
	EffectiveStatus string `json:"effective_status"`
	Blocked         bool   `json:"blocked"`
}

// DayStatus is the calendar summary for one recovery day. The flags are
// independent; a day can have both completed and missed tasks.
type DayStatus struct {
	RecoveryDay  int    `json:"recovery_day"`
	Date         string `json:"date,omitempty"`
	Phase        string `json:"phase"`
	HasCompleted bool   `json:"has_completed"`
	HasPending   bool   `json:"has_pending"`
	HasMissed    bool   `json:"has_missed"`
}

// Filter narrows instance listings.
type Filter struct {
	AssignmentID *uuid.UUID
	Status       string
	FromDay      *int
	ToDay        *int
}
