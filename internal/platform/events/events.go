// Package events carries assignment and task lifecycle notifications to
// Kafka and to connected websocket clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	AssignmentCreated      = "assignment.created"
	AssignmentDiscontinued = "assignment.discontinued"
	AssignmentCompleted    = "assignment.completed"
	AssignmentRescheduled  = "assignment.rescheduled"
	SurgeryConfirmed       = "assignment.surgery_confirmed"
	TaskStarted            = "task.started"
	TaskCompleted          = "task.completed"
	TriggerFired           = "trigger.fired"
)

// Event is the envelope published for every lifecycle change.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	PatientID  string          `json:"patient_id"`
	SubjectID  string          `json:"subject_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event. Data that cannot be marshalled is dropped.
func New(typ string, patientID, subjectID uuid.UUID, data interface{}) Event {
	evt := Event{
		ID:         uuid.New().String(),
		Type:       typ,
		PatientID:  patientID.String(),
		OccurredAt: time.Now().UTC(),
	}
	if subjectID != uuid.Nil {
		evt.SubjectID = subjectID.String()
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// PatientTopic is the websocket topic that carries one patient's events.
func PatientTopic(patientID string) string {
	return "patient:" + patientID
}

// Topic returns the websocket topic for the event.
func (e Event) Topic() string {
	return PatientTopic(e.PatientID)
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
