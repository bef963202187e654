package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/postop/recovery/internal/domain/assignment"
	"github.com/postop/recovery/internal/domain/protocol"
	"github.com/postop/recovery/internal/domain/schedule"
	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/aiclient"
)

// missedLookback is how many recovery days before today are scanned for
// missed tasks.
const missedLookback = 7

// ActiveAssignments looks up a patient's active assignment.
// assignment.Coordinator implements it.
type ActiveAssignments interface {
	Active(ctx context.Context, patientID uuid.UUID) (*assignment.Assignment, error)
}

// TaskReader is the read side of the schedule service.
type TaskReader interface {
	DueToday(ctx context.Context, patientID uuid.UUID, today time.Time) ([]schedule.TaskView, error)
	Calendar(ctx context.Context, patientID uuid.UUID, from, to int, today time.Time) ([]schedule.DayStatus, error)
}

// Responder drafts AI replies. aiclient.Client implements it.
type Responder interface {
	Respond(ctx context.Context, req aiclient.Request) (*aiclient.Response, error)
}

type Service struct {
	repo        Repository
	assignments ActiveAssignments
	tasks       TaskReader
	ai          Responder
	anchor      timeline.Anchor
	clock       timeline.Clock
	logger      zerolog.Logger
}

func NewService(repo Repository, assignments ActiveAssignments, tasks TaskReader, ai Responder,
	anchor timeline.Anchor, clock timeline.Clock, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		assignments: assignments,
		tasks:       tasks,
		ai:          ai,
		anchor:      anchor,
		clock:       clock,
		logger:      logger,
	}
}

func (s *Service) Anchor() timeline.Anchor { return s.anchor }

func (s *Service) Clock() timeline.Clock { return s.clock }

// CreateForAssignment opens the recovery channel for a new assignment.
// Calling it again for the same assignment is a no-op.
func (s *Service) CreateForAssignment(ctx context.Context, a *assignment.Assignment, p *protocol.Protocol) error {
	assignmentID := a.ID
	ch := &Channel{
		PatientID:    a.PatientID,
		AssignmentID: &assignmentID,
		ChannelType:  ChannelTypeRecovery,
		Title:        p.Name + " recovery",
		Metadata: map[string]interface{}{
			"protocol_id":      p.ID.String(),
			"protocol_version": p.Version,
			"surgery_date":     a.SurgeryDate.Format(timeline.DateLayout),
		},
	}
	created, err := s.repo.Create(ctx, ch)
	if err != nil {
		return fmt.Errorf("create recovery channel: %w", err)
	}
	if created {
		s.logger.Debug().
			Str("patient_id", a.PatientID.String()).
			Str("assignment_id", a.ID.String()).
			Msg("recovery channel opened")
	}
	return nil
}

func (s *Service) Channels(ctx context.Context, patientID uuid.UUID) ([]*Channel, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// RecoveryContext reports the patient's timeline position, today's
// actionable tasks and recent days with missed tasks.
func (s *Service) RecoveryContext(ctx context.Context, patientID uuid.UUID, today time.Time) (*RecoveryContext, error) {
	a, err := s.assignments.Active(ctx, patientID)
	if errors.Is(err, assignment.ErrAssignmentNotFound) {
		return nil, ErrNoActiveProtocol
	}
	if err != nil {
		return nil, err
	}

	pos := s.anchor.PositionAt(a.SurgeryDate, today)
	rc := &RecoveryContext{
		PatientID:    patientID,
		AssignmentID: a.ID,
		ProtocolID:   a.ProtocolID,
		SurgeryDate:  a.SurgeryDate.Format(timeline.DateLayout),
		Confirmed:    a.SurgeryConfirmed,
		Position:     pos,
		DueToday:     []schedule.TaskView{},
		MissedDays:   []int{},
	}

	due, err := s.tasks.DueToday(ctx, patientID, today)
	if err != nil {
		return nil, err
	}
	if due != nil {
		rc.DueToday = due
	}

	days, err := s.tasks.Calendar(ctx, patientID, pos.RecoveryDay-missedLookback, pos.RecoveryDay-1, today)
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		if d.HasMissed {
			rc.MissedDays = append(rc.MissedDays, d.RecoveryDay)
		}
	}
	return rc, nil
}

// Respond forwards a chat message to the AI service. The recovery day and
// phase in the reply are replaced with the values computed here so the
// two can never disagree. Patients without an active protocol get the
// reply unchanged.
func (s *Service) Respond(ctx context.Context, patientID uuid.UUID, req aiclient.Request) (*aiclient.Response, error) {
	if s.ai == nil {
		return nil, aiclient.ErrNotConfigured
	}
	req.PatientID = patientID.String()
	resp, err := s.ai.Respond(ctx, req)
	if err != nil {
		return nil, err
	}

	today := s.anchor.Day(s.clock.Now())
	a, err := s.assignments.Active(ctx, patientID)
	switch {
	case errors.Is(err, assignment.ErrAssignmentNotFound):
		return resp, nil
	case err != nil:
		return nil, err
	}
	pos := s.anchor.PositionAt(a.SurgeryDate, today)
	if resp.Context.RecoveryDay != pos.RecoveryDay || resp.Context.Phase != string(pos.Phase) {
		s.logger.Debug().
			Str("patient_id", patientID.String()).
			Int("ai_recovery_day", resp.Context.RecoveryDay).
			Int("recovery_day", pos.RecoveryDay).
			Msg("overriding ai recovery context")
	}
	resp.Context.RecoveryDay = pos.RecoveryDay
	resp.Context.Phase = string(pos.Phase)
	if resp.Context.DetectedActions == nil {
		resp.Context.DetectedActions = []aiclient.DetectedAction{}
	}
	return resp, nil
}
