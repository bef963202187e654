package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/events"
)

// Recorder receives task counters. metrics.Metrics implements it.
type Recorder interface {
	TaskCompleted(taskType string)
	TriggerFired(action string)
}

type Service struct {
	tasks     Repository
	engine    Engine
	clock     timeline.Clock
	publisher events.Publisher
	recorder  Recorder
	logger    zerolog.Logger
}

func NewService(repo Repository, engine Engine, clock timeline.Clock, logger zerolog.Logger) *Service {
	return &Service{tasks: repo, engine: engine, clock: clock, logger: logger}
}

// SetPublisher attaches an optional event publisher.
func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// SetRecorder attaches an optional metrics recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

func (s *Service) Engine() Engine { return s.engine }

func (s *Service) Clock() timeline.Clock { return s.clock }

func (s *Service) completions(ctx context.Context, patientID uuid.UUID, instances []*TaskInstance) (Completions, error) {
	var until time.Time
	needed := false
	for _, inst := range instances {
		if len(inst.Dependencies) == 0 {
			continue
		}
		needed = true
		if inst.ScheduledDate.After(until) {
			until = inst.ScheduledDate
		}
	}
	if !needed {
		return Completions{}, nil
	}
	done, err := s.tasks.ListCompleted(ctx, patientID, until)
	if err != nil {
		return nil, err
	}
	return IndexCompletions(done), nil
}

// GetTask returns one instance with its status as of today.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID, today time.Time) (TaskView, error) {
	inst, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	done, err := s.completions(ctx, inst.PatientID, []*TaskInstance{inst})
	if err != nil {
		return TaskView{}, err
	}
	return s.engine.View(inst, today, done), nil
}

// GetTasksForDay returns a patient's live instances on one recovery day,
// ordered by template. Instances withdrawn by a reassignment are left out.
func (s *Service) GetTasksForDay(ctx context.Context, patientID uuid.UUID, day int, today time.Time) ([]TaskView, error) {
	all, err := s.tasks.ListByPatient(ctx, patientID, Filter{FromDay: &day, ToDay: &day})
	if err != nil {
		return nil, err
	}
	instances := all[:0]
	for _, inst := range all {
		if inst.Status != StatusDiscontinued {
			instances = append(instances, inst)
		}
	}
	done, err := s.completions(ctx, patientID, instances)
	if err != nil {
		return nil, err
	}
	return s.engine.Views(instances, today, done), nil
}

func (s *Service) GetDayStatus(ctx context.Context, patientID uuid.UUID, day int, today time.Time) (DayStatus, error) {
	instances, err := s.tasks.ListByPatient(ctx, patientID, Filter{FromDay: &day, ToDay: &day})
	if err != nil {
		return DayStatus{}, err
	}
	done, err := s.completions(ctx, patientID, instances)
	if err != nil {
		return DayStatus{}, err
	}
	return s.engine.DayStatus(day, instances, today, done), nil
}

// Calendar returns day summaries for recovery days in [from, to].
func (s *Service) Calendar(ctx context.Context, patientID uuid.UUID, from, to int, today time.Time) ([]DayStatus, error) {
	instances, err := s.tasks.ListByPatient(ctx, patientID, Filter{FromDay: &from, ToDay: &to})
	if err != nil {
		return nil, err
	}
	done, err := s.completions(ctx, patientID, instances)
	if err != nil {
		return nil, err
	}
	return s.engine.Calendar(instances, today, done), nil
}

func (s *Service) DueToday(ctx context.Context, patientID uuid.UUID, today time.Time) ([]TaskView, error) {
	instances, err := s.tasks.ListByDate(ctx, patientID, today)
	if err != nil {
		return nil, err
	}
	done, err := s.completions(ctx, patientID, instances)
	if err != nil {
		return nil, err
	}
	return s.engine.DueToday(instances, today, done), nil
}

func (s *Service) StartTask(ctx context.Context, id uuid.UUID) (*TaskInstance, error) {
	inst, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckStart(inst); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.tasks.Start(ctx, id, now); err != nil {
		return nil, err
	}
	inst.Status = StatusInProgress
	inst.StartedAt = &now
	s.publish(ctx, events.New(events.TaskStarted, inst.PatientID, inst.ID, inst))
	return inst, nil
}

// CompleteTask records a completion with the patient's response and
// evaluates the instance's triggers against it.
func (s *Service) CompleteTask(ctx context.Context, id uuid.UUID, response json.RawMessage) (*TaskInstance, []FiredTrigger, error) {
	inst, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	done, err := s.completions(ctx, inst.PatientID, []*TaskInstance{inst})
	if err != nil {
		return nil, nil, err
	}
	if err := s.engine.CheckComplete(inst, done); err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	if err := s.tasks.Complete(ctx, id, now, response); err != nil {
		return nil, nil, err
	}
	inst.Status = StatusCompleted
	inst.CompletedAt = &now
	inst.Response = response

	if s.recorder != nil {
		s.recorder.TaskCompleted(string(inst.TaskType))
	}
	s.publish(ctx, events.New(events.TaskCompleted, inst.PatientID, inst.ID, inst))

	fired := EvaluateTriggers(inst.Triggers, response)
	for _, f := range fired {
		if s.recorder != nil {
			s.recorder.TriggerFired(f.Action.Type)
		}
		s.logger.Info().
			Str("patient_id", inst.PatientID.String()).
			Str("task_id", inst.ID.String()).
			Str("action", f.Action.Type).
			Str("field", f.Field).
			Msg("task trigger fired")
		s.publish(ctx, events.New(events.TriggerFired, inst.PatientID, inst.ID, f))
	}
	return inst, fired, nil
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("event", evt.Type).
			Str("patient_id", evt.PatientID).
			Msg("publish event failed")
	}
}
