package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/postop/recovery/internal/domain/protocol"
	"github.com/postop/recovery/internal/domain/schedule"
	"github.com/postop/recovery/internal/domain/timeline"
	"github.com/postop/recovery/internal/platform/events"
	"github.com/postop/recovery/internal/platform/lock"
)

// TxRunner runs fn in one database transaction. db.TxRunner implements it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProtocolSource loads protocols with their templates.
type ProtocolSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*protocol.Protocol, error)
}

// TaskStore is the part of the instance store the coordinator writes to.
type TaskStore interface {
	CreateBatch(ctx context.Context, instances []*schedule.TaskInstance) (int64, error)
	DiscontinueOpen(ctx context.Context, assignmentID uuid.UUID) (int64, error)
	DiscontinueOpenFrom(ctx context.Context, assignmentID uuid.UUID, from time.Time) (int64, error)
	ShiftSchedule(ctx context.Context, assignmentID uuid.UUID, days int) (int64, error)
}

// ChannelCreator opens the patient's chat channel for a new assignment.
type ChannelCreator interface {
	CreateForAssignment(ctx context.Context, a *Assignment, p *protocol.Protocol) error
}

// Recorder receives assignment counters. metrics.Metrics implements it.
type Recorder interface {
	AssignmentCreated(instances int)
	AssignmentFailed(reason string)
	SideEffectFailed(effect string)
}

// Coordinator owns every write to assignments and their task instances.
// Assignments for one patient are serialised by a per-patient lock and a
// transaction; the database's partial unique index is the final guard.
type Coordinator struct {
	tx          TxRunner
	locker      lock.Locker
	protocols   ProtocolSource
	resolver    *protocol.Resolver
	assignments Repository
	tasks       TaskStore
	clock       timeline.Clock
	logger      zerolog.Logger

	channels  ChannelCreator
	publisher events.Publisher
	recorder  Recorder
}

func NewCoordinator(tx TxRunner, locker lock.Locker, protocols ProtocolSource, resolver *protocol.Resolver,
	assignments Repository, tasks TaskStore, clock timeline.Clock, logger zerolog.Logger) *Coordinator {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Coordinator{
		tx:          tx,
		locker:      locker,
		protocols:   protocols,
		resolver:    resolver,
		assignments: assignments,
		tasks:       tasks,
		clock:       clock,
		logger:      logger,
	}
}

// SetChannelCreator attaches the chat channel side effect.
func (c *Coordinator) SetChannelCreator(cc ChannelCreator) { c.channels = cc }

// SetPublisher attaches an optional event publisher.
func (c *Coordinator) SetPublisher(p events.Publisher) { c.publisher = p }

// SetRecorder attaches an optional metrics recorder.
func (c *Coordinator) SetRecorder(r Recorder) { c.recorder = r }

func (c *Coordinator) Anchor() timeline.Anchor { return c.resolver.Anchor() }

func (c *Coordinator) Clock() timeline.Clock { return c.clock }

func (c *Coordinator) withPatientLock(ctx context.Context, patientID uuid.UUID, fn func() error) error {
	release, err := c.locker.Acquire(ctx, "assign:patient:"+patientID.String())
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("lock patient %s: %w", patientID, ErrAssignInProgress)
	}
	if err != nil {
		return fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("release patient lock")
		}
	}()
	return fn()
}

func validateRequest(req AssignRequest) error {
	if req.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if req.ProtocolID == uuid.Nil {
		return fmt.Errorf("protocol_id is required")
	}
	if req.SurgeryDate.IsZero() {
		return fmt.Errorf("surgery_date is required")
	}
	return nil
}

// Assign resolves the protocol against the surgery date and persists the
// assignment together with all of its task instances. A patient with an
// active assignment gets ErrAlreadyAssigned. When the patient lock cannot
// be taken and no assignment is active yet, the caller gets
// ErrAssignInProgress.
func (c *Coordinator) Assign(ctx context.Context, req AssignRequest) (*Assignment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var a *Assignment
	var p *protocol.Protocol
	err := c.withPatientLock(ctx, req.PatientID, func() error {
		return c.tx.InTx(ctx, func(ctx context.Context) error {
			if _, err := c.assignments.GetActive(ctx, req.PatientID); err == nil {
				return ErrAlreadyAssigned
			} else if !errors.Is(err, ErrAssignmentNotFound) {
				return err
			}
			var err error
			a, p, err = c.create(ctx, req)
			return err
		})
	})
	if errors.Is(err, ErrAssignInProgress) {
		// The lock holder may already have committed.
		if _, activeErr := c.assignments.GetActive(ctx, req.PatientID); activeErr == nil {
			err = ErrAlreadyAssigned
		}
	}
	if err != nil {
		c.failed(err)
		return nil, err
	}
	c.afterCreate(ctx, a, p)
	return a, nil
}

// Reassign discontinues the patient's active assignment, withdraws its open
// instances and assigns the new protocol, all in one transaction. Without
// an active assignment it behaves like Assign.
func (c *Coordinator) Reassign(ctx context.Context, req AssignRequest) (*Assignment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var a *Assignment
	var p *protocol.Protocol
	var old *Assignment
	err := c.withPatientLock(ctx, req.PatientID, func() error {
		return c.tx.InTx(ctx, func(ctx context.Context) error {
			var err error
			old, err = c.assignments.GetActive(ctx, req.PatientID)
			switch {
			case errors.Is(err, ErrAssignmentNotFound):
				old = nil
			case err != nil:
				return err
			default:
				if err := c.withdraw(ctx, old); err != nil {
					return err
				}
			}

			a, p, err = c.create(ctx, req)
			if err != nil {
				return err
			}
			if old != nil {
				return c.assignments.SetSupersededBy(ctx, old.ID, a.ID)
			}
			return nil
		})
	})
	if err != nil {
		c.failed(err)
		return nil, err
	}
	if old != nil {
		c.publish(ctx, events.New(events.AssignmentDiscontinued, old.PatientID, old.ID, old))
	}
	c.afterCreate(ctx, a, p)
	return a, nil
}

// create runs inside the caller's transaction.
func (c *Coordinator) create(ctx context.Context, req AssignRequest) (*Assignment, *protocol.Protocol, error) {
	p, err := c.protocols.GetByID(ctx, req.ProtocolID)
	if err != nil {
		return nil, nil, err
	}
	if !p.IsActive {
		return nil, nil, protocol.ErrProtocolInactive
	}

	surgery := c.Anchor().Day(req.SurgeryDate)
	drafts := c.resolver.Resolve(p, surgery)

	a := &Assignment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		ProtocolID:      p.ID,
		ProtocolVersion: p.Version,
		SurgeryDate:     surgery,
		Status:          StatusActive,
		InstanceCount:   len(drafts),
	}
	if req.AssignedBy != "" {
		by := req.AssignedBy
		a.AssignedBy = &by
	}
	if err := c.assignments.Create(ctx, a); err != nil {
		return nil, nil, err
	}

	if len(drafts) == 0 {
		return a, p, nil
	}
	instances := make([]*schedule.TaskInstance, 0, len(drafts))
	for _, d := range drafts {
		tmpl, _ := p.Template(d.TemplateID)
		instances = append(instances, schedule.FromDraft(d, tmpl, a.PatientID, a.ID))
	}
	if _, err := c.tasks.CreateBatch(ctx, instances); err != nil {
		// Inside a real transaction the rollback discards the row anyway;
		// stores without one keep it as failed instead of active.
		if markErr := c.assignments.MarkFailed(ctx, a.ID); markErr != nil {
			c.logger.Debug().Err(markErr).Str("assignment_id", a.ID.String()).Msg("mark assignment failed")
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrPartialPersistence, err)
	}
	return a, p, nil
}

// withdraw discontinues an active assignment and its open instances.
func (c *Coordinator) withdraw(ctx context.Context, a *Assignment) error {
	now := c.clock.Now()
	if err := c.assignments.Discontinue(ctx, a.ID, now); err != nil {
		return err
	}
	if _, err := c.tasks.DiscontinueOpen(ctx, a.ID); err != nil {
		return fmt.Errorf("discontinue open tasks: %w", err)
	}
	a.Status = StatusDiscontinued
	a.DiscontinuedAt = &now
	return nil
}

// afterCreate runs the side effects of a committed assignment. Their
// failures are logged and never undo the assignment.
func (c *Coordinator) afterCreate(ctx context.Context, a *Assignment, p *protocol.Protocol) {
	if c.recorder != nil {
		c.recorder.AssignmentCreated(a.InstanceCount)
	}
	c.logger.Info().
		Str("patient_id", a.PatientID.String()).
		Str("assignment_id", a.ID.String()).
		Str("protocol", p.Name).
		Int("instances", a.InstanceCount).
		Msg("protocol assigned")

	if c.channels != nil {
		if err := c.channels.CreateForAssignment(ctx, a, p); err != nil {
			c.sideEffectFailed(err, "chat_channel", a)
		}
	}
	c.publish(ctx, events.New(events.AssignmentCreated, a.PatientID, a.ID, a))
}

func (c *Coordinator) failed(err error) {
	if c.recorder == nil {
		return
	}
	switch {
	case errors.Is(err, ErrAlreadyAssigned):
		c.recorder.AssignmentFailed("already_assigned")
	case errors.Is(err, ErrAssignInProgress):
		c.recorder.AssignmentFailed("lock_contention")
	case errors.Is(err, ErrPartialPersistence):
		c.recorder.AssignmentFailed("partial_persistence")
	case errors.Is(err, protocol.ErrProtocolNotFound), errors.Is(err, protocol.ErrProtocolInactive):
		c.recorder.AssignmentFailed("protocol_unavailable")
	default:
		c.recorder.AssignmentFailed("error")
	}
}

func (c *Coordinator) sideEffectFailed(err error, effect string, a *Assignment) {
	if c.recorder != nil {
		c.recorder.SideEffectFailed(effect)
	}
	c.logger.Error().Err(err).
		Str("effect", effect).
		Str("patient_id", a.PatientID.String()).
		Str("assignment_id", a.ID.String()).
		Msg("SideEffectFailure")
}

func (c *Coordinator) publish(ctx context.Context, evt events.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.logger.Warn().Err(err).
			Str("event", evt.Type).
			Str("patient_id", evt.PatientID).
			Msg("publish event failed")
		if c.recorder != nil {
			c.recorder.SideEffectFailed("publish")
		}
	}
}

// Active returns the patient's active assignment.
func (c *Coordinator) Active(ctx context.Context, patientID uuid.UUID) (*Assignment, error) {
	return c.assignments.GetActive(ctx, patientID)
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return c.assignments.GetByID(ctx, id)
}

// History lists every assignment of the patient, newest first.
func (c *Coordinator) History(ctx context.Context, patientID uuid.UUID) ([]*Assignment, error) {
	return c.assignments.ListByPatient(ctx, patientID)
}

// Discontinue ends an active assignment early and withdraws its open
// instances. Completed instances are kept.
func (c *Coordinator) Discontinue(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	var a *Assignment
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = c.assignments.GetByID(ctx, id); err != nil {
			return err
		}
		if a.Status != StatusActive {
			return ErrNotActive
		}
		return c.withdraw(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, events.New(events.AssignmentDiscontinued, a.PatientID, a.ID, a))
	return a, nil
}

// Complete marks an active assignment as finished and withdraws its open
// instances from today on. Earlier unfinished instances stay and read as
// missed.
func (c *Coordinator) Complete(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	var a *Assignment
	now := c.clock.Now()
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = c.assignments.GetByID(ctx, id); err != nil {
			return err
		}
		if err := c.assignments.Complete(ctx, id, now); err != nil {
			return err
		}
		if _, err := c.tasks.DiscontinueOpenFrom(ctx, id, c.Anchor().Day(now)); err != nil {
			return fmt.Errorf("discontinue remaining tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.Status = StatusCompleted
	a.CompletedAt = &now
	c.publish(ctx, events.New(events.AssignmentCompleted, a.PatientID, a.ID, a))
	return a, nil
}

// ChangeSurgeryDate moves a provisional surgery date and shifts every
// instance, completed ones included, by the same number of days. Recovery
// days do not change. A confirmed surgery date is locked.
func (c *Coordinator) ChangeSurgeryDate(ctx context.Context, id uuid.UUID, date time.Time) (*Assignment, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("surgery_date is required")
	}
	newDate := c.Anchor().Day(date)
	var a *Assignment
	var shift int
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = c.assignments.GetByID(ctx, id); err != nil {
			return err
		}
		if a.Status != StatusActive {
			return ErrNotActive
		}
		if a.SurgeryConfirmed {
			return ErrSurgeryDateLocked
		}
		shift = c.Anchor().ToRecoveryDay(a.SurgeryDate, newDate)
		if shift == 0 {
			return nil
		}
		if err := c.assignments.SetSurgeryDate(ctx, id, newDate); err != nil {
			return err
		}
		if _, err := c.tasks.ShiftSchedule(ctx, id, shift); err != nil {
			return fmt.Errorf("shift schedule: %w", err)
		}
		a.SurgeryDate = newDate
		return nil
	})
	if err != nil {
		return nil, err
	}
	if shift != 0 {
		c.publish(ctx, events.New(events.AssignmentRescheduled, a.PatientID, a.ID, a))
	}
	return a, nil
}

// ConfirmSurgery records that surgery took place on the assignment's date,
// locking it. Confirming twice is a no-op.
func (c *Coordinator) ConfirmSurgery(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := c.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.SurgeryConfirmed {
		return a, nil
	}
	if a.Status != StatusActive {
		return nil, ErrNotActive
	}
	if err := c.assignments.ConfirmSurgery(ctx, id); err != nil {
		return nil, err
	}
	a.SurgeryConfirmed = true
	c.publish(ctx, events.New(events.SurgeryConfirmed, a.PatientID, a.ID, a))
	return a, nil
}
