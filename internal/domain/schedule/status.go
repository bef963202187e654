package schedule

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/postop/recovery/internal/domain/timeline"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskBlocked       = errors.New("task is blocked by incomplete dependencies")
)

// Engine derives live task status. It never reads the clock and never
// writes; today is always an argument.
type Engine struct {
	anchor timeline.Anchor
}

func NewEngine(anchor timeline.Anchor) Engine {
	return Engine{anchor: anchor}
}

func (e Engine) Anchor() timeline.Anchor { return e.anchor }

type completionKey struct {
	assignment uuid.UUID
	template   uuid.UUID
}

// Completions indexes the scheduled dates of completed instances by
// assignment and template, for dependency checks.
type Completions map[completionKey][]time.Time

// IndexCompletions builds a Completions index; non-completed instances are
// ignored.
func IndexCompletions(instances []*TaskInstance) Completions {
	c := make(Completions)
	for _, inst := range instances {
		if inst.Status != StatusCompleted {
			continue
		}
		k := completionKey{assignment: inst.AssignmentID, template: inst.TemplateID}
		c[k] = append(c[k], inst.ScheduledDate)
	}
	return c
}

func (e Engine) satisfied(done Completions, assignment, template uuid.UUID, by time.Time) bool {
	for _, d := range done[completionKey{assignment: assignment, template: template}] {
		if e.anchor.Compare(d, by) <= 0 {
			return true
		}
	}
	return false
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusDiscontinued
}

// IsMissed reports whether the instance is past its day without being
// completed or withdrawn.
func (e Engine) IsMissed(inst *TaskInstance, today time.Time) bool {
	return !isTerminal(inst.Status) && e.anchor.Compare(inst.ScheduledDate, today) < 0
}

// IsBlocked reports whether some dependency template has no completed
// instance scheduled on or before this instance's date.
func (e Engine) IsBlocked(inst *TaskInstance, done Completions) bool {
	if isTerminal(inst.Status) {
		return false
	}
	for _, dep := range inst.Dependencies {
		if !e.satisfied(done, inst.AssignmentID, dep, inst.ScheduledDate) {
			return true
		}
	}
	return false
}

// Status returns the effective status of inst as of today. Missed takes
// precedence over blocked.
func (e Engine) Status(inst *TaskInstance, today time.Time, done Completions) string {
	switch {
	case isTerminal(inst.Status):
		return inst.Status
	case e.IsMissed(inst, today):
		return StatusMissed
	case e.IsBlocked(inst, done):
		return StatusBlocked
	default:
		return inst.Status
	}
}

// View pairs inst with its effective status.
func (e Engine) View(inst *TaskInstance, today time.Time, done Completions) TaskView {
	return TaskView{
		TaskInstance:    inst,
		EffectiveStatus: e.Status(inst, today, done),
		Blocked:         e.IsBlocked(inst, done),
	}
}

func (e Engine) Views(instances []*TaskInstance, today time.Time, done Completions) []TaskView {
	views := make([]TaskView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, e.View(inst, today, done))
	}
	return views
}

// DayStatus summarises the instances of one recovery day. Discontinued
// instances count for nothing.
func (e Engine) DayStatus(day int, instances []*TaskInstance, today time.Time, done Completions) DayStatus {
	ds := DayStatus{RecoveryDay: day, Phase: string(timeline.PhaseForDay(day))}
	for _, inst := range instances {
		if ds.Date == "" {
			ds.Date = inst.ScheduledDate.Format(timeline.DateLayout)
		}
		switch e.Status(inst, today, done) {
		case StatusCompleted:
			ds.HasCompleted = true
		case StatusMissed:
			ds.HasMissed = true
		case StatusPending, StatusInProgress, StatusBlocked:
			ds.HasPending = true
		}
	}
	return ds
}

// Calendar returns one DayStatus per recovery day present in instances,
// ordered by day.
func (e Engine) Calendar(instances []*TaskInstance, today time.Time, done Completions) []DayStatus {
	byDay := make(map[int][]*TaskInstance)
	for _, inst := range instances {
		byDay[inst.RecoveryDay] = append(byDay[inst.RecoveryDay], inst)
	}
	days := make([]int, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Ints(days)

	out := make([]DayStatus, 0, len(days))
	for _, d := range days {
		out = append(out, e.DayStatus(d, byDay[d], today, done))
	}
	return out
}

// DueToday returns the actionable instances scheduled for today. Blocked
// instances are left out.
func (e Engine) DueToday(instances []*TaskInstance, today time.Time, done Completions) []TaskView {
	var due []TaskView
	for _, inst := range instances {
		if e.anchor.Compare(inst.ScheduledDate, today) != 0 {
			continue
		}
		v := e.View(inst, today, done)
		if v.EffectiveStatus == StatusPending || v.EffectiveStatus == StatusInProgress {
			due = append(due, v)
		}
	}
	return due
}

// CheckStart validates pending -> in_progress.
func CheckStart(inst *TaskInstance) error {
	if inst.Status != StatusPending {
		return ErrInvalidTransition
	}
	return nil
}

// CheckComplete validates pending|in_progress -> completed. Late
// completion of a missed task is allowed; a blocked task is not.
func (e Engine) CheckComplete(inst *TaskInstance, done Completions) error {
	if inst.Status != StatusPending && inst.Status != StatusInProgress {
		return ErrInvalidTransition
	}
	if e.IsBlocked(inst, done) {
		return ErrTaskBlocked
	}
	return nil
}
