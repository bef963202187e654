package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrProtocolNotFound      = errors.New("protocol not found")
	ErrProtocolInactive      = errors.New("protocol is inactive")
	ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")
)

// ValidateRule checks a recurrence rule in isolation. Errors wrap
// ErrInvalidRecurrenceRule.
func ValidateRule(rule RecurrenceRule) error {
	if rule.StartDay > rule.StopDay {
		return fmt.Errorf("%w: start_day %d is after stop_day %d", ErrInvalidRecurrenceRule, rule.StartDay, rule.StopDay)
	}
	if !rule.Repeat {
		return nil
	}
	if rule.Frequency == "" {
		return fmt.Errorf("%w: frequency is required when repeat is set", ErrInvalidRecurrenceRule)
	}
	if !validFrequencies[rule.Frequency] {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidRecurrenceRule, rule.Frequency)
	}
	switch rule.Frequency {
	case FrequencyCustom:
		if rule.Interval <= 0 {
			return fmt.Errorf("%w: custom frequency needs a positive interval", ErrInvalidRecurrenceRule)
		}
	case FrequencyMilestone:
		if len(rule.MilestoneDays) == 0 {
			return fmt.Errorf("%w: milestone frequency needs milestone_days", ErrInvalidRecurrenceRule)
		}
	}
	return nil
}

// Validate checks a protocol and its templates before it is stored. It fills
// in missing template ids. The timeline window is taken as given: [0, 0] is
// a single-day protocol and an inverted window resolves to no instances.
func Validate(p *Protocol) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}

	ids := make(map[uuid.UUID]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task template id %s", t.ID)
		}
		ids[t.ID] = true
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.ProtocolID = p.ID
		t.Position = i
		if t.Title == "" {
			return fmt.Errorf("task %d: title is required", i)
		}
		if !validTaskTypes[t.Type] {
			return fmt.Errorf("task %q: invalid type: %s", t.Title, t.Type)
		}
		if ct := t.Content.Type(); ct != "" && ct != t.Type {
			return fmt.Errorf("task %q: content type %s does not match task type %s", t.Title, ct, t.Type)
		}
		if err := ValidateRule(t.Recurrence); err != nil {
			return fmt.Errorf("task %q: %w", t.Title, err)
		}
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("task %q depends on itself", t.Title)
			}
			if !ids[dep] {
				return fmt.Errorf("task %q depends on unknown template %s", t.Title, dep)
			}
		}
		for _, tr := range t.Triggers {
			if tr.Condition.Field == "" {
				return fmt.Errorf("task %q: trigger condition field is required", t.Title)
			}
			if !validOperators[tr.Condition.Operator] {
				return fmt.Errorf("task %q: invalid trigger operator: %s", t.Title, tr.Condition.Operator)
			}
			if !validActions[tr.Action.Type] {
				return fmt.Errorf("task %q: invalid trigger action: %s", t.Title, tr.Action.Type)
			}
		}
	}
	return checkDependencyCycles(p.Tasks)
}

func checkDependencyCycles(tasks []TaskTemplate) error {
	deps := make(map[uuid.UUID][]uuid.UUID, len(tasks))
	titles := make(map[uuid.UUID]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
		titles[t.ID] = t.Title
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[uuid.UUID]int, len(tasks))
	var visit func(id uuid.UUID) error
	visit = func(id uuid.UUID) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through task %q", titles[id])
		case done:
			return nil
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}
