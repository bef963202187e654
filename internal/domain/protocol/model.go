package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Default timeline bounds, in recovery days relative to surgery.
const (
	DefaultTimelineStart = -45
	DefaultTimelineEnd   = 200
)

// TaskType identifies what a patient is asked to do.
type TaskType string

const (
	TaskTypeForm        TaskType = "form"
	TaskTypeExercise    TaskType = "exercise"
	TaskTypeVideo       TaskType = "video"
	TaskTypeMessage     TaskType = "message"
	TaskTypeAppointment TaskType = "appointment"
)

var validTaskTypes = map[TaskType]bool{
	TaskTypeForm: true, TaskTypeExercise: true, TaskTypeVideo: true,
	TaskTypeMessage: true, TaskTypeAppointment: true,
}

// Frequency selects how a repeating rule spaces its active days.
type Frequency string

const (
	FrequencyDaily         Frequency = "daily"
	FrequencyEveryOtherDay Frequency = "everyOtherDay"
	FrequencyWeekly        Frequency = "weekly"
	FrequencyBiweekly      Frequency = "biweekly"
	FrequencyMonthly       Frequency = "monthly"
	FrequencyMilestone     Frequency = "milestone"
	FrequencyCustom        Frequency = "custom"
)

var validFrequencies = map[Frequency]bool{
	FrequencyDaily: true, FrequencyEveryOtherDay: true, FrequencyWeekly: true,
	FrequencyBiweekly: true, FrequencyMonthly: true, FrequencyMilestone: true,
	FrequencyCustom: true,
}

// RecurrenceRule decides which recovery days a template is active on.
type RecurrenceRule struct {
	StartDay      int       `json:"start_day" yaml:"start_day"`
	StopDay       int       `json:"stop_day" yaml:"stop_day"`
	Repeat        bool      `json:"repeat" yaml:"repeat"`
	Frequency     Frequency `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Interval      int       `json:"interval,omitempty" yaml:"interval,omitempty"`
	MilestoneDays []int     `json:"milestone_days,omitempty" yaml:"milestone_days,omitempty"`
}

// Protocol maps to the protocol table. It is a reusable template and is not
// tied to a patient until assigned.
type Protocol struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Description   *string        `db:"description" json:"description,omitempty"`
	SurgeryTypes  []string       `db:"surgery_types" json:"surgery_types"`
	TimelineStart int            `db:"timeline_start" json:"timeline_start"`
	TimelineEnd   int            `db:"timeline_end" json:"timeline_end"`
	IsActive      bool           `db:"is_active" json:"is_active"`
	Version       int            `db:"version" json:"version"`
	Tasks         []TaskTemplate `json:"tasks"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// UnmarshalJSON fills in the default timeline bounds for fields the
// document leaves out. Explicit values, zero included, are kept.
func (p *Protocol) UnmarshalJSON(data []byte) error {
	type plain Protocol
	v := plain{TimelineStart: DefaultTimelineStart, TimelineEnd: DefaultTimelineEnd}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Protocol(v)
	return nil
}

// TimelineDays returns the number of days in the protocol window.
func (p *Protocol) TimelineDays() int {
	if p.TimelineStart > p.TimelineEnd {
		return 0
	}
	return p.TimelineEnd - p.TimelineStart + 1
}

// Template returns the task template with the given id.
func (p *Protocol) Template(id uuid.UUID) (*TaskTemplate, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// TaskTemplate maps to the task_template table.
type TaskTemplate struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	ProtocolID   uuid.UUID      `db:"protocol_id" json:"protocol_id"`
	Type         TaskType       `db:"type" json:"type"`
	Title        string         `db:"title" json:"title"`
	Description  *string        `db:"description" json:"description,omitempty"`
	Content      Content        `db:"content" json:"content"`
	Required     bool           `db:"required" json:"required"`
	Recurrence   RecurrenceRule `db:"recurrence" json:"recurrence"`
	Dependencies []uuid.UUID    `db:"dependencies" json:"dependencies,omitempty"`
	Triggers     []Trigger      `db:"triggers" json:"triggers,omitempty"`
	Position     int            `db:"position" json:"position"`
}

// Trigger pairs a condition on a completed task's response with an action.
type Trigger struct {
	Condition Condition `json:"condition" yaml:"condition"`
	Action    Action    `json:"action" yaml:"action"`
}

// Condition compares one response field to a value, e.g. pain_level gt 7.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// Action is what happens when a trigger fires.
type Action struct {
	Type    string `json:"type" yaml:"type"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

const (
	ActionNotifyProvider = "notify_provider"
	ActionSendMessage    = "send_message"
	ActionFlagForReview  = "flag_for_review"
)

var validActions = map[string]bool{
	ActionNotifyProvider: true, ActionSendMessage: true, ActionFlagForReview: true,
}

var validOperators = map[string]bool{
	"gt": true, "gte": true, "lt": true, "lte": true, "eq": true, "neq": true,
}

// Draft is a resolved, not yet persisted, task occurrence.
type Draft struct {
	TemplateID    uuid.UUID `json:"template_id"`
	ScheduledDate time.Time `json:"scheduled_date"`
	RecoveryDay   int       `json:"recovery_day"`
	Status        string    `json:"status"`
	TaskType      TaskType  `json:"task_type"`
	Title         string    `json:"title"`
	Required      bool      `json:"required"`
}
