package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every task content variant.
type Payload interface {
	TaskType() TaskType
}

// FormField is one question on a form task.
type FormField struct {
	Name     string   `json:"name" yaml:"name"`
	Label    string   `json:"label" yaml:"label"`
	Kind     string   `json:"kind" yaml:"kind"` // number, scale, text, choice, boolean
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

type FormContent struct {
	Fields []FormField `json:"fields" yaml:"fields"`
}

type ExerciseContent struct {
	Instructions string `json:"instructions" yaml:"instructions"`
	Sets         int    `json:"sets,omitempty" yaml:"sets,omitempty"`
	Reps         int    `json:"reps,omitempty" yaml:"reps,omitempty"`
	HoldSeconds  int    `json:"hold_seconds,omitempty" yaml:"hold_seconds,omitempty"`
	VideoURL     string `json:"video_url,omitempty" yaml:"video_url,omitempty"`
}

type VideoContent struct {
	URL             string `json:"url" yaml:"url"`
	DurationSeconds int    `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
}

type MessageContent struct {
	Body string `json:"body" yaml:"body"`
}

type AppointmentContent struct {
	Location        string `json:"location,omitempty" yaml:"location,omitempty"`
	ProviderRole    string `json:"provider_role,omitempty" yaml:"provider_role,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty" yaml:"duration_minutes,omitempty"`
}

func (FormContent) TaskType() TaskType        { return TaskTypeForm }
func (ExerciseContent) TaskType() TaskType    { return TaskTypeExercise }
func (VideoContent) TaskType() TaskType       { return TaskTypeVideo }
func (MessageContent) TaskType() TaskType     { return TaskTypeMessage }
func (AppointmentContent) TaskType() TaskType { return TaskTypeAppointment }

// Content holds exactly one payload variant. On the wire it is the
// variant's fields plus a "type" discriminator.
type Content struct {
	Payload Payload
}

// Type returns the variant's task type, or "" when empty.
func (c Content) Type() TaskType {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.TaskType()
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Payload == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(c.Payload.TaskType())
	fields["type"] = typ
	return json.Marshal(fields)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.Payload = nil
		return nil
	}
	var head struct {
		Type TaskType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	p, err := newPayload(head.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decode %s content: %w", head.Type, err)
	}
	c.Payload = deref(p)
	return nil
}

func newPayload(t TaskType) (interface{}, error) {
	switch t {
	case TaskTypeForm:
		return &FormContent{}, nil
	case TaskTypeExercise:
		return &ExerciseContent{}, nil
	case TaskTypeVideo:
		return &VideoContent{}, nil
	case TaskTypeMessage:
		return &MessageContent{}, nil
	case TaskTypeAppointment:
		return &AppointmentContent{}, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", t)
	}
}

func deref(p interface{}) Payload {
	switch v := p.(type) {
	case *FormContent:
		return *v
	case *ExerciseContent:
		return *v
	case *VideoContent:
		return *v
	case *MessageContent:
		return *v
	case *AppointmentContent:
		return *v
	}
	return nil
}
