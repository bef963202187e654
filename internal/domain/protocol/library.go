package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// templateNamespace seeds ids for templates authored in YAML, so re-importing
// the same file yields the same template ids.
var templateNamespace = uuid.MustParse("5b0f6f5e-3c1d-4f7e-9a55-2f6c0d1b8e41")

type yamlLibrary struct {
	Protocols []yamlProtocol `yaml:"protocols"`
}

type yamlProtocol struct {
	Name          string     `yaml:"name"`
	Description   string     `yaml:"description"`
	SurgeryTypes  []string   `yaml:"surgery_types"`
	TimelineStart *int       `yaml:"timeline_start"`
	TimelineEnd   *int       `yaml:"timeline_end"`
	Inactive      bool       `yaml:"inactive"`
	Tasks         []yamlTask `yaml:"tasks"`
}

type yamlTask struct {
	Key         string                 `yaml:"key"`
	Type        TaskType               `yaml:"type"`
	Title       string                 `yaml:"title"`
	Description string                 `yaml:"description"`
	Required    bool                   `yaml:"required"`
	Content     map[string]interface{} `yaml:"content"`
	Recurrence  RecurrenceRule         `yaml:"recurrence"`
	DependsOn   []string               `yaml:"depends_on"`
	Triggers    []Trigger              `yaml:"triggers"`
}

// LoadLibraryFile reads a protocol library from a YAML file.
func LoadLibraryFile(path string) ([]*Protocol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open protocol library: %w", err)
	}
	defer f.Close()
	return LoadLibrary(f)
}

// LoadLibrary decodes a YAML protocol library. Tasks refer to each other by
// key; keys become stable template ids. Every protocol is validated.
func LoadLibrary(r io.Reader) ([]*Protocol, error) {
	var lib yamlLibrary
	if err := yaml.NewDecoder(r).Decode(&lib); err != nil {
		return nil, fmt.Errorf("decode protocol library: %w", err)
	}

	out := make([]*Protocol, 0, len(lib.Protocols))
	for _, yp := range lib.Protocols {
		p, err := yp.toProtocol()
		if err != nil {
			return nil, fmt.Errorf("protocol %q: %w", yp.Name, err)
		}
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("protocol %q: %w", yp.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (yp yamlProtocol) toProtocol() (*Protocol, error) {
	p := &Protocol{
		Name:          yp.Name,
		SurgeryTypes:  yp.SurgeryTypes,
		TimelineStart: DefaultTimelineStart,
		TimelineEnd:   DefaultTimelineEnd,
		IsActive:      !yp.Inactive,
		Version:       1,
	}
	if yp.Description != "" {
		d := yp.Description
		p.Description = &d
	}
	if yp.TimelineStart != nil {
		p.TimelineStart = *yp.TimelineStart
	}
	if yp.TimelineEnd != nil {
		p.TimelineEnd = *yp.TimelineEnd
	}

	keys := make(map[string]uuid.UUID, len(yp.Tasks))
	for i, yt := range yp.Tasks {
		key := yt.Key
		if key == "" {
			key = yt.Title
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("duplicate task key %q", key)
		}
		keys[key] = uuid.NewSHA1(templateNamespace, []byte(fmt.Sprintf("%s/%d/%s", yp.Name, i, key)))
	}

	for i, yt := range yp.Tasks {
		key := yt.Key
		if key == "" {
			key = yt.Title
		}
		t := TaskTemplate{
			ID:         keys[key],
			Type:       yt.Type,
			Title:      yt.Title,
			Required:   yt.Required,
			Recurrence: yt.Recurrence,
			Triggers:   yt.Triggers,
			Position:   i,
		}
		if yt.Description != "" {
			d := yt.Description
			t.Description = &d
		}
		for _, dep := range yt.DependsOn {
			id, ok := keys[dep]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown key %q", key, dep)
			}
			t.Dependencies = append(t.Dependencies, id)
		}
		if yt.Content != nil {
			c, err := contentFromMap(yt.Type, yt.Content)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", key, err)
			}
			t.Content = c
		}
		p.Tasks = append(p.Tasks, t)
	}
	return p, nil
}

func contentFromMap(t TaskType, m map[string]interface{}) (Content, error) {
	fields := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		fields[k] = v
	}
	fields["type"] = t
	raw, err := json.Marshal(fields)
	if err != nil {
		return Content{}, err
	}
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, err
	}
	return c, nil
}
