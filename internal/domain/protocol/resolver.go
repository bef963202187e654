package protocol

import (
	"sort"
	"time"

	"github.com/postop/recovery/internal/domain/timeline"
)

// StatusPending is the status every freshly resolved draft starts in.
const StatusPending = "pending"

// Resolver expands protocols into dated drafts. It is stateless and safe
// for concurrent use.
type Resolver struct {
	anchor timeline.Anchor
}

func NewResolver(anchor timeline.Anchor) *Resolver {
	return &Resolver{anchor: anchor}
}

func (r *Resolver) Anchor() timeline.Anchor { return r.anchor }

// Resolve walks every day of the protocol window and emits a draft for each
// template active on that day. Drafts are ordered by (ScheduledDate,
// TemplateID). An inverted window yields no drafts. Dependencies do not
// affect generation.
func (r *Resolver) Resolve(p *Protocol, surgeryDate time.Time) []Draft {
	if p == nil || p.TimelineStart > p.TimelineEnd {
		return []Draft{}
	}

	drafts := make([]Draft, 0, len(p.Tasks))
	for day := p.TimelineStart; day <= p.TimelineEnd; day++ {
		var date time.Time
		dated := false
		for i := range p.Tasks {
			tmpl := &p.Tasks[i]
			if !IsActiveOnDay(tmpl.Recurrence, day) {
				continue
			}
			if !dated {
				date = r.anchor.ToDate(surgeryDate, day)
				dated = true
			}
			drafts = append(drafts, Draft{
				TemplateID:    tmpl.ID,
				ScheduledDate: date,
				RecoveryDay:   day,
				Status:        StatusPending,
				TaskType:      tmpl.Type,
				Title:         tmpl.Title,
				Required:      tmpl.Required,
			})
		}
	}

	sort.SliceStable(drafts, func(i, j int) bool {
		if !drafts[i].ScheduledDate.Equal(drafts[j].ScheduledDate) {
			return drafts[i].ScheduledDate.Before(drafts[j].ScheduledDate)
		}
		return drafts[i].TemplateID.String() < drafts[j].TemplateID.String()
	})
	return drafts
}

// DayGroup is the set of drafts that fall on one recovery day.
type DayGroup struct {
	RecoveryDay int     `json:"recovery_day"`
	Date        string  `json:"date"`
	Phase       string  `json:"phase"`
	Drafts      []Draft `json:"tasks"`
}

// GroupByDay groups ordered drafts by recovery day, preserving order.
func GroupByDay(drafts []Draft) []DayGroup {
	var groups []DayGroup
	for _, d := range drafts {
		if n := len(groups); n > 0 && groups[n-1].RecoveryDay == d.RecoveryDay {
			groups[n-1].Drafts = append(groups[n-1].Drafts, d)
			continue
		}
		groups = append(groups, DayGroup{
			RecoveryDay: d.RecoveryDay,
			Date:        d.ScheduledDate.Format(timeline.DateLayout),
			Phase:       string(timeline.PhaseForDay(d.RecoveryDay)),
			Drafts:      []Draft{d},
		})
	}
	return groups
}
