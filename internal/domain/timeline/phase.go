package timeline

import "time"

// Phase is the display label for a stretch of the recovery timeline.
type Phase string

const (
	PhaseEnrollment           Phase = "enrollment"
	PhasePreOperation         Phase = "pre-operation"
	PhaseSurgery              Phase = "surgery"
	PhaseEarlyRecovery        Phase = "early recovery"
	PhaseIntermediateRecovery Phase = "intermediate recovery"
	PhaseAdvancedRecovery     Phase = "advanced recovery"
)

// PhaseForDay classifies a recovery day.
func PhaseForDay(day int) Phase {
	switch {
	case day < -7:
		return PhaseEnrollment
	case day < 0:
		return PhasePreOperation
	case day == 0:
		return PhaseSurgery
	case day <= 7:
		return PhaseEarlyRecovery
	case day <= 30:
		return PhaseIntermediateRecovery
	default:
		return PhaseAdvancedRecovery
	}
}

// Position describes where a patient is on their timeline on a given day.
type Position struct {
	RecoveryDay int    `json:"recovery_day"`
	Phase       Phase  `json:"phase"`
	Date        string `json:"date"`
}

// PositionAt returns the patient's position for today.
func (a Anchor) PositionAt(surgery, today time.Time) Position {
	day := a.CurrentRecoveryDay(surgery, today)
	return Position{
		RecoveryDay: day,
		Phase:       PhaseForDay(day),
		Date:        a.Day(today).Format(DateLayout),
	}
}
