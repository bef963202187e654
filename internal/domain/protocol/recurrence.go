package protocol

// IsActiveOnDay reports whether a template with the given rule is due on
// recovery day `day`.
//
// Monthly spacing is a fixed 30 days, not calendar months. Unknown
// frequencies are treated as active; Validate keeps them out of new
// protocols but rules stored before validation existed still resolve.
func IsActiveOnDay(rule RecurrenceRule, day int) bool {
	if day < rule.StartDay || day > rule.StopDay {
		return false
	}
	if !rule.Repeat {
		return day == rule.StartDay
	}

	delta := day - rule.StartDay
	switch rule.Frequency {
	case FrequencyDaily:
		return true
	case FrequencyEveryOtherDay:
		return delta%2 == 0
	case FrequencyWeekly:
		return delta%7 == 0
	case FrequencyBiweekly:
		return delta%14 == 0
	case FrequencyMonthly:
		return delta%30 == 0
	case FrequencyCustom:
		interval := rule.Interval
		if interval < 1 {
			interval = 1
		}
		return delta%interval == 0
	case FrequencyMilestone:
		for _, m := range rule.MilestoneDays {
			if m == day {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// ActiveDays lists the days in [from, to] on which the rule is active.
func ActiveDays(rule RecurrenceRule, from, to int) []int {
	var days []int
	for d := from; d <= to; d++ {
		if IsActiveOnDay(rule, d) {
			days = append(days, d)
		}
	}
	return days
}
