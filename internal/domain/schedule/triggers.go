package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/postop/recovery/internal/domain/protocol"
)

// FiredTrigger is a trigger whose condition held for a submitted response.
type FiredTrigger struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Expected interface{}     `json:"expected"`
	Actual   interface{}     `json:"actual"`
	Action   protocol.Action `json:"action"`
}

// EvaluateTriggers checks every trigger against a JSON object response.
// Missing fields and incomparable values never fire.
func EvaluateTriggers(triggers []protocol.Trigger, response json.RawMessage) []FiredTrigger {
	if len(triggers) == 0 || len(response) == 0 {
		return nil
	}
	var answers map[string]interface{}
	if err := json.Unmarshal(response, &answers); err != nil {
		return nil
	}

	var fired []FiredTrigger
	for _, tr := range triggers {
		actual, ok := answers[tr.Condition.Field]
		if !ok {
			continue
		}
		if match(tr.Condition.Operator, actual, tr.Condition.Value) {
			fired = append(fired, FiredTrigger{
				Field:    tr.Condition.Field,
				Operator: tr.Condition.Operator,
				Expected: tr.Condition.Value,
				Actual:   actual,
				Action:   tr.Action,
			})
		}
	}
	return fired
}

func match(op string, actual, expected interface{}) bool {
	a, aNum := toFloat(actual)
	b, bNum := toFloat(expected)
	if aNum && bNum {
		switch op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		case "lte":
			return a <= b
		case "eq":
			return a == b
		case "neq":
			return a != b
		}
		return false
	}
	as, bs := fmt.Sprint(actual), fmt.Sprint(expected)
	switch op {
	case "eq":
		return as == bs
	case "neq":
		return as != bs
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
