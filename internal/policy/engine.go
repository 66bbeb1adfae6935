package policy

import "github.com/davidahmann/sentinel/pkg/types"

// Classify maps a signal value onto the policy's two thresholds.
func Classify(value int64, p Policy) types.Action {
	if value >= p.Thresholds.PauseBps {
		return types.ActionPause
	}
	if value >= p.Thresholds.RiskBps {
		return types.ActionSetRiskMode
	}
	return types.ActionNone
}

// Exceeded reports whether value crosses at least the risk threshold.
func Exceeded(value int64, p Policy) bool {
	return Classify(value, p) != types.ActionNone
}
