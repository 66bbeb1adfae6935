package types

import "strings"

// Action is the classifier verdict for a signal.
type Action string

const (
	ActionNone        Action = "NO_ACTION"
	ActionSetRiskMode Action = "SET_RISK_MODE"
	ActionPause       Action = "PAUSE"
)

// Severity orders actions: NO_ACTION < SET_RISK_MODE < PAUSE.
func (a Action) Severity() int {
	switch a {
	case ActionSetRiskMode:
		return 1
	case ActionPause:
		return 2
	default:
		return 0
	}
}

func (a Action) Valid() bool {
	switch a {
	case ActionNone, ActionSetRiskMode, ActionPause:
		return true
	default:
		return false
	}
}

// Outcome is what the gate actually did with an action. It extends Action
// with COOLDOWN_BLOCKED, which is never a classifier output.
type Outcome string

const (
	OutcomeNoAction        Outcome = "NO_ACTION"
	OutcomeSetRiskMode     Outcome = "SET_RISK_MODE"
	OutcomePause           Outcome = "PAUSE"
	OutcomeCooldownBlocked Outcome = "COOLDOWN_BLOCKED"
)

// OutcomeOf maps an applied action to its outcome.
func OutcomeOf(a Action) Outcome {
	switch a {
	case ActionSetRiskMode:
		return OutcomeSetRiskMode
	case ActionPause:
		return OutcomePause
	default:
		return OutcomeNoAction
	}
}

// ExecutionMode selects whether accepted actions reach the managed target.
type ExecutionMode string

const (
	ModeExecute ExecutionMode = "EXECUTE"
	ModeShadow  ExecutionMode = "SHADOW"
)

// NormalizeExecutionMode accepts SHADOW and its legacy alias DRY_RUN; anything
// else executes.
func NormalizeExecutionMode(raw string) ExecutionMode {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SHADOW", "DRY_RUN":
		return ModeShadow
	default:
		return ModeExecute
	}
}

type Signal struct {
	Type  string `json:"signal_type"`
	Value int64  `json:"signal_value"`
}

type Advice struct {
	Severity          string  `json:"severity"`
	RecommendedAction Action  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`
	Rationale         string  `json:"rationale"`
}
