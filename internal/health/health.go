// Package health grades a target's operational state from its snapshot and
// most recent journal entries.
package health

import (
	"github.com/davidahmann/sentinel/pkg/types"
)

type Verdict string

const (
	VerdictOK    Verdict = "OK"
	VerdictWarn  Verdict = "WARN"
	VerdictAlert Verdict = "ALERT"
)

func (v Verdict) rank() int {
	switch v {
	case VerdictAlert:
		return 2
	case VerdictWarn:
		return 1
	default:
		return 0
	}
}

type Input struct {
	Target          types.TargetSnapshot
	CooldownSeconds int64
	// Recent holds the latest journal entries in ascending order.
	Recent []types.JournalEntry
}

type Report struct {
	Target          types.TargetSnapshot `json:"target"`
	CooldownSeconds int64                `json:"cooldown_seconds"`
	LastDecision    *types.JournalEntry  `json:"last_decision,omitempty"`
	Verdict         Verdict              `json:"verdict"`
	Reasons         []string             `json:"reasons"`
	Recommendations []string             `json:"recommendations"`
}

// Evaluate never lowers a verdict once raised: a paused target stays ALERT
// even when later checks only warrant WARN.
func Evaluate(in Input) Report {
	r := Report{
		Target:          in.Target,
		CooldownSeconds: in.CooldownSeconds,
		Verdict:         VerdictOK,
		Reasons:         []string{},
		Recommendations: []string{},
	}
	raise := func(v Verdict, reason string, recs ...string) {
		if v.rank() > r.Verdict.rank() {
			r.Verdict = v
		}
		r.Reasons = append(r.Reasons, reason)
		r.Recommendations = append(r.Recommendations, recs...)
	}

	if in.Target.Paused {
		raise(VerdictAlert, "target_paused",
			"Target is PAUSED. Treat as active incident state.",
			"Pull the incident bundle for the PAUSE decision and review the signal.",
			"Recovery (unpause) happens outside the engine and must go through governance.")
	} else if in.Target.Mode >= 2 {
		raise(VerdictWarn, "risk_mode_elevated",
			"Risk mode is elevated (>=2). Monitor closely and consider SHADOW until stable.")
	}

	if len(in.Recent) == 0 {
		raise(VerdictWarn, "no_decisions",
			"No journal entries found for target. Verify the signal source is submitting.")
		return r
	}

	last := in.Recent[len(in.Recent)-1]
	r.LastDecision = &last
	if last.ActionExecuted == types.OutcomeCooldownBlocked {
		raise(VerdictWarn, "last_cooldown_blocked",
			"Last action was COOLDOWN_BLOCKED. Cooldown is preventing repeated escalation.",
			"Wait for the cooldown window, then re-submit if the signal persists.")
	}
	if !last.Success {
		raise(VerdictWarn, "last_journal_failed",
			"Last decision recorded success=false. Check journal storage and target permissions.",
			"Run verify-id to confirm the decision id matches its inputs.")
	}
	return r
}

// NextStep is a single follow-up suggestion for the verdict.
func NextStep(v Verdict) string {
	switch v {
	case VerdictAlert:
		return "Investigate incident: export the latest PAUSE bundle and review the journal."
	case VerdictWarn:
		return "Show the last decision and verify its id with verify-id."
	default:
		return "Run a SHADOW evaluation or a controlled EXECUTE run."
	}
}
