package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/davidahmann/sentinel/pkg/types"
)

// Property: v1 < v2 implies Classify(v1) <= Classify(v2) by severity.
func TestClassifyMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("classification is monotonic in value", prop.ForAll(
		func(risk, span, v1, delta int64) bool {
			p := Policy{PolicyID: "p", Thresholds: Thresholds{RiskBps: risk, PauseBps: risk + span}}
			v2 := v1 + delta
			return Classify(v1, p).Severity() <= Classify(v2, p).Severity()
		},
		gen.Int64Range(0, 5000),
		gen.Int64Range(0, 5000),
		gen.Int64Range(0, 20000),
		gen.Int64Range(1, 20000),
	))

	properties.Property("threshold boundaries", prop.ForAll(
		func(risk, span int64) bool {
			p := Policy{PolicyID: "p", Thresholds: Thresholds{RiskBps: risk, PauseBps: risk + span}}
			if Classify(p.Thresholds.PauseBps, p) != types.ActionPause {
				return false
			}
			if span >= 1 && Classify(p.Thresholds.PauseBps-1, p) != types.ActionSetRiskMode {
				return false
			}
			if risk > 0 && Classify(risk-1, p) != types.ActionNone {
				return false
			}
			return true
		},
		gen.Int64Range(0, 5000),
		gen.Int64Range(0, 5000),
	))

	properties.Property("classification is referentially transparent", prop.ForAll(
		func(risk, span, v int64) bool {
			p := Policy{PolicyID: "p", Thresholds: Thresholds{RiskBps: risk, PauseBps: risk + span}}
			return Classify(v, p) == Classify(v, p)
		},
		gen.Int64Range(0, 5000),
		gen.Int64Range(0, 5000),
		gen.Int64Range(0, 20000),
	))

	properties.TestingRun(t)
}
