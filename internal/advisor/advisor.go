// Package advisor produces non-binding annotations for a signal. Its output
// is recorded alongside a decision and never changes the computed action.
package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/pkg/types"
)

const (
	SeverityLow      = "LOW"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
	SeverityUnknown  = "UNKNOWN"
)

type Advisor interface {
	Advise(ctx context.Context, sig types.Signal, p policy.Policy) (types.Advice, error)
}

// RulesAdvisor mirrors the classifier bands with fixed confidences.
type RulesAdvisor struct{}

func (RulesAdvisor) Advise(_ context.Context, sig types.Signal, p policy.Policy) (types.Advice, error) {
	signalType := sig.Type
	if signalType == "" {
		signalType = p.Signal()
	}
	switch {
	case sig.Value >= p.Thresholds.PauseBps:
		return types.Advice{
			Severity:          SeverityCritical,
			RecommendedAction: types.ActionPause,
			Confidence:        0.9,
			Rationale:         signalType + " deviation extremely high (>= pause threshold).",
		}, nil
	case sig.Value >= p.Thresholds.RiskBps:
		return types.Advice{
			Severity:          SeverityHigh,
			RecommendedAction: types.ActionSetRiskMode,
			Confidence:        0.8,
			Rationale:         signalType + " deviation above risk threshold; recommend tightening controls.",
		}, nil
	default:
		return types.Advice{
			Severity:          SeverityLow,
			RecommendedAction: types.ActionNone,
			Confidence:        0.7,
			Rationale:         signalType + " deviation within acceptable band.",
		}, nil
	}
}

// Neutral is the annotation recorded when an advisor fails.
func Neutral(cause string) types.Advice {
	return types.Advice{
		Severity:          SeverityUnknown,
		RecommendedAction: types.ActionNone,
		Confidence:        0,
		Rationale:         "advisor unavailable: " + cause,
	}
}

// Safe wraps an advisor so errors and panics become a neutral annotation.
type Safe struct {
	Inner     Advisor
	Logger    *slog.Logger
	OnFailure func()
}

func (s Safe) Advise(ctx context.Context, sig types.Signal, p policy.Policy) (advice types.Advice, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, fmt.Sprintf("panic: %v", r))
			advice, err = Neutral("panic"), nil
		}
	}()
	if s.Inner == nil {
		return Neutral("not configured"), nil
	}
	advice, err = s.Inner.Advise(ctx, sig, p)
	if err != nil {
		s.fail(ctx, err.Error())
		return Neutral(err.Error()), nil
	}
	return advice, nil
}

func (s Safe) fail(ctx context.Context, cause string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "advisor failed", "component", "advisor", "error", cause)
	if s.OnFailure != nil {
		s.OnFailure()
	}
}

// Line renders the advisory suffix appended to a decision reason.
func Line(a types.Advice) string {
	return fmt.Sprintf("AI: %s | severity=%s | conf=%s", a.RecommendedAction, a.Severity, strconv.FormatFloat(a.Confidence, 'f', -1, 64))
}

// Reason combines an operator reason (or the default band text) with the
// advisory line.
func Reason(operatorReason string, exceeded bool, a types.Advice) string {
	base := operatorReason
	if base == "" {
		if exceeded {
			base = "threshold exceeded"
		} else {
			base = "within band"
		}
	}
	return base + " | " + Line(a)
}
