package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/sentinel/internal/advisor"
	"github.com/davidahmann/sentinel/internal/crypto"
	"github.com/davidahmann/sentinel/internal/decision"
	"github.com/davidahmann/sentinel/internal/gate"
	"github.com/davidahmann/sentinel/internal/incident"
	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/internal/signal"
	"github.com/davidahmann/sentinel/internal/telemetry"
	"github.com/davidahmann/sentinel/pkg/types"
)

var (
	ErrInvalidSubmission   = errors.New("invalid submission")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
)

// Submission is the body of POST /v1/decisions. Exactly one of SignalValue
// and PriceFeed is expected; PriceFeed wins when both are set.
type Submission struct {
	SignalValue *int64            `json:"signalValue,omitempty"`
	SignalType  string            `json:"signalType,omitempty"`
	PriceFeed   *signal.PriceFeed `json:"priceFeed,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Meta        map[string]any    `json:"meta,omitempty"`
	// ExecutionMode can force SHADOW for one evaluation. It never upgrades a
	// SHADOW service to EXECUTE.
	ExecutionMode string `json:"executionMode,omitempty"`
}

type EvaluateResult struct {
	Entry            types.JournalEntry `json:"entry"`
	Accepted         bool               `json:"accepted"`
	RemainingSeconds int64              `json:"remaining_seconds,omitempty"`
	Incident         string             `json:"incident,omitempty"`
	JournalError     string             `json:"journal_error,omitempty"`
	Replayed         bool               `json:"replayed,omitempty"`
}

type EvaluateService struct {
	Policy   policy.LoadedPolicy
	Gate     *gate.Gate
	Store    ledger.Store
	Advisor  advisor.Advisor
	Sink     incident.Sink
	Mode     types.ExecutionMode
	TargetID string
	Now      func() time.Time
	NewID    func() string
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

type NewEvaluateServiceInput struct {
	Policy   policy.LoadedPolicy
	Gate     *gate.Gate
	Store    ledger.Store
	Advisor  advisor.Advisor
	Sink     incident.Sink
	Mode     types.ExecutionMode
	TargetID string
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// NewEvaluateService records the active policy version so bundles for past
// entries can be regenerated with the thresholds that produced them.
func NewEvaluateService(in NewEvaluateServiceInput) (*EvaluateService, error) {
	if in.Gate == nil || in.Store == nil {
		return nil, fmt.Errorf("gate and store are required")
	}
	if in.TargetID == "" {
		return nil, fmt.Errorf("target id is required")
	}
	if strings.Contains(in.TargetID, "|") || strings.Contains(in.Policy.Policy.PolicyID, "|") {
		return nil, decision.ErrMalformedInput
	}
	if in.Advisor == nil {
		in.Advisor = advisor.RulesAdvisor{}
	}
	if in.Mode == "" {
		in.Mode = types.ModeExecute
	}
	if in.Logger == nil {
		in.Logger = slog.Default().With("component", "evaluate")
	}

	if err := in.Store.PutPolicyVersion(ledger.PolicyVersionRecord{
		PolicyHash:    in.Policy.Hash,
		PolicyID:      in.Policy.Policy.PolicyID,
		PolicyVersion: in.Policy.Policy.PolicyVersion,
		PolicyYAML:    string(in.Policy.Bytes),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("record policy version: %w", err)
	}

	return &EvaluateService{
		Policy:   in.Policy,
		Gate:     in.Gate,
		Store:    in.Store,
		Advisor:  in.Advisor,
		Sink:     in.Sink,
		Mode:     in.Mode,
		TargetID: in.TargetID,
		Logger:   in.Logger,
		Metrics:  in.Metrics,
	}, nil
}

func (s *EvaluateService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *EvaluateService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Evaluate runs one submission through classification, the advisor, the
// execution gate (or shadow) and the journal. Suppression and shadow are
// normal results; only authorization, validation and gate storage faults are
// returned as errors.
func (s *EvaluateService) Evaluate(ctx context.Context, submitter string, sub Submission, idemKey string) (EvaluateResult, error) {
	var requestDigest, scopedKey string
	if idemKey != "" {
		raw, err := json.Marshal(sub)
		if err != nil {
			return EvaluateResult{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		requestDigest = crypto.DigestWithPrefix(raw)
		scopedKey = crypto.DigestHex([]byte(submitter + "\n" + idemKey))

		// Held until the result is remembered so a concurrent retry with the
		// same key replays instead of evaluating twice. Always taken before
		// the target lock.
		release, err := s.Gate.Locker.Lock(ctx, idempotencyLockPrefix+scopedKey)
		if err != nil {
			return EvaluateResult{}, fmt.Errorf("lock idempotency key: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.Logger.ErrorContext(ctx, "release idempotency lock", "error", err)
			}
		}()

		if res, ok, err := s.replay(scopedKey, requestDigest); ok || err != nil {
			return res, err
		}
	}

	p := s.Policy.Policy
	sig, meta, err := resolveSignal(sub, p.Signal())
	if err != nil {
		return EvaluateResult{}, err
	}

	computed := policy.Classify(sig.Value, p)
	exceeded := policy.Exceeded(sig.Value, p)
	advice, _ := advisor.Safe{
		Inner:     s.Advisor,
		Logger:    s.Logger,
		OnFailure: func() { s.Metrics.AdvisorFailure(ctx) },
	}.Advise(ctx, sig, p)

	mode := s.Mode
	if types.NormalizeExecutionMode(sub.ExecutionMode) == types.ModeShadow {
		mode = types.ModeShadow
	}

	entry := types.JournalEntry{
		EntryID:        s.newID(),
		PolicyID:       p.PolicyID,
		PolicyHash:     s.Policy.Hash,
		Target:         s.TargetID,
		Submitter:      submitter,
		Signal:         sig,
		ActionComputed: computed,
		ExecutionMode:  mode,
		RiskModeLevel:  p.RiskLevel(),
		Reason:         advisor.Reason(sub.Reason, exceeded, advice),
		Meta:           meta,
		Advice:         &advice,
	}

	var res EvaluateResult
	if mode == types.ModeShadow {
		if submitter != s.Gate.Submitter {
			s.Metrics.AuthRejected(ctx, "invalid_sender")
			return EvaluateResult{}, gate.ErrInvalidSender
		}
		entry.ActionExecuted = types.OutcomeNoAction
		if computed != types.ActionNone {
			entry.ShadowAction = computed
		}
		if state, ok := s.Gate.State(s.TargetID); ok {
			snap := state.Snapshot()
			entry.TargetState = &snap
		}
		res, err = s.journal(ctx, entry, s.now().Unix())
		if err != nil {
			return EvaluateResult{}, err
		}
	} else {
		var commitErr error
		_, err = s.Gate.Evaluate(ctx, gate.Request{
			Target:          s.TargetID,
			Submitter:       submitter,
			Action:          computed,
			RiskModeLevel:   p.RiskLevel(),
			CooldownSeconds: p.CooldownSeconds,
		}, func(ctx context.Context, adm gate.Admission) {
			entry.ActionExecuted = adm.Outcome
			if !adm.Accepted {
				entry.Reason = adm.Reason
			}
			snap := adm.State.Snapshot()
			entry.TargetState = &snap
			res, commitErr = s.journal(ctx, entry, adm.Now)
			res.Accepted = adm.Accepted
			res.RemainingSeconds = adm.RemainingSeconds
		})
		if err != nil {
			return EvaluateResult{}, err
		}
		if commitErr != nil {
			return EvaluateResult{}, commitErr
		}
	}

	s.Metrics.Decision(ctx, s.TargetID, string(computed), string(res.Entry.ActionExecuted), string(mode))
	s.Logger.InfoContext(ctx, "decision evaluated",
		"decision_id", res.Entry.DecisionID,
		"target", s.TargetID,
		"signal_value", sig.Value,
		"action_computed", computed,
		"action_executed", res.Entry.ActionExecuted,
		"execution_mode", mode,
	)

	res.Incident = s.materialize(ctx, res.Entry)

	if scopedKey != "" && res.JournalError == "" {
		s.remember(ctx, scopedKey, requestDigest, res)
	}
	return res, nil
}

// journal stamps the entry with its decision id and appends it. A storage
// failure does not fail the evaluation: the target may already have been
// mutated, so the result is returned with JournalError set.
func (s *EvaluateService) journal(ctx context.Context, entry types.JournalEntry, now int64) (EvaluateResult, error) {
	entry.Timestamp = now
	entry.CreatedAt = time.Unix(now, 0).UTC().Format(time.RFC3339)
	id, err := decision.GenerateID(decision.InputsOf(entry))
	if err != nil {
		return EvaluateResult{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	entry.DecisionID = id
	entry.Success = true

	res := EvaluateResult{}
	rec, err := ledger.EncodeEntry(entry)
	if err == nil {
		entry.Seq, err = s.Store.AppendEntry(rec)
	}
	if err != nil {
		entry.Success = false
		res.JournalError = err.Error()
		s.Metrics.JournalFailure(ctx, entry.Target)
		s.Logger.ErrorContext(ctx, "journal append failed",
			"decision_id", entry.DecisionID,
			"entry_id", entry.EntryID,
			"action_executed", entry.ActionExecuted,
			"error", err,
		)
	}
	res.Entry = entry
	return res, nil
}

// materialize writes the incident bundle, queueing it for retry when the sink
// fails. It returns the sink location, or "" when nothing was written yet.
func (s *EvaluateService) materialize(ctx context.Context, entry types.JournalEntry) string {
	if s.Sink == nil {
		return ""
	}
	bundle, err := incident.Build(entry, s.thresholds(), entry.TargetState)
	if err != nil {
		s.Logger.ErrorContext(ctx, "build incident bundle", "decision_id", entry.DecisionID, "error", err)
		return ""
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		s.Logger.ErrorContext(ctx, "encode incident bundle", "decision_id", entry.DecisionID, "error", err)
		return ""
	}
	loc, err := s.Sink.Write(ctx, entry.DecisionID, data)
	if err == nil {
		return loc
	}

	s.Logger.WarnContext(ctx, "incident sink write failed, queued for retry", "decision_id", entry.DecisionID, "error", err)
	s.Metrics.IncidentRetry(ctx)
	if qerr := incident.Enqueue(s.Store, entry.EntryID, entry.DecisionID, data, err, s.now()); qerr != nil {
		s.Logger.ErrorContext(ctx, "enqueue incident bundle", "decision_id", entry.DecisionID, "error", qerr)
	}
	return ""
}

func (s *EvaluateService) thresholds() types.Thresholds {
	return thresholdsOf(s.Policy.Policy)
}

func thresholdsOf(p policy.Policy) types.Thresholds {
	return types.Thresholds{
		Risk:            p.Thresholds.RiskBps,
		Pause:           p.Thresholds.PauseBps,
		CooldownSeconds: p.CooldownSeconds,
	}
}

const idempotencyLockPrefix = "idem:"

func (s *EvaluateService) replay(scopedKey, requestDigest string) (EvaluateResult, bool, error) {
	stored, ok := s.Store.GetIdempotencyKey(scopedKey)
	if !ok {
		return EvaluateResult{}, false, nil
	}
	if stored.RequestDigest != requestDigest {
		return EvaluateResult{}, true, ErrIdempotencyConflict
	}
	var res EvaluateResult
	if err := json.Unmarshal(stored.ResponseJSON, &res); err != nil {
		return EvaluateResult{}, true, fmt.Errorf("decode stored response: %w", err)
	}
	res.Replayed = true
	return res, true, nil
}

func (s *EvaluateService) remember(ctx context.Context, scopedKey, requestDigest string, res EvaluateResult) {
	raw, err := json.Marshal(res)
	if err == nil {
		err = s.Store.PutIdempotencyKey(ledger.IdempotencyKey{
			IdemKey:       scopedKey,
			RequestDigest: requestDigest,
			EntryID:       res.Entry.EntryID,
			ResponseJSON:  raw,
			CreatedAt:     s.now().Format(time.RFC3339),
		})
	}
	if err != nil {
		s.Logger.WarnContext(ctx, "store idempotency key", "entry_id", res.Entry.EntryID, "error", err)
	}
}

func resolveSignal(sub Submission, policyType string) (types.Signal, map[string]any, error) {
	meta := map[string]any{}
	for k, v := range sub.Meta {
		meta[k] = v
	}

	signalType := sub.SignalType
	if signalType == "" {
		signalType = policyType
	}

	var sig types.Signal
	switch {
	case sub.PriceFeed != nil:
		if sub.PriceFeed.Current < 0 || sub.PriceFeed.Baseline < 0 {
			return types.Signal{}, nil, fmt.Errorf("%w: prices must be non-negative", ErrInvalidSubmission)
		}
		var feedMeta map[string]any
		sig, feedMeta = signal.FromPriceFeed(*sub.PriceFeed, signalType)
		for k, v := range feedMeta {
			meta[k] = v
		}
	case sub.SignalValue != nil:
		sig = types.Signal{Type: signalType, Value: *sub.SignalValue}
		meta["signal_mode"] = "HTTP"
	default:
		return types.Signal{}, nil, fmt.Errorf("%w: signalValue or priceFeed is required", ErrInvalidSubmission)
	}

	if err := signal.Validate(sig, policyType); err != nil {
		return types.Signal{}, nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return sig, meta, nil
}
