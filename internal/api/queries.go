package api

import (
	"errors"
	"fmt"

	"github.com/davidahmann/sentinel/internal/decision"
	"github.com/davidahmann/sentinel/internal/health"
	"github.com/davidahmann/sentinel/internal/incident"
	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/pkg/types"
)

var ErrNotFound = errors.New("not found")

type JournalPage struct {
	Entries []types.JournalEntry `json:"entries"`
	Next    string               `json:"next,omitempty"`
}

// Journal returns one page of entries. Next is set when the page is full and
// more entries may follow.
func (s *EvaluateService) Journal(q ledger.EntryQuery) (JournalPage, error) {
	recs, err := s.Store.QueryEntries(q)
	if err != nil {
		return JournalPage{}, err
	}
	entries, err := ledger.DecodeEntries(recs)
	if err != nil {
		return JournalPage{}, err
	}
	page := JournalPage{Entries: entries}
	if !q.Latest && len(recs) == q.EffectiveLimit() {
		last := recs[len(recs)-1]
		page.Next = FormatCursor(ledger.Cursor{Timestamp: last.Timestamp, Seq: last.Seq})
	}
	return page, nil
}

func (s *EvaluateService) Entry(entryID string) (types.JournalEntry, error) {
	rec, ok := s.Store.GetEntry(entryID)
	if !ok {
		return types.JournalEntry{}, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	return ledger.DecodeEntry(rec)
}

// Incident regenerates the bundle for a stored entry using the policy
// version that produced it.
func (s *EvaluateService) Incident(entryID string) (types.IncidentBundle, error) {
	entry, err := s.Entry(entryID)
	if err != nil {
		return types.IncidentBundle{}, err
	}
	thresholds := s.thresholds()
	if entry.PolicyHash != "" && entry.PolicyHash != s.Policy.Hash {
		stored, ok := s.Store.GetPolicyVersion(entry.PolicyHash)
		if !ok {
			return types.IncidentBundle{}, fmt.Errorf("policy %s: %w", entry.PolicyHash, ErrNotFound)
		}
		loaded, err := policy.ParsePolicy([]byte(stored.PolicyYAML))
		if err != nil {
			return types.IncidentBundle{}, err
		}
		thresholds = thresholdsOf(loaded.Policy)
	}
	return incident.Build(entry, thresholds, entry.TargetState)
}

// Health grades the target from its state and the last recent entries.
func (s *EvaluateService) Health(recent int) (health.Report, error) {
	state, ok := s.Gate.State(s.TargetID)
	if !ok {
		return health.Report{}, fmt.Errorf("target %s: %w", s.TargetID, ErrNotFound)
	}
	recs, err := s.Store.QueryEntries(ledger.EntryQuery{TargetID: s.TargetID, Limit: recent, Latest: true})
	if err != nil {
		return health.Report{}, err
	}
	entries, err := ledger.DecodeEntries(recs)
	if err != nil {
		return health.Report{}, err
	}
	return health.Evaluate(health.Input{
		Target:          state.Snapshot(),
		CooldownSeconds: s.Policy.Policy.CooldownSeconds,
		Recent:          entries,
	}), nil
}

type VerifyResult struct {
	DecisionID string `json:"decision_id"`
	Expected   string `json:"expected"`
	Digest     string `json:"digest"`
	Canonical  string `json:"canonical"`
	Valid      bool   `json:"valid"`
}

// Verify recomputes a decision id from its inputs.
func Verify(id string, in decision.Inputs) (VerifyResult, error) {
	expected, err := decision.GenerateID(in)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		DecisionID: id,
		Expected:   expected,
		Digest:     decision.FullDigest(in),
		Canonical:  decision.CanonicalString(in),
		Valid:      expected == id,
	}, nil
}
