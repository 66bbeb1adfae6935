package incident

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/davidahmann/sentinel/internal/crypto"
	"github.com/davidahmann/sentinel/pkg/types"
)

const BundleSchema = "sentinel.incident.v0.1"

// Build assembles the incident bundle for a journal entry. The bundle is a
// derived view: rebuilding it from the same entry, thresholds and snapshot
// yields the same digest.
func Build(entry types.JournalEntry, thresholds types.Thresholds, snapshot *types.TargetSnapshot) (types.IncidentBundle, error) {
	bundle := types.IncidentBundle{
		Schema:         BundleSchema,
		EntryID:        entry.EntryID,
		DecisionID:     entry.DecisionID,
		PolicyID:       entry.PolicyID,
		ActionComputed: entry.ActionComputed,
		ActionExecuted: entry.ActionExecuted,
		ShadowAction:   entry.ShadowAction,
		Exceeded:       entry.ActionComputed != types.ActionNone,
		Signal:         entry.Signal,
		Thresholds:     thresholds,
		ExecutionMode:  entry.ExecutionMode,
		Meta:           entry.Meta,
		Reason:         entry.Reason,
		Advice:         entry.Advice,
		Target:         snapshot,
		CreatedAt:      entry.CreatedAt,
	}
	if bundle.CreatedAt == "" {
		bundle.CreatedAt = time.Unix(entry.Timestamp, 0).UTC().Format(time.RFC3339)
	}

	digest, err := Digest(bundle)
	if err != nil {
		return types.IncidentBundle{}, err
	}
	bundle.BundleDigest = digest
	return bundle, nil
}

// Digest hashes the canonical signing view of a bundle. BundleDigest itself
// is excluded. Meta is embedded as its JSON encoding because it may carry
// decimal values, which canonical JSON does not allow.
func Digest(b types.IncidentBundle) (string, error) {
	view := map[string]any{
		"schema":          b.Schema,
		"entry_id":        b.EntryID,
		"decision_id":     b.DecisionID,
		"policy_id":       b.PolicyID,
		"action_computed": string(b.ActionComputed),
		"action_executed": string(b.ActionExecuted),
		"exceeded":        b.Exceeded,
		"signal": map[string]any{
			"signal_type":  b.Signal.Type,
			"signal_value": b.Signal.Value,
		},
		"thresholds": map[string]any{
			"risk":             b.Thresholds.Risk,
			"pause":            b.Thresholds.Pause,
			"cooldown_seconds": b.Thresholds.CooldownSeconds,
		},
		"execution_mode": string(b.ExecutionMode),
		"reason":         b.Reason,
		"created_at":     b.CreatedAt,
	}
	if b.ShadowAction != "" {
		view["shadow_action"] = string(b.ShadowAction)
	}
	if len(b.Meta) > 0 {
		metaJSON, err := json.Marshal(b.Meta)
		if err != nil {
			return "", err
		}
		view["meta_json"] = string(metaJSON)
	}
	if b.Advice != nil {
		view["advice"] = map[string]any{
			"severity":           b.Advice.Severity,
			"recommended_action": string(b.Advice.RecommendedAction),
			"confidence":         strconv.FormatFloat(b.Advice.Confidence, 'f', -1, 64),
			"rationale":          b.Advice.Rationale,
		}
	}
	if b.Target != nil {
		target := map[string]any{
			"target":           b.Target.Target,
			"mode":             b.Target.Mode,
			"paused":           b.Target.Paused,
			"authorized_actor": b.Target.AuthorizedActor,
		}
		if b.Target.LastAcceptedAt != nil {
			target["last_accepted_at"] = *b.Target.LastAcceptedAt
		}
		view["target"] = target
	}
	return crypto.CanonicalDigest(view)
}

// Verify recomputes the digest and compares it with the recorded one.
func Verify(b types.IncidentBundle) (bool, error) {
	digest, err := Digest(b)
	if err != nil {
		return false, err
	}
	return digest == b.BundleDigest, nil
}
