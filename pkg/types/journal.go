package types

// JournalEntry is one immutable evaluation record. Seq is assigned by the
// journal store on append.
type JournalEntry struct {
	EntryID        string         `json:"entry_id"`
	Seq            int64          `json:"seq"`
	DecisionID     string         `json:"decision_id"`
	PolicyID       string         `json:"policy_id"`
	PolicyHash     string         `json:"policy_hash,omitempty"`
	Target         string         `json:"target"`
	Submitter      string         `json:"submitter"`
	Signal         Signal         `json:"signal"`
	ActionComputed Action         `json:"action_computed"`
	ActionExecuted Outcome        `json:"action_executed"`
	ShadowAction   Action         `json:"shadow_action,omitempty"`
	ExecutionMode  ExecutionMode  `json:"execution_mode"`
	RiskModeLevel  int            `json:"risk_mode_level"`
	Reason         string         `json:"reason"`
	Meta           map[string]any `json:"meta,omitempty"`
	Advice         *Advice        `json:"advice,omitempty"`
	Success        bool           `json:"success"`
	Timestamp      int64          `json:"timestamp"`
	CreatedAt      string         `json:"created_at"`
	// TargetState is the target as the gate left it after this evaluation.
	TargetState *TargetSnapshot `json:"target_state,omitempty"`
}

type TargetSnapshot struct {
	Target          string `json:"target"`
	Mode            int    `json:"mode"`
	Paused          bool   `json:"paused"`
	AuthorizedActor string `json:"authorized_actor"`
	LastAcceptedAt  *int64 `json:"last_accepted_at,omitempty"`
}

type Thresholds struct {
	Risk            int64 `json:"risk"`
	Pause           int64 `json:"pause"`
	CooldownSeconds int64 `json:"cooldown_seconds"`
}

// IncidentBundle is a derived, regenerable view of a journal entry.
type IncidentBundle struct {
	Schema         string          `json:"schema"`
	EntryID        string          `json:"entry_id"`
	DecisionID     string          `json:"decision_id"`
	PolicyID       string          `json:"policy_id"`
	ActionComputed Action          `json:"action_computed"`
	ActionExecuted Outcome         `json:"action_executed"`
	ShadowAction   Action          `json:"shadow_action,omitempty"`
	Exceeded       bool            `json:"exceeded"`
	Signal         Signal          `json:"signal"`
	Thresholds     Thresholds      `json:"thresholds"`
	ExecutionMode  ExecutionMode   `json:"execution_mode"`
	Meta           map[string]any  `json:"meta,omitempty"`
	Reason         string          `json:"reason"`
	Advice         *Advice         `json:"advice,omitempty"`
	Target         *TargetSnapshot `json:"target,omitempty"`
	CreatedAt      string          `json:"created_at"`
	BundleDigest   string          `json:"bundle_digest"`
}
