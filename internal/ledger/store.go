package ledger

import "errors"

var (
	ErrDuplicateEntry = errors.New("journal entry already exists")
	ErrInvalidBody    = errors.New("invalid body_json")
)

// Store is the persistence surface for the engine. Journal entries are
// append-only: there is no update or delete path.
type Store interface {
	WithTx(fn func(Tx) error) error

	GetTargetState(targetID string) (TargetStateRecord, bool)
	ListAuthorityEvents(targetID string) ([]AuthorityEventRecord, error)

	AppendEntry(rec EntryRecord) (int64, error)
	GetEntry(entryID string) (EntryRecord, bool)
	QueryEntries(q EntryQuery) ([]EntryRecord, error)

	PutPolicyVersion(policy PolicyVersionRecord) error
	GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool)

	PutIncidentOutbox(rec IncidentOutboxRecord) error
	GetIncidentOutbox(entryID string) (IncidentOutboxRecord, bool)
	ListIncidentOutboxDue(now string, limit int) ([]IncidentOutboxRecord, error)

	PutIdempotencyKey(key IdempotencyKey) error
	GetIdempotencyKey(idemKey string) (IdempotencyKey, bool)
}

// Tx is the transactional view used by the execution gate. GetTargetState
// locks the row where the backend supports it.
type Tx interface {
	GetTargetState(targetID string) (TargetStateRecord, bool, error)
	PutTargetState(rec TargetStateRecord) error
	AppendAuthorityEvent(rec AuthorityEventRecord) error
}

type TargetStateRecord struct {
	TargetID        string
	Owner           string
	AuthorizedActor string
	Mode            int
	Paused          bool
	LastAcceptedAt  *int64
	UpdatedAt       string
}

type EntryRecord struct {
	Seq            int64
	EntryID        string
	DecisionID     string
	TargetID       string
	PolicyID       string
	PolicyHash     string
	ActionComputed string
	ActionExecuted string
	ExecutionMode  string
	Timestamp      int64
	Success        bool
	BodyJSON       []byte
	CreatedAt      string
}

// Cursor resumes a query strictly after the given position.
type Cursor struct {
	Timestamp int64
	Seq       int64
}

// EntryQuery selects entries ordered by (timestamp, seq). From and To bound
// the timestamp inclusively; a zero Limit means DefaultQueryLimit.
type EntryQuery struct {
	TargetID string
	From     *int64
	To       *int64
	After    *Cursor
	Limit    int
	// Latest returns the last Limit entries, still in ascending order.
	Latest bool
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func (q EntryQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return q.Limit
	}
}

type AuthorityEventRecord struct {
	TargetID      string
	PreviousActor string
	NewActor      string
	ChangedBy     string
	ChangedAt     int64
}

type PolicyVersionRecord struct {
	PolicyHash    string
	PolicyID      string
	PolicyVersion string
	PolicyYAML    string
	CreatedAt     string
}

type IncidentOutboxRecord struct {
	EntryID       string
	DecisionID    string
	BundleJSON    []byte
	Status        string // pending | sent
	AttemptCount  int
	NextAttemptAt string
	LastError     *string
	SentAt        *string
	CreatedAt     string
	UpdatedAt     string
}

type IdempotencyKey struct {
	IdemKey       string
	RequestDigest string
	EntryID       string
	ResponseJSON  []byte
	CreatedAt     string
}
