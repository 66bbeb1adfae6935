package ledger

import (
	"encoding/json"
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	targets   map[string]TargetStateRecord
	authority []AuthorityEventRecord
	entries   []EntryRecord
	entryIdx  map[string]int
	nextSeq   int64
	policies  map[string]PolicyVersionRecord
	outbox    map[string]IncidentOutboxRecord
	idemKeys  map[string]IdempotencyKey
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		targets:  make(map[string]TargetStateRecord),
		entryIdx: make(map[string]int),
		nextSeq:  1,
		policies: make(map[string]PolicyVersionRecord),
		outbox:   make(map[string]IncidentOutboxRecord),
		idemKeys: make(map[string]IdempotencyKey),
	}
}

// WithTx holds the store mutex for the duration of fn, so concurrent
// transactions are fully serialized. Writes are staged and discarded when fn
// fails.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, targets: make(map[string]TargetStateRecord)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, rec := range tx.targets {
		s.targets[id] = rec
	}
	s.authority = append(s.authority, tx.authority...)
	return nil
}

type memTx struct {
	store     *InMemoryStore
	targets   map[string]TargetStateRecord
	authority []AuthorityEventRecord
}

func (t *memTx) GetTargetState(targetID string) (TargetStateRecord, bool, error) {
	if rec, ok := t.targets[targetID]; ok {
		return rec, true, nil
	}
	rec, ok := t.store.targets[targetID]
	return cloneTarget(rec), ok, nil
}

func (t *memTx) PutTargetState(rec TargetStateRecord) error {
	t.targets[rec.TargetID] = cloneTarget(rec)
	return nil
}

func (t *memTx) AppendAuthorityEvent(rec AuthorityEventRecord) error {
	t.authority = append(t.authority, rec)
	return nil
}

func (s *InMemoryStore) GetTargetState(targetID string) (TargetStateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.targets[targetID]
	return cloneTarget(rec), ok
}

func (s *InMemoryStore) ListAuthorityEvents(targetID string) ([]AuthorityEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []AuthorityEventRecord{}
	for _, ev := range s.authority {
		if ev.TargetID == targetID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendEntry(rec EntryRecord) (int64, error) {
	if !json.Valid(rec.BodyJSON) {
		return 0, ErrInvalidBody
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entryIdx[rec.EntryID]; dup {
		return 0, ErrDuplicateEntry
	}
	rec.Seq = s.nextSeq
	s.nextSeq++
	rec.BodyJSON = append([]byte(nil), rec.BodyJSON...)
	s.entryIdx[rec.EntryID] = len(s.entries)
	s.entries = append(s.entries, rec)
	return rec.Seq, nil
}

func (s *InMemoryStore) GetEntry(entryID string) (EntryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.entryIdx[entryID]
	if !ok {
		return EntryRecord{}, false
	}
	return s.entries[idx], true
}

func (s *InMemoryStore) QueryEntries(q EntryQuery) ([]EntryRecord, error) {
	s.mu.Lock()
	matched := make([]EntryRecord, 0, len(s.entries))
	for _, rec := range s.entries {
		if matchesQuery(rec, q) {
			matched = append(matched, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return entryLess(matched[i], matched[j]) })
	limit := q.EffectiveLimit()
	if len(matched) <= limit {
		return matched, nil
	}
	if q.Latest {
		return matched[len(matched)-limit:], nil
	}
	return matched[:limit], nil
}

func matchesQuery(rec EntryRecord, q EntryQuery) bool {
	if q.TargetID != "" && rec.TargetID != q.TargetID {
		return false
	}
	if q.From != nil && rec.Timestamp < *q.From {
		return false
	}
	if q.To != nil && rec.Timestamp > *q.To {
		return false
	}
	if q.After != nil && !entryLess(EntryRecord{Timestamp: q.After.Timestamp, Seq: q.After.Seq}, rec) {
		return false
	}
	return true
}

func entryLess(a, b EntryRecord) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}

func (s *InMemoryStore) PutPolicyVersion(policy PolicyVersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policy.PolicyHash]; ok {
		return nil
	}
	s.policies[policy.PolicyHash] = policy
	return nil
}

func (s *InMemoryStore) GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[policyHash]
	return policy, ok
}

func (s *InMemoryStore) PutIncidentOutbox(rec IncidentOutboxRecord) error {
	if !json.Valid(rec.BundleJSON) {
		return ErrInvalidBody
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[rec.EntryID] = rec
	return nil
}

func (s *InMemoryStore) GetIncidentOutbox(entryID string) (IncidentOutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[entryID]
	return rec, ok
}

func (s *InMemoryStore) ListIncidentOutboxDue(now string, limit int) ([]IncidentOutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []IncidentOutboxRecord{}
	for _, rec := range s.outbox {
		if rec.Status != "pending" || rec.NextAttemptAt > now {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutIdempotencyKey(key IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idemKeys[key.IdemKey]; ok {
		return nil
	}
	s.idemKeys[key.IdemKey] = key
	return nil
}

func (s *InMemoryStore) GetIdempotencyKey(idemKey string) (IdempotencyKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.idemKeys[idemKey]
	return key, ok
}

func cloneTarget(rec TargetStateRecord) TargetStateRecord {
	if rec.LastAcceptedAt != nil {
		last := *rec.LastAcceptedAt
		rec.LastAcceptedAt = &last
	}
	return rec
}
