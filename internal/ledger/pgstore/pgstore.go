package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/davidahmann/sentinel/internal/ledger"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const targetColumns = `target_id, owner, authorized_actor, mode, paused, last_accepted_at, updated_at::text`

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (ledger.TargetStateRecord, error) {
	var rec ledger.TargetStateRecord
	var last sql.NullInt64
	if err := row.Scan(&rec.TargetID, &rec.Owner, &rec.AuthorizedActor, &rec.Mode, &rec.Paused, &last, &rec.UpdatedAt); err != nil {
		return ledger.TargetStateRecord{}, err
	}
	if last.Valid {
		v := last.Int64
		rec.LastAcceptedAt = &v
	}
	return rec, nil
}

func (s *Store) GetTargetState(targetID string) (ledger.TargetStateRecord, bool) {
	rec, err := scanTarget(s.db.QueryRow(`SELECT `+targetColumns+` FROM sentinel_targets WHERE target_id = $1`, targetID))
	if err != nil {
		return ledger.TargetStateRecord{}, false
	}
	return rec, true
}

func (s *Store) ListAuthorityEvents(targetID string) ([]ledger.AuthorityEventRecord, error) {
	rows, err := s.db.Query(`SELECT target_id, previous_actor, new_actor, changed_by, changed_at FROM sentinel_authority_events WHERE target_id = $1 ORDER BY id ASC`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.AuthorityEventRecord{}
	for rows.Next() {
		var rec ledger.AuthorityEventRecord
		if err := rows.Scan(&rec.TargetID, &rec.PreviousActor, &rec.NewActor, &rec.ChangedBy, &rec.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendEntry(rec ledger.EntryRecord) (int64, error) {
	if !json.Valid(rec.BodyJSON) {
		return 0, ledger.ErrInvalidBody
	}
	var seq int64
	err := s.db.QueryRow(`INSERT INTO sentinel_journal(entry_id, decision_id, target_id, policy_id, policy_hash, action_computed, action_executed, execution_mode, ts, success, body_json, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12::timestamptz)
RETURNING seq`,
		rec.EntryID, rec.DecisionID, rec.TargetID, rec.PolicyID, rec.PolicyHash, rec.ActionComputed, rec.ActionExecuted, rec.ExecutionMode, rec.Timestamp, rec.Success, string(rec.BodyJSON), rec.CreatedAt,
	).Scan(&seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, ledger.ErrDuplicateEntry
		}
		return 0, err
	}
	return seq, nil
}

const entryColumns = `seq, entry_id, decision_id, target_id, policy_id, policy_hash, action_computed, action_executed, execution_mode, ts, success, body_json::text, created_at::text`

func scanEntry(row scanner) (ledger.EntryRecord, error) {
	var rec ledger.EntryRecord
	var body string
	if err := row.Scan(&rec.Seq, &rec.EntryID, &rec.DecisionID, &rec.TargetID, &rec.PolicyID, &rec.PolicyHash, &rec.ActionComputed, &rec.ActionExecuted, &rec.ExecutionMode, &rec.Timestamp, &rec.Success, &body, &rec.CreatedAt); err != nil {
		return ledger.EntryRecord{}, err
	}
	rec.BodyJSON = []byte(body)
	return rec, nil
}

func (s *Store) GetEntry(entryID string) (ledger.EntryRecord, bool) {
	rec, err := scanEntry(s.db.QueryRow(`SELECT `+entryColumns+` FROM sentinel_journal WHERE entry_id = $1`, entryID))
	if err != nil {
		return ledger.EntryRecord{}, false
	}
	return rec, true
}

// buildEntryQuery renders the keyset-paginated journal query with
// positional placeholders.
func buildEntryQuery(q ledger.EntryQuery) (string, []any) {
	where := []string{"TRUE"}
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.TargetID != "" {
		where = append(where, "target_id = "+next(q.TargetID))
	}
	if q.From != nil {
		where = append(where, "ts >= "+next(*q.From))
	}
	if q.To != nil {
		where = append(where, "ts <= "+next(*q.To))
	}
	if q.After != nil {
		ts := next(q.After.Timestamp)
		seq := next(q.After.Seq)
		where = append(where, fmt.Sprintf("(ts, seq) > (%s, %s)", ts, seq))
	}
	order := "ASC"
	if q.Latest {
		order = "DESC"
	}
	limit := next(q.EffectiveLimit())
	query := fmt.Sprintf(`SELECT %s FROM sentinel_journal WHERE %s ORDER BY ts %s, seq %s LIMIT %s`, entryColumns, strings.Join(where, " AND "), order, order, limit)
	return query, args
}

func (s *Store) QueryEntries(q ledger.EntryQuery) ([]ledger.EntryRecord, error) {
	query, args := buildEntryQuery(q)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.EntryRecord{}
	for rows.Next() {
		rec, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Latest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	_, err := s.db.Exec(`INSERT INTO sentinel_policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES($1,$2,$3,$4,$5::timestamptz)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

func (s *Store) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := s.db.QueryRow(`SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at::text FROM sentinel_policy_versions WHERE policy_hash = $1`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

func (s *Store) PutIncidentOutbox(rec ledger.IncidentOutboxRecord) error {
	if !json.Valid(rec.BundleJSON) {
		return ledger.ErrInvalidBody
	}
	_, err := s.db.Exec(`INSERT INTO sentinel_incident_outbox(entry_id, decision_id, bundle_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1,$2,$3::jsonb,$4,$5,$6::timestamptz,$7,$8::timestamptz,$9::timestamptz,$10::timestamptz)
ON CONFLICT(entry_id) DO UPDATE SET
  bundle_json=excluded.bundle_json,
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.EntryID, rec.DecisionID, string(rec.BundleJSON), rec.Status, rec.AttemptCount, rec.NextAttemptAt, rec.LastError, rec.SentAt, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

const outboxColumns = `entry_id, decision_id, bundle_json::text, status, attempt_count, next_attempt_at::text, last_error, sent_at::text, created_at::text, updated_at::text`

func scanOutbox(row scanner) (ledger.IncidentOutboxRecord, error) {
	var rec ledger.IncidentOutboxRecord
	var bundle string
	if err := row.Scan(&rec.EntryID, &rec.DecisionID, &bundle, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.IncidentOutboxRecord{}, err
	}
	rec.BundleJSON = []byte(bundle)
	return rec, nil
}

func (s *Store) GetIncidentOutbox(entryID string) (ledger.IncidentOutboxRecord, bool) {
	rec, err := scanOutbox(s.db.QueryRow(`SELECT `+outboxColumns+` FROM sentinel_incident_outbox WHERE entry_id = $1`, entryID))
	if err != nil {
		return ledger.IncidentOutboxRecord{}, false
	}
	return rec, true
}

func (s *Store) ListIncidentOutboxDue(now string, limit int) ([]ledger.IncidentOutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+outboxColumns+`
FROM sentinel_incident_outbox
WHERE status = 'pending' AND next_attempt_at <= $1::timestamptz
ORDER BY created_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.IncidentOutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutIdempotencyKey(key ledger.IdempotencyKey) error {
	resp := key.ResponseJSON
	if len(resp) == 0 {
		resp = []byte("null")
	}
	_, err := s.db.Exec(`INSERT INTO sentinel_idempotency_keys(idem_key, request_digest, entry_id, response_json, created_at)
VALUES($1,$2,$3,$4::jsonb,$5::timestamptz)
ON CONFLICT(idem_key) DO NOTHING`, key.IdemKey, key.RequestDigest, key.EntryID, string(resp), key.CreatedAt)
	return err
}

func (s *Store) GetIdempotencyKey(idemKey string) (ledger.IdempotencyKey, bool) {
	var rec ledger.IdempotencyKey
	var resp string
	row := s.db.QueryRow(`SELECT idem_key, request_digest, entry_id, response_json::text, created_at::text FROM sentinel_idempotency_keys WHERE idem_key = $1`, idemKey)
	if err := row.Scan(&rec.IdemKey, &rec.RequestDigest, &rec.EntryID, &resp, &rec.CreatedAt); err != nil {
		return ledger.IdempotencyKey{}, false
	}
	rec.ResponseJSON = []byte(resp)
	return rec, true
}

type Tx struct {
	tx *sql.Tx
}

// GetTargetState reads the target row with FOR UPDATE, holding the row lock
// until the transaction ends.
func (t *Tx) GetTargetState(targetID string) (ledger.TargetStateRecord, bool, error) {
	rec, err := scanTarget(t.tx.QueryRow(`SELECT `+targetColumns+` FROM sentinel_targets WHERE target_id = $1 FOR UPDATE`, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TargetStateRecord{}, false, nil
	}
	if err != nil {
		return ledger.TargetStateRecord{}, false, err
	}
	return rec, true, nil
}

func (t *Tx) PutTargetState(rec ledger.TargetStateRecord) error {
	_, err := t.tx.Exec(`INSERT INTO sentinel_targets(target_id, owner, authorized_actor, mode, paused, last_accepted_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7::timestamptz)
ON CONFLICT(target_id) DO UPDATE SET
  owner=excluded.owner,
  authorized_actor=excluded.authorized_actor,
  mode=excluded.mode,
  paused=excluded.paused,
  last_accepted_at=excluded.last_accepted_at,
  updated_at=excluded.updated_at`,
		rec.TargetID, rec.Owner, rec.AuthorizedActor, rec.Mode, rec.Paused, rec.LastAcceptedAt, rec.UpdatedAt,
	)
	return err
}

func (t *Tx) AppendAuthorityEvent(rec ledger.AuthorityEventRecord) error {
	_, err := t.tx.Exec(`INSERT INTO sentinel_authority_events(target_id, previous_actor, new_actor, changed_by, changed_at) VALUES($1,$2,$3,$4,$5)`,
		rec.TargetID, rec.PreviousActor, rec.NewActor, rec.ChangedBy, rec.ChangedAt,
	)
	return err
}
