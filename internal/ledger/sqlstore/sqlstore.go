package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/sentinel/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const targetColumns = `target_id, owner, authorized_actor, mode, paused, last_accepted_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (ledger.TargetStateRecord, error) {
	var rec ledger.TargetStateRecord
	var paused int
	var last sql.NullInt64
	if err := row.Scan(&rec.TargetID, &rec.Owner, &rec.AuthorizedActor, &rec.Mode, &paused, &last, &rec.UpdatedAt); err != nil {
		return ledger.TargetStateRecord{}, err
	}
	rec.Paused = paused != 0
	if last.Valid {
		v := last.Int64
		rec.LastAcceptedAt = &v
	}
	return rec, nil
}

func (s *Store) GetTargetState(targetID string) (ledger.TargetStateRecord, bool) {
	rec, err := scanTarget(s.db.QueryRow(`SELECT `+targetColumns+` FROM targets WHERE target_id = ?`, targetID))
	if err != nil {
		return ledger.TargetStateRecord{}, false
	}
	return rec, true
}

func (s *Store) ListAuthorityEvents(targetID string) ([]ledger.AuthorityEventRecord, error) {
	rows, err := s.db.Query(`SELECT target_id, previous_actor, new_actor, changed_by, changed_at FROM authority_events WHERE target_id = ? ORDER BY id ASC`, targetID)
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
	res, err := s.db.Exec(`INSERT INTO journal(entry_id, decision_id, target_id, policy_id, policy_hash, action_computed, action_executed, execution_mode, ts, success, body_json, created_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.EntryID, rec.DecisionID, rec.TargetID, rec.PolicyID, rec.PolicyHash, rec.ActionComputed, rec.ActionExecuted, rec.ExecutionMode, rec.Timestamp, boolToInt(rec.Success), string(rec.BodyJSON), rec.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ledger.ErrDuplicateEntry
		}
		return 0, err
	}
	return res.LastInsertId()
}

const entryColumns = `seq, entry_id, decision_id, target_id, policy_id, policy_hash, action_computed, action_executed, execution_mode, ts, success, body_json, created_at`

func scanEntry(row scanner) (ledger.EntryRecord, error) {
	var rec ledger.EntryRecord
	var success int
	var body string
	if err := row.Scan(&rec.Seq, &rec.EntryID, &rec.DecisionID, &rec.TargetID, &rec.PolicyID, &rec.PolicyHash, &rec.ActionComputed, &rec.ActionExecuted, &rec.ExecutionMode, &rec.Timestamp, &success, &body, &rec.CreatedAt); err != nil {
		return ledger.EntryRecord{}, err
	}
	rec.Success = success != 0
	rec.BodyJSON = []byte(body)
	return rec, nil
}

func (s *Store) GetEntry(entryID string) (ledger.EntryRecord, bool) {
	rec, err := scanEntry(s.db.QueryRow(`SELECT `+entryColumns+` FROM journal WHERE entry_id = ?`, entryID))
	if err != nil {
		return ledger.EntryRecord{}, false
	}
	return rec, true
}

func (s *Store) QueryEntries(q ledger.EntryQuery) ([]ledger.EntryRecord, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, q.TargetID)
	}
	if q.From != nil {
		where = append(where, "ts >= ?")
		args = append(args, *q.From)
	}
	if q.To != nil {
		where = append(where, "ts <= ?")
		args = append(args, *q.To)
	}
	if q.After != nil {
		where = append(where, "(ts > ? OR (ts = ? AND seq > ?))")
		args = append(args, q.After.Timestamp, q.After.Timestamp, q.After.Seq)
	}
	order := "ASC"
	if q.Latest {
		order = "DESC"
	}
	args = append(args, q.EffectiveLimit())

	query := fmt.Sprintf(`SELECT %s FROM journal WHERE %s ORDER BY ts %s, seq %s LIMIT ?`, entryColumns, strings.Join(where, " AND "), order, order)
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
		reverse(out)
	}
	return out, nil
}

func (s *Store) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	_, err := s.db.Exec(`INSERT INTO policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(policy_hash) DO NOTHING`, policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt)
	return err
}

func (s *Store) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := s.db.QueryRow(`SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at FROM policy_versions WHERE policy_hash = ?`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

func (s *Store) PutIncidentOutbox(rec ledger.IncidentOutboxRecord) error {
	if !json.Valid(rec.BundleJSON) {
		return ledger.ErrInvalidBody
	}
	_, err := s.db.Exec(`INSERT INTO incident_outbox(entry_id, decision_id, bundle_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
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

const outboxColumns = `entry_id, decision_id, bundle_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at`

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
	rec, err := scanOutbox(s.db.QueryRow(`SELECT `+outboxColumns+` FROM incident_outbox WHERE entry_id = ?`, entryID))
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
FROM incident_outbox
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, now, limit)
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
	_, err := s.db.Exec(`INSERT INTO idempotency_keys(idem_key, request_digest, entry_id, response_json, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(idem_key) DO NOTHING`, key.IdemKey, key.RequestDigest, key.EntryID, string(resp), key.CreatedAt)
	return err
}

func (s *Store) GetIdempotencyKey(idemKey string) (ledger.IdempotencyKey, bool) {
	var rec ledger.IdempotencyKey
	var resp string
	row := s.db.QueryRow(`SELECT idem_key, request_digest, entry_id, response_json, created_at FROM idempotency_keys WHERE idem_key = ?`, idemKey)
	if err := row.Scan(&rec.IdemKey, &rec.RequestDigest, &rec.EntryID, &resp, &rec.CreatedAt); err != nil {
		return ledger.IdempotencyKey{}, false
	}
	rec.ResponseJSON = []byte(resp)
	return rec, true
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetTargetState(targetID string) (ledger.TargetStateRecord, bool, error) {
	rec, err := scanTarget(t.tx.QueryRow(`SELECT `+targetColumns+` FROM targets WHERE target_id = ?`, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TargetStateRecord{}, false, nil
	}
	if err != nil {
		return ledger.TargetStateRecord{}, false, err
	}
	return rec, true, nil
}

func (t *Tx) PutTargetState(rec ledger.TargetStateRecord) error {
	_, err := t.tx.Exec(`INSERT INTO targets(`+targetColumns+`)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(target_id) DO UPDATE SET
  owner=excluded.owner,
  authorized_actor=excluded.authorized_actor,
  mode=excluded.mode,
  paused=excluded.paused,
  last_accepted_at=excluded.last_accepted_at,
  updated_at=excluded.updated_at`,
		rec.TargetID, rec.Owner, rec.AuthorizedActor, rec.Mode, boolToInt(rec.Paused), rec.LastAcceptedAt, rec.UpdatedAt,
	)
	return err
}

func (t *Tx) AppendAuthorityEvent(rec ledger.AuthorityEventRecord) error {
	_, err := t.tx.Exec(`INSERT INTO authority_events(target_id, previous_actor, new_actor, changed_by, changed_at) VALUES(?,?,?,?,?)`,
		rec.TargetID, rec.PreviousActor, rec.NewActor, rec.ChangedBy, rec.ChangedAt,
	)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func reverse(recs []ledger.EntryRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
