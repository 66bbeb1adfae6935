package ledger

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_idempotent?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate second: %v", err)
	}

	for _, table := range []string{"targets", "journal", "authority_events", "incident_outbox", "idempotency_keys", "policy_versions"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	versions, err := AppliedVersions(context.Background(), db, DBSQLite)
	if err != nil {
		t.Fatalf("applied versions: %v", err)
	}
	if len(versions) != 1 || versions[0] != "0001_init" {
		t.Fatalf("unexpected versions: %v", versions)
	}
}

func TestJournalIsAppendOnlyInSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_append_only?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO journal(entry_id, decision_id, target_id, policy_id, action_computed, action_executed, execution_mode, ts, success, body_json, created_at)
VALUES('e1','d1','t','p','PAUSE','PAUSE','EXECUTE',1,1,'{}','now')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec(`UPDATE journal SET action_executed='NO_ACTION' WHERE entry_id='e1'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := db.Exec(`DELETE FROM journal WHERE entry_id='e1'`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestMigrationHelpers(t *testing.T) {
	if _, err := dialectFor(DBPostgres); err != nil {
		t.Fatalf("expected postgres dialect, got %v", err)
	}
	if _, err := dialectFor(DBDriver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if err := Migrate(nil, DBSQLite); err == nil {
		t.Fatalf("expected error for nil db")
	}
	for _, dir := range []string{"migrations/sqlite", "migrations/postgres"} {
		migrations, err := loadMigrations(dir)
		if err != nil || len(migrations) == 0 {
			t.Fatalf("load %s: err=%v len=%d", dir, err, len(migrations))
		}
	}
}
