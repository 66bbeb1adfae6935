package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

type dialect struct {
	dir         string
	table       string
	createTable string
	insert      string
	selectAll   string
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:         "migrations/sqlite",
		table:       "schema_migrations",
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`,
		insert:      `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING`,
		selectAll:   `SELECT version FROM schema_migrations ORDER BY version`,
	},
	DBPostgres: {
		dir:         "migrations/postgres",
		table:       "sentinel_schema_migrations",
		createTable: `CREATE TABLE IF NOT EXISTS sentinel_schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`,
		insert:      `INSERT INTO sentinel_schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING`,
		selectAll:   `SELECT version FROM sentinel_schema_migrations ORDER BY version`,
	},
}

type migration struct {
	version string
	sql     string
}

// Migrate applies the embedded migrations for driver in lexical order. Each
// migration runs in its own transaction together with its version row.
func Migrate(db *sql.DB, driver DBDriver) error {
	return MigrateContext(context.Background(), db, driver)
}

func MigrateContext(ctx context.Context, db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return fmt.Errorf("create %s: %w", d.table, err)
	}
	migrations, err := loadMigrations(d.dir)
	if err != nil {
		return err
	}

	appliedAt := time.Now().UTC()
	for _, m := range migrations {
		if err := applyMigration(ctx, db, driver, d, m, appliedAt); err != nil {
			return err
		}
	}
	return nil
}

// AppliedVersions lists recorded migration versions.
func AppliedVersions(ctx context.Context, db *sql.DB, driver DBDriver) ([]string, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, d.selectAll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
	return d, nil
}

func applyMigration(ctx context.Context, db *sql.DB, driver DBDriver, d dialect, m migration, appliedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var stamp any = appliedAt
	if driver == DBSQLite {
		stamp = appliedAt.Format(time.RFC3339)
	}
	res, err := tx.ExecContext(ctx, d.insert, m.version, stamp)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if affected == 0 {
		return tx.Rollback()
	}
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		contents, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: strings.TrimSuffix(e.Name(), ".sql"), sql: string(contents)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
