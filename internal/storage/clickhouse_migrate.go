package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/position-monitor/internal/logging"
)

const clickHouseLedger = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       String,
    applied_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree()
ORDER BY name`

// RunClickHouseMigrations applies every .sql file under migrationsPath that
// is not yet recorded in schema_migrations, in name order. Files are applied
// statement by statement; ClickHouse has no transactional DDL, so statements
// must be idempotent for a partially applied file to be retried.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) error {
	logger := logging.FromContext(ctx).Component("clickhouse_migrate")

	files, err := migrationFiles(migrationsPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("No ClickHouse migration files found")
		return nil
	}

	if err := db.conn.Exec(ctx, clickHouseLedger); err != nil {
		return fmt.Errorf("failed to create migrations ledger: %w", err)
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, name := range pendingMigrations(files, applied) {
		content, err := os.ReadFile(filepath.Join(migrationsPath, name)) // #nosec G304 - name comes from ReadDir of a trusted path
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s statement %d (%s): %w", name, i+1, truncate(stmt, 80), err)
			}
		}
		if err := db.conn.Exec(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		logger.WithField("file", name).Info("Applied ClickHouse migration")
	}
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (db *ClickHouseDB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.conn.Query(ctx, `SELECT name FROM schema_migrations FINAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func pendingMigrations(files []string, applied map[string]bool) []string {
	var out []string
	for _, f := range files {
		if !applied[f] {
			out = append(out, f)
		}
	}
	return out
}

// splitSQLStatements splits a migration file on statement-ending semicolons,
// dropping blank and comment-only lines.
func splitSQLStatements(content string) []string {
	var statements []string
	var cur strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return statements
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
