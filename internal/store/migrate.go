package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema step with its forward and reverse scripts.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ID is the key recorded in schema_migrations.
func (m Migration) ID() string { return m.Version + "_" + m.Name }

// LoadMigrations pairs the up and down scripts found in dir, ordered by
// version. A version missing either half is an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &Migration{Version: match[1], Name: match[2]}
			byVersion[match[1]] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("migration %s has mismatched names %q and %q", m.Version, m.Name, match[2])
		}
		path := filepath.Join(dir, entry.Name())
		switch match[3] {
		case "up":
			if m.Up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", m.Version)
			}
			m.Up = path
		case "down":
			if m.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", m.Version)
			}
			m.Down = path
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every pending up script in version order. Each step
// commits together with its schema_migrations row.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string, log zerolog.Logger) error {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	done, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if done[m.ID()] {
			continue
		}
		err := runScript(ctx, db, m.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.ID())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.ID(), err)
		}
		applied++
		log.Info().Str("version", m.ID()).Msg("migration applied")
	}
	log.Debug().Int("applied", applied).Int("total", len(migrations)).Msg("schema up to date")
	return nil
}

// RollbackMigrations reverts up to steps applied migrations, newest first.
// A steps value below one reverts everything.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int, log zerolog.Logger) error {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	done, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	reverted := 0
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && reverted == steps {
			break
		}
		m := migrations[i]
		if !done[m.ID()] {
			continue
		}
		err := runScript(ctx, db, m.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.ID())
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback %s: %w", m.ID(), err)
		}
		reverted++
		log.Info().Str("version", m.ID()).Msg("migration reverted")
	}
	return nil
}

func runScript(ctx context.Context, db *sql.DB, path string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if script := strings.TrimSpace(string(contents)); script != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}
