package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLStore keeps the record in a module_state table, on sqlite or postgres.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type stateRow struct {
	Enabled bool   `db:"enabled"`
	Stats   string `db:"stats"`
}

// NewSQLStore connects, runs migrations and returns a ready store.
// driver is "sqlite" or "postgres".
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var dialect string
	switch driver {
	case "sqlite":
		dialect = "sqlite3"
		if dsn == "" {
			return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidStore)
		}
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case "postgres":
		dialect = "postgres"
		if dsn == "" {
			return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidStore)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported sql driver %q", ErrInvalidStore, driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := migrate(db.DB, dialect); err != nil {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", driver, cerr))
		}
		return nil, err
	}

	return &SQLStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (ModuleState, error) {
	var row stateRow
	query := s.db.Rebind(`SELECT enabled, stats FROM module_state WHERE record_type = ?`)
	if err := s.db.GetContext(ctx, &row, query, RecordType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModuleState{}, ErrNotFound
		}
		return ModuleState{}, fmt.Errorf("select state: %w", err)
	}

	st := ModuleState{Enabled: row.Enabled}
	if err := json.Unmarshal([]byte(row.Stats), &st.Stats); err != nil {
		return ModuleState{}, fmt.Errorf("decode stats: %w", err)
	}
	st.normalize()
	return st, nil
}

func (s *SQLStore) Save(ctx context.Context, st ModuleState) error {
	stats, err := json.Marshal(st.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO module_state (record_type, enabled, stats, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (record_type) DO UPDATE SET
			enabled = excluded.enabled,
			stats = excluded.stats,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, RecordType, st.Enabled, string(stats), s.now().UTC()); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
