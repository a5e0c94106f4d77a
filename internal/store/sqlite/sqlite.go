package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/storagelink/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_state(
			host_port TEXT PRIMARY KEY,
			backend_id TEXT NOT NULL,
			name TEXT NOT NULL,
			folder TEXT NOT NULL,
			pid INTEGER NOT NULL,
			hash TEXT NOT NULL,
			last_status TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_state_status ON backend_state(last_status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Record(ctx context.Context, rec store.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_state(host_port, backend_id, name, folder, pid, hash, last_status, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_port) DO UPDATE SET
			backend_id=excluded.backend_id,
			name=excluded.name,
			folder=excluded.folder,
			pid=excluded.pid,
			hash=excluded.hash,
			last_status=excluded.last_status,
			updated_at=excluded.updated_at;`,
		rec.HostPort, rec.BackendID, rec.Name, rec.Folder, rec.PID, rec.Hash, rec.LastStatus, rec.UpdatedAt.UTC())
	return err
}

func (s *DB) GetByHostPort(ctx context.Context, hostPort string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT host_port, backend_id, name, folder, pid, hash, last_status, updated_at
		FROM backend_state WHERE host_port=?;`, hostPort)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("%w: %s", store.ErrNotFound, hostPort)
	}
	return r, err
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host_port, backend_id, name, folder, pid, hash, last_status, updated_at
		FROM backend_state ORDER BY host_port;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, hostPort string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backend_state WHERE host_port=?;`, hostPort)
	return err
}

type scanner interface{ Scan(dest ...any) error }

func scanRecord(sc scanner) (store.Record, error) {
	var r store.Record
	err := sc.Scan(&r.HostPort, &r.BackendID, &r.Name, &r.Folder, &r.PID, &r.Hash, &r.LastStatus, &r.UpdatedAt)
	return r, err
}
