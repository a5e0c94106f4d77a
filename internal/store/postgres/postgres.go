package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/storagelink/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_state(
			host_port TEXT PRIMARY KEY,
			backend_id TEXT NOT NULL,
			name TEXT NOT NULL,
			folder TEXT NOT NULL,
			pid INTEGER NOT NULL,
			hash TEXT NOT NULL,
			last_status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_state_status ON backend_state(last_status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Record(ctx context.Context, rec store.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO backend_state(host_port, backend_id, name, folder, pid, hash, last_status, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(host_port) DO UPDATE SET
			backend_id=EXCLUDED.backend_id,
			name=EXCLUDED.name,
			folder=EXCLUDED.folder,
			pid=EXCLUDED.pid,
			hash=EXCLUDED.hash,
			last_status=EXCLUDED.last_status,
			updated_at=EXCLUDED.updated_at;`,
		rec.HostPort, rec.BackendID, rec.Name, rec.Folder, rec.PID, rec.Hash, rec.LastStatus, rec.UpdatedAt.UTC())
	return err
}

func (p *DB) GetByHostPort(ctx context.Context, hostPort string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT host_port, backend_id, name, folder, pid, hash, last_status, updated_at
		FROM backend_state WHERE host_port=$1;`, hostPort).
		Scan(&r.HostPort, &r.BackendID, &r.Name, &r.Folder, &r.PID, &r.Hash, &r.LastStatus, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("%w: %s", store.ErrNotFound, hostPort)
	}
	return r, err
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT host_port, backend_id, name, folder, pid, hash, last_status, updated_at
		FROM backend_state ORDER BY host_port;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.HostPort, &r.BackendID, &r.Name, &r.Folder, &r.PID, &r.Hash, &r.LastStatus, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *DB) Delete(ctx context.Context, hostPort string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM backend_state WHERE host_port=$1;`, hostPort)
	return err
}
