package store

import (
	"context"
	"errors"
	"time"
)

// Backend status values persisted in LastStatus.
const (
	StatusStarting  = "starting"
	StatusReady     = "ready"
	StatusExited    = "exited"
	StatusFailed    = "failed"
	StatusRecovered = "recovered"
)

// ErrNotFound is returned when no row exists for a host:port.
var ErrNotFound = errors.New("store: backend not found")

// Record is the last known state of one backend, keyed by HostPort.
// UpdatedAt should be in UTC.
type Record struct {
	HostPort   string
	BackendID  string
	Name       string
	Folder     string
	PID        int
	Hash       string
	LastStatus string
	UpdatedAt  time.Time
}

// Store persists backend state so operators can see what the linker last
// observed across restarts. The record file stays the source of truth.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Record(ctx context.Context, rec Record) error
	GetByHostPort(ctx context.Context, hostPort string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, hostPort string) error
	Close() error
}
