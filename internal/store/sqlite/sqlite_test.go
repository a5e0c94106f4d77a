package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/storagelink/internal/store"
)

func TestSQLiteBackendState(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	rec := store.Record{HostPort: "127.0.0.1:91", BackendID: "b1", Name: "b1", Folder: "/db/b1",
		PID: 1111, Hash: "h", LastStatus: store.StatusReady, UpdatedAt: time.Now().UTC()}
	if err := db.Record(ctx, rec); err != nil {
		t.Fatalf("record ready: %v", err)
	}
	got, err := db.GetByHostPort(ctx, "127.0.0.1:91")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PID != 1111 || got.LastStatus != store.StatusReady || got.Folder != "/db/b1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	rec.LastStatus = store.StatusExited
	if err := db.Record(ctx, rec); err != nil {
		t.Fatalf("record exited: %v", err)
	}
	if err := db.Record(ctx, store.Record{HostPort: "127.0.0.1:90", BackendID: "b0", Name: "b0", LastStatus: store.StatusStarting}); err != nil {
		t.Fatalf("record second: %v", err)
	}
	list, err := db.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].HostPort != "127.0.0.1:90" || list[1].LastStatus != store.StatusExited {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := db.Delete(ctx, "127.0.0.1:91"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetByHostPort(ctx, "127.0.0.1:91"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteFileDatabase(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := db.Record(ctx, store.Record{HostPort: "h:1", BackendID: "x", Name: "x", LastStatus: store.StatusReady}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db2.Close() }()
	got, err := db2.GetByHostPort(ctx, "h:1")
	if err != nil || got.BackendID != "x" {
		t.Fatalf("persisted record missing: %+v %v", got, err)
	}
}
