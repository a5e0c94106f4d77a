package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/storagelink/internal/history"
	"github.com/loykin/storagelink/internal/store"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	rec := store.Record{HostPort: "127.0.0.1:91", BackendID: "b1", Name: "b1", PID: 12345}
	for _, e := range []history.Event{
		{Type: history.EventSpawn, OccurredAt: time.Now().UTC(), Record: rec},
		{Type: history.EventExit, OccurredAt: time.Now().UTC(), Record: rec, ExitCode: 2, Error: "exit status 2"},
	} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	for typ, want := range map[history.EventType]int{history.EventSpawn: 1, history.EventExit: 1, history.EventReady: 0} {
		n, err := sink.Count(ctx, rec.HostPort, typ)
		if err != nil {
			t.Fatalf("count %s: %v", typ, err)
		}
		if n != want {
			t.Errorf("%s events: got %d, want %d", typ, n, want)
		}
	}

	var name string
	if err := sink.db.QueryRowContext(ctx, "SELECT name FROM backend_history WHERE event = $1", string(history.EventExit)).Scan(&name); err != nil {
		t.Fatalf("Failed to query backend_history: %v", err)
	}
	if name != rec.Name {
		t.Errorf("name: got %q, want %q", name, rec.Name)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
