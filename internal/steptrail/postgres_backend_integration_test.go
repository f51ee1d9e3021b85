package steptrail

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("steptrail_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}
	if err := backend.Save(sampleState()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Sessions) != 1 || loaded.Sessions[0].ID != "sess-1" {
		t.Fatalf("unexpected snapshot after save: %+v", loaded)
	}
}

func TestPostgresIntegrationEngineSurvivesRestart(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("steptrail_engine_it")
	newBackend := func() StateBackend {
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres state backend: %v", err)
		}
		backend.(*PostgresStateBackend).tableName = table
		return backend
	}
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, table) })

	clock := newFakeClock()
	ctx := context.Background()
	first := newTestEngine(t, clock, EngineOptions{Backend: newBackend()})
	if _, err := first.StartCapture(ctx, 1); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	if _, err := first.Ingest(ctx, clickAt(clock.Now(), "save"), SenderContext{TabID: 1}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	first.Close()

	second := newTestEngine(t, clock, EngineOptions{Backend: newBackend()})
	sessions, err := second.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].StepsCount != 1 {
		t.Fatalf("expected persisted session with one step, got %+v", sessions)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STEPTRAIL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set STEPTRAIL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
