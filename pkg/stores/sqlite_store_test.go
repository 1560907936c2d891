package stores

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestHealthCheckBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("expected Migrate to fail before Init")
	}
}

func TestMemoryStoreUsesSingleConnection(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("MaxOpenConns = %d, want 1", store.cfg.MaxOpenConns)
	}
	if store.cfg.ProjectCacheTTL != 10*time.Minute {
		t.Errorf("ProjectCacheTTL = %v, want 10m", store.cfg.ProjectCacheTTL)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{
		"workflow_instances",
		"workflow_steps",
		"workflow_events",
		"projects",
		"users",
		"project_memberships",
		"callback_keys",
	}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("SchemaVersion() = %d, %v, want 1, false", version, dirty)
	}

	// Migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate failed: %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&count); err == nil {
		t.Error("projects table still exists after MigrateDown")
	}

	version, _, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("SchemaVersion() = %d after MigrateDown, want 0", version)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamcloud.db")

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if _, err := store.CreateKey(ctx, "inst-1"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	// Reopen and check the key survived
	reopened, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer reopened.Close()

	key, err := reopened.GetKey(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if key == "" {
		t.Error("key was not persisted")
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "memory",
			path: ":memory:",
			want: ":memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
		},
		{
			name: "file",
			path: "/var/lib/teamcloud.db",
			want: "/var/lib/teamcloud.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate" +
				"&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		},
		{
			name: "existing query",
			path: "file:test?mode=memory",
			want: "file:test?mode=memory&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SQLiteStore{cfg: Config{Path: tt.path}}
			if got := s.dsn(); got != tt.want {
				t.Errorf("dsn() = %q, want %q", got, tt.want)
			}
		})
	}
}
