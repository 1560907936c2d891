package stores

import (
	"context"
	"time"

	"github.com/ankisho/TeamCloud/pkg/engine"
	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// CallbackKey is the credential a provider presents when delivering a
// result for a workflow instance. Name is the instance id.
type CallbackKey struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	MigrateDown(ctx context.Context) error
	SchemaVersion() (version uint, dirty bool, err error)

	// Workflow journal
	workflow.Journal

	// Documents
	engine.ProjectRepository
	engine.UserRepository
	ResolveProjectID(ctx context.Context, identifier string) (string, error)

	// Callback keys
	engine.KeyAdmin
	VerifyKey(ctx context.Context, name, value string) (bool, error)
	ListKeys(ctx context.Context) ([]*CallbackKey, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
