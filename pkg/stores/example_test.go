package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ankisho/TeamCloud/pkg/engine"
	"github.com/ankisho/TeamCloud/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	version, _, _ := store.SchemaVersion()
	fmt.Println("schema version", version)
	// Output: schema version 1
}

// ExampleSQLiteStore_ResolveProjectID demonstrates resolving a project by slug.
func ExampleSQLiteStore_ResolveProjectID() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_, err := store.AddProject(ctx, &engine.Project{
		ID:           "8d3c3a5e",
		Organization: "contoso",
		Name:         "Web Shop",
		Slug:         "web-shop",
	})
	if err != nil {
		log.Fatal(err)
	}

	id, _ := store.ResolveProjectID(ctx, "Web-Shop")
	fmt.Println(id)
	// Output: 8d3c3a5e
}
