package stores

import (
	"context"
	"testing"
	"time"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

func testProject(id string) *engine.Project {
	return &engine.Project{
		ID:           id,
		Organization: "contoso",
		Name:         "Project " + id,
		Slug:         "project-" + id,
		Type:         "default",
		Tags:         map[string]string{"env": "dev"},
	}
}

func TestProjectCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	missing, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetProject() = %+v for a missing project, want nil", missing)
	}

	added, err := store.AddProject(ctx, testProject("p1"))
	if err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}
	if added.Revision != 1 {
		t.Errorf("Revision = %d after add, want 1", added.Revision)
	}

	if _, err := store.AddProject(ctx, testProject("p1")); !engine.IsConflict(err) {
		t.Errorf("duplicate AddProject = %v, want conflict", err)
	}

	got, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if got.Name != "Project p1" || got.Tags["env"] != "dev" || got.Revision != 1 {
		t.Errorf("GetProject() = %+v", got)
	}

	got.Outputs = map[string]map[string]string{"git": {"url": "https://git.example.com/p1"}}
	saved, err := store.SetProject(ctx, got)
	if err != nil {
		t.Fatalf("SetProject failed: %v", err)
	}
	if saved.Revision != 2 {
		t.Errorf("Revision = %d after set, want 2", saved.Revision)
	}

	reloaded, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if reloaded.Outputs["git"]["url"] != "https://git.example.com/p1" {
		t.Errorf("Outputs = %v", reloaded.Outputs)
	}

	removed, err := store.RemoveProject(ctx, "p1")
	if err != nil {
		t.Fatalf("RemoveProject failed: %v", err)
	}
	if removed == nil || removed.ID != "p1" {
		t.Errorf("RemoveProject() = %+v, want p1", removed)
	}

	again, err := store.RemoveProject(ctx, "p1")
	if err != nil {
		t.Fatalf("second RemoveProject failed: %v", err)
	}
	if again != nil {
		t.Errorf("second RemoveProject() = %+v, want nil", again)
	}
}

func TestSetProjectRevision(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.SetProject(ctx, testProject("ghost")); !engine.IsNotFound(err) {
		t.Errorf("SetProject(ghost) = %v, want not found", err)
	}

	if _, err := store.AddProject(ctx, testProject("p1")); err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}

	a, _ := store.GetProject(ctx, "p1")
	b, _ := store.GetProject(ctx, "p1")

	a.Name = "first"
	if _, err := store.SetProject(ctx, a); err != nil {
		t.Fatalf("SetProject failed: %v", err)
	}

	b.Name = "second"
	if _, err := store.SetProject(ctx, b); !engine.IsConflict(err) {
		t.Errorf("stale SetProject = %v, want conflict", err)
	}

	current, _ := store.GetProject(ctx, "p1")
	if current.Name != "first" {
		t.Errorf("Name = %q, want first", current.Name)
	}
}

func TestAddProjectValidation(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.AddProject(context.Background(), &engine.Project{}); !engine.IsValidation(err) {
		t.Errorf("AddProject(no id) = %v, want validation error", err)
	}
}

func TestListProjects(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, p := range []*engine.Project{
		{ID: "p2", Organization: "contoso", Name: "beta"},
		{ID: "p1", Organization: "contoso", Name: "Alpha"},
		{ID: "p3", Organization: "fabrikam", Name: "gamma"},
	} {
		if _, err := store.AddProject(ctx, p); err != nil {
			t.Fatalf("AddProject(%s) failed: %v", p.ID, err)
		}
	}

	all, err := store.ListProjects(ctx, "")
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListProjects(\"\") returned %d projects, want 3", len(all))
	}

	contoso, err := store.ListProjects(ctx, "contoso")
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(contoso) != 2 || contoso[0].ID != "p1" || contoso[1].ID != "p2" {
		t.Errorf("ListProjects(contoso) = %v", contoso)
	}
}

func TestResolveProjectID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddProject(ctx, testProject("p1")); err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}

	for _, identifier := range []string{"p1", "project-p1", "PROJECT-P1", "Project p1", " project p1 "} {
		id, err := store.ResolveProjectID(ctx, identifier)
		if err != nil {
			t.Fatalf("ResolveProjectID(%q) failed: %v", identifier, err)
		}
		if id != "p1" {
			t.Errorf("ResolveProjectID(%q) = %q, want p1", identifier, id)
		}
	}

	id, err := store.ResolveProjectID(ctx, "nope")
	if err != nil {
		t.Fatalf("ResolveProjectID failed: %v", err)
	}
	if id != "" {
		t.Errorf("ResolveProjectID(nope) = %q, want empty", id)
	}

	// Removal evicts cached identifiers
	if _, err := store.RemoveProject(ctx, "p1"); err != nil {
		t.Fatalf("RemoveProject failed: %v", err)
	}
	id, err = store.ResolveProjectID(ctx, "project-p1")
	if err != nil {
		t.Fatalf("ResolveProjectID failed: %v", err)
	}
	if id != "" {
		t.Errorf("ResolveProjectID() after removal = %q, want empty", id)
	}
}

func TestResolveProjectIDCacheExpires(t *testing.T) {
	store := setupTestStore(t)
	store.cfg.ProjectCacheTTL = time.Millisecond
	ctx := context.Background()

	if _, err := store.AddProject(ctx, testProject("p1")); err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}
	if id, _ := store.ResolveProjectID(ctx, "project-p1"); id != "p1" {
		t.Fatalf("ResolveProjectID() = %q, want p1", id)
	}

	// Remove the row behind the cache's back
	if _, err := store.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, "p1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	id, err := store.ResolveProjectID(ctx, "project-p1")
	if err != nil {
		t.Fatalf("ResolveProjectID failed: %v", err)
	}
	if id != "" {
		t.Errorf("ResolveProjectID() = %q after expiry, want empty", id)
	}
}

func TestUserMemberships(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	missing, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetUser() = %+v, want nil", missing)
	}

	user := &engine.User{
		ID:           "u1",
		Organization: "contoso",
		Role:         "admin",
		Memberships: []engine.Membership{
			{ProjectID: "p2", Role: "member"},
			{ProjectID: "p1", Role: "owner"},
		},
	}
	saved, err := store.SetUser(ctx, user)
	if err != nil {
		t.Fatalf("SetUser failed: %v", err)
	}
	if saved.Role != "admin" || len(saved.Memberships) != 2 || saved.Memberships[0].ProjectID != "p1" {
		t.Errorf("SetUser() = %+v", saved)
	}

	user.Memberships = []engine.Membership{{ProjectID: "p2", Role: "owner"}}
	saved, err = store.SetUser(ctx, user)
	if err != nil {
		t.Fatalf("SetUser failed: %v", err)
	}
	if len(saved.Memberships) != 1 || saved.Memberships[0].Role != "owner" {
		t.Errorf("memberships after replace = %+v", saved.Memberships)
	}

	other := &engine.User{ID: "u2", Memberships: []engine.Membership{{ProjectID: "p2", Role: "member"}}}
	if _, err := store.SetUser(ctx, other); err != nil {
		t.Fatalf("SetUser failed: %v", err)
	}

	if err := store.RemoveProjectMemberships(ctx, "p2"); err != nil {
		t.Fatalf("RemoveProjectMemberships failed: %v", err)
	}
	for _, id := range []string{"u1", "u2"} {
		u, err := store.GetUser(ctx, id)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if len(u.Memberships) != 0 {
			t.Errorf("user %s still has memberships %+v", id, u.Memberships)
		}
	}
}
