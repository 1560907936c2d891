package engine

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/locks"
	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// memoryProjects is an in-memory ProjectRepository.
type memoryProjects struct {
	mu       sync.Mutex
	projects map[string]*Project
}

func newMemoryProjects(projects ...*Project) *memoryProjects {
	m := &memoryProjects{projects: make(map[string]*Project)}
	for _, p := range projects {
		c := p.Clone()
		c.Revision = 1
		m.projects[p.ID] = c
	}
	return m
}

func (m *memoryProjects) GetProject(_ context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[id].Clone(), nil
}

func (m *memoryProjects) AddProject(_ context.Context, p *Project) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; ok {
		return nil, NewConflictError("project exists", nil)
	}
	c := p.Clone()
	c.Revision = 1
	m.projects[p.ID] = c
	return c.Clone(), nil
}

func (m *memoryProjects) SetProject(_ context.Context, p *Project) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.projects[p.ID]
	if !ok {
		return nil, NewNotFoundError("project not found", nil)
	}
	if p.Revision != cur.Revision {
		return nil, NewConflictError("revision mismatch", nil)
	}
	c := p.Clone()
	c.Revision = cur.Revision + 1
	m.projects[p.ID] = c
	return c.Clone(), nil
}

func (m *memoryProjects) RemoveProject(_ context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.projects[id]
	delete(m.projects, id)
	return p, nil
}

func (m *memoryProjects) ListProjects(_ context.Context, _ string) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.Clone())
	}
	return out, nil
}

// memoryKeys is an in-memory KeyAdmin.
type memoryKeys struct {
	mu        sync.Mutex
	keys      map[string]string
	created   int
	createErr error
	deleteErr error
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{keys: make(map[string]string)}
}

func (m *memoryKeys) GetKey(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[name], nil
}

func (m *memoryKeys) CreateKey(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.created++
	m.keys[name] = fmt.Sprintf("key-%d", m.created)
	return m.keys[name], nil
}

func (m *memoryKeys) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *memoryKeys) DeleteKey(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.keys, name)
	return nil
}

// memoryUsers records membership cleanups.
type memoryUsers struct {
	mu      sync.Mutex
	removed []string
}

func (m *memoryUsers) GetUser(context.Context, string) (*User, error) { return nil, nil }

func (m *memoryUsers) SetUser(_ context.Context, u *User) (*User, error) { return u, nil }

func (m *memoryUsers) RemoveProjectMemberships(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, projectID)
	return nil
}

func (m *memoryUsers) removedProjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// staticCatalog applies a fixed provider list to every project.
type staticCatalog struct {
	providers []Provider
}

func (c *staticCatalog) ProvidersFor(_ context.Context, _ *Project) ([]Provider, error) {
	return c.providers, nil
}

// sentCommand records one provider request.
type sentCommand struct {
	Provider    string
	CommandID   string
	ProjectID   string
	CallbackURL string
	At          time.Time
}

// fakeTransport answers synchronously with a configured result per
// provider, or accepts the command for asynchronous completion.
type fakeTransport struct {
	mu      sync.Mutex
	sync    map[string]*CommandResult
	errs    map[string]error
	sent    []sentCommand
	arrived chan sentCommand
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sync:    make(map[string]*CommandResult),
		errs:    make(map[string]error),
		arrived: make(chan sentCommand, 64),
	}
}

func (f *fakeTransport) Send(_ context.Context, provider Provider, cmd *ProviderCommand) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[provider.ID]; err != nil {
		return nil, err
	}
	sc := sentCommand{
		Provider:    provider.ID,
		CommandID:   cmd.CommandID,
		ProjectID:   cmd.ProjectID,
		CallbackURL: cmd.CallbackURL,
		At:          time.Now(),
	}
	f.sent = append(f.sent, sc)
	f.arrived <- sc

	if r, ok := f.sync[provider.ID]; ok {
		c := *r
		c.CommandID = cmd.CommandID
		return &c, nil
	}
	return nil, nil
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Provider)
	}
	sort.Strings(out)
	return out
}

// waitSent blocks until the next provider request arrives.
func (f *fakeTransport) waitSent(t *testing.T) sentCommand {
	t.Helper()
	select {
	case sc := <-f.arrived:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("no provider request arrived")
		return sentCommand{}
	}
}

type testEnv struct {
	host      *workflow.Host
	orch      *Orchestrator
	projects  *memoryProjects
	users     *memoryUsers
	keys      *memoryKeys
	transport *fakeTransport
	catalog   *staticCatalog
}

func newTestEnv(t *testing.T, providers []Provider, projects ...*Project) *testEnv {
	t.Helper()

	host, err := workflow.NewHost(workflow.Options{
		Journal:      workflow.NewMemoryJournal(),
		Locker:       locks.NewMemory(),
		Logger:       zerolog.Nop(),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Shutdown(ctx)
	})

	env := &testEnv{
		host:      host,
		projects:  newMemoryProjects(projects...),
		users:     &memoryUsers{},
		keys:      newMemoryKeys(),
		transport: newFakeTransport(),
		catalog:   &staticCatalog{providers: providers},
	}

	env.orch, err = NewOrchestrator(Options{
		Host:            host,
		Projects:        env.projects,
		Users:           env.users,
		Catalog:         env.catalog,
		Transport:       env.transport,
		Callbacks:       NewCallbackManager(env.keys, "https://teamcloud.test"),
		BaseURL:         "https://teamcloud.test",
		ProviderTimeout: 5 * time.Second,
		SendRetry:       workflow.RetryPolicy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return env
}

// deliver raises a provider result through the callback URL the provider
// was given.
func (e *testEnv) deliver(t *testing.T, callbackURL string, result *CommandResult) {
	t.Helper()
	u, err := url.Parse(callbackURL)
	if err != nil {
		t.Fatalf("invalid callback URL %q: %v", callbackURL, err)
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/callback/"), "/")
	if len(parts) != 2 {
		t.Fatalf("unexpected callback path %q", u.Path)
	}
	if u.Query().Get("code") == "" {
		t.Fatalf("callback URL %q carries no code", callbackURL)
	}
	if err := e.host.RaiseEvent(context.Background(), parts[0], parts[1], result); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
}

func (e *testEnv) wait(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inst, err := e.host.WaitForCompletion(ctx, id)
	if err != nil {
		t.Fatalf("instance %s did not complete: %v", id, err)
	}
	return inst
}

func completed(props map[string]string) *CommandResult {
	return &CommandResult{
		RuntimeStatus: RuntimeStatusCompleted,
		Result: ResultPayload{
			Kind:           ResultKindProviderOutput,
			ProviderOutput: &ProviderOutput{Properties: props},
		},
	}
}

func testCommand(id, projectID string, action CommandAction) *Command {
	return &Command{
		CommandID: id,
		ProjectID: projectID,
		Action:    action,
		IssuedBy:  User{ID: "alice"},
	}
}
