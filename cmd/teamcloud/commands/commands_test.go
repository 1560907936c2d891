package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankisho/TeamCloud/pkg/api"
	"github.com/ankisho/TeamCloud/pkg/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitCommand(t *testing.T) {
	var received engine.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/commands", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Location", "http://api/api/status/"+received.CommandID)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(engine.StatusResult{
			TrackingID: received.CommandID,
			Code:       http.StatusAccepted,
			Status:     engine.StatusKindAccepted,
			State:      engine.RuntimeStatusRunning,
		})
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "--json",
		"submit", "--id", "c1", "--action", "CREATE", "--user", "alice",
		"--payload", `{"id":"p1","name":"Demo"}`)
	require.NoError(t, err)

	assert.Equal(t, "c1", received.CommandID)
	assert.Equal(t, engine.ActionCreate, received.Action)
	assert.Equal(t, "alice", received.IssuedBy.ID)
	assert.JSONEq(t, `{"id":"p1","name":"Demo"}`, string(received.Payload))

	var status engine.StatusResult
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, engine.StatusKindAccepted, status.Status)
	assert.Equal(t, "http://api/api/status/c1", status.Location)
}

func TestSubmitCommandWait(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(engine.StatusResult{TrackingID: "c1", Code: 202, Status: engine.StatusKindAccepted})
			return
		}

		assert.Equal(t, "/api/status/c1", r.URL.Path)
		polls++
		if polls < 2 {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(engine.StatusResult{TrackingID: "c1", Code: 202, Status: engine.StatusKindAccepted})
			return
		}
		_ = json.NewEncoder(w).Encode(engine.StatusResult{
			TrackingID: "c1",
			Code:       200,
			Status:     engine.StatusKindSuccess,
			State:      engine.RuntimeStatusCompleted,
		})
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL,
		"submit", "--id", "c1", "--action", "delete", "--project", "p1", "--user", "alice",
		"--wait", "--interval", "10ms")
	require.NoError(t, err)
	assert.Equal(t, 2, polls)
	assert.Contains(t, out, "Command c1 success")
	assert.Contains(t, out, "completed")
}

func TestSubmitCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown action", []string{"--action", "rename", "--user", "alice"}, "rename"},
		{"invalid payload", []string{"--action", "create", "--user", "alice", "--payload", "{"}, "not valid JSON"},
		{"missing payload file", []string{"--action", "create", "--user", "alice", "--payload", "@/nonexistent/p.json"}, "failed to read payload"},
		{"missing user", []string{"--action", "create"}, "user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--server", "http://127.0.0.1:1", "submit"}, tt.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadPayloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"p1"}`), 0o600))

	payload, err := readPayload("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p1"}`, string(payload))

	payload, err = readPayload("")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/projects/demo/status/c1":
			_ = json.NewEncoder(w).Encode(engine.StatusResult{
				TrackingID: "c1",
				Code:       200,
				Status:     engine.StatusKindFailed,
				State:      engine.RuntimeStatusFailed,
				Errors:     []engine.CommandError{{Code: engine.ErrCodeProviderFailed, Message: "git exploded"}},
			})
		case "/api/status/c2":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(engine.StatusResult{TrackingID: "c2", Code: 404, Status: engine.StatusKindNotFound})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.ErrorResult{Code: engine.ErrCodeNotFound, Message: "A project with the id, slug or name 'nope' was not found."})
		}
	}))
	defer srv.Close()

	t.Run("failed command", func(t *testing.T) {
		out, err := execute(t, "--server", srv.URL, "status", "c1", "--project", "demo")
		require.NoError(t, err)
		assert.Contains(t, out, "Command c1 failed")
		assert.Contains(t, out, "[PROVIDER_FAILED] git exploded")
	})

	t.Run("unknown command", func(t *testing.T) {
		out, err := execute(t, "--server", srv.URL, "--json", "status", "c2")
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "not_found"`)
	})

	t.Run("error answer", func(t *testing.T) {
		_, err := execute(t, "--server", srv.URL, "status", "c1", "--project", "nope")
		require.Error(t, err)

		var respErr *responseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
		assert.Equal(t, engine.ErrCodeNotFound, respErr.Result.Code)
	})
}

func TestCancelCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/status/c1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(engine.StatusResult{
			TrackingID: "c1",
			Code:       200,
			Status:     engine.StatusKindOK,
			State:      engine.RuntimeStatusCanceled,
		})
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "cancel", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "Command c1 ok")
	assert.Contains(t, out, "canceled")
}

const testCatalog = `
providers:
  - id: git
    url: https://git.example.com/api/commands
    authCode: secret
  - id: dns
    url: https://dns.example.com/api/commands
    condition: lib.has_tag("domain")
projectTypes:
  - id: web
    default: true
    providers: [git, dns]
`

func TestProvidersCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	t.Run("listing", func(t *testing.T) {
		out, err := execute(t, "--json", "providers", "--catalog", path)
		require.NoError(t, err)

		var listing catalogListing
		require.NoError(t, json.Unmarshal([]byte(out), &listing))
		require.Len(t, listing.Providers, 2)
		assert.Equal(t, "***", listing.Providers[1].AuthCode)
		assert.Nil(t, listing.Applicable)
	})

	t.Run("applicable", func(t *testing.T) {
		out, err := execute(t, "--json", "providers", "--catalog", path, "--tag", "domain=demo.example.com")
		require.NoError(t, err)

		var listing catalogListing
		require.NoError(t, json.Unmarshal([]byte(out), &listing))
		assert.Equal(t, []string{"git", "dns"}, listing.Applicable)
	})

	t.Run("condition not met", func(t *testing.T) {
		out, err := execute(t, "providers", "--catalog", path, "--type", "web")
		require.NoError(t, err)
		assert.Contains(t, out, "Applicable providers: git")
	})

	t.Run("invalid catalog", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "catalog.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("providers:\n  - id: git\n"), 0o600))

		_, err := execute(t, "providers", "--catalog", bad)
		require.Error(t, err)
	})
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "teamcloud.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+filepath.Join(dir, "tc.db")+"\n"), 0o600))

	out, err := execute(t, "--config", cfgPath, "--json", "migrate", "version")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":0,"dirty":false}`, out)

	out, err = execute(t, "--config", cfgPath, "--json", "migrate", "up")
	require.NoError(t, err)
	var v schemaVersion
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Positive(t, v.Version)
	assert.False(t, v.Dirty)

	out, err = execute(t, "--config", cfgPath, "--json", "migrate", "down")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":0,"dirty":false}`, out)
}
