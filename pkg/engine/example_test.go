package engine_test

import (
	"fmt"
	"sort"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

// Example_mergeOutputs shows how provider results are folded into a project.
func Example_mergeOutputs() {
	project := &engine.Project{
		ID: "p1",
		Outputs: map[string]map[string]string{
			"dns":     {"zone": "p1.example.com"},
			"retired": {"id": "42"},
		},
	}

	ok := &engine.CommandResult{
		RuntimeStatus: engine.RuntimeStatusCompleted,
		Result: engine.ResultPayload{
			Kind:           engine.ResultKindProviderOutput,
			ProviderOutput: &engine.ProviderOutput{Properties: map[string]string{"url": "https://git.example.com/p1"}},
		},
	}
	failed := &engine.CommandResult{
		RuntimeStatus: engine.RuntimeStatusFailed,
		Errors:        []engine.CommandError{{Code: engine.ErrCodeTimeout, Message: "timeout"}},
	}

	engine.MergeOutputs(project, map[string]*engine.CommandResult{
		"git":     ok,
		"dns":     failed,
		"retired": nil,
	})

	ids := make([]string, 0, len(project.Outputs))
	for id := range project.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Println(id, project.Outputs[id])
	}

	// Output:
	// dns map[zone:p1.example.com]
	// git map[url:https://git.example.com/p1]
}

// Example_statusResponse shows the boundary mapping of command results.
func Example_statusResponse() {
	results := []*engine.CommandResult{
		{CommandID: "c1", RuntimeStatus: engine.RuntimeStatusRunning, Links: map[string]string{"status": "/api/status/c1"}},
		{CommandID: "c1", RuntimeStatus: engine.RuntimeStatusCompleted, Links: map[string]string{"location": "/api/projects/p1"}},
		{CommandID: "c2", RuntimeStatus: engine.RuntimeStatusFailed, Errors: []engine.CommandError{{Code: engine.ErrCodeTimeout, Message: "timeout"}}},
		nil,
	}

	for _, r := range results {
		resp := engine.StatusResponseFor(r)
		if resp.Location != "" {
			fmt.Println(resp.HTTPStatus, resp.Kind, resp.Location)
			continue
		}
		fmt.Println(resp.HTTPStatus, resp.Kind)
	}

	// Output:
	// 202 accepted /api/status/c1
	// 302 success_location /api/projects/p1
	// 200 failed
	// 404 not_found
}
