package policy

import (
	"encoding/json"
	"fmt"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

// Policy is a Rego library module that provider conditions may import.
type Policy struct {
	// Name is the unique name of the module.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Source is the file the module was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// ConditionInput is the input document a provider condition is evaluated
// against. Conditions see it as input.project and input.provider.
type ConditionInput struct {
	Project  map[string]any `json:"project"`
	Provider ProviderInfo   `json:"provider"`
}

// ProviderInfo is the provider view exposed to conditions.
type ProviderInfo struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewConditionInput builds the input for evaluating provider's condition
// against project.
func NewConditionInput(provider engine.Provider, project *engine.Project) (*ConditionInput, error) {
	doc := map[string]any{}
	if project != nil {
		b, err := json.Marshal(project)
		if err != nil {
			return nil, fmt.Errorf("failed to encode project: %w", err)
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode project: %w", err)
		}
	}
	return &ConditionInput{
		Project: doc,
		Provider: ProviderInfo{
			ID:         provider.ID,
			Properties: provider.Properties,
		},
	}, nil
}
