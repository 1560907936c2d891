package engine

import (
	"encoding/json"
	"time"
)

// User identifies the principal that issued a command.
type User struct {
	// ID is the unique identifier of the user.
	ID string `json:"id" validate:"required"`

	// Organization is the tenant the user belongs to.
	Organization string `json:"organization,omitempty"`

	// Role is the platform-wide role of the user.
	Role string `json:"role,omitempty"`

	// Memberships lists the projects the user belongs to.
	Memberships []Membership `json:"memberships,omitempty"`
}

// Membership ties a user to a project with a role.
type Membership struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
}

// Command is a request to change project state through the providers.
// A command is immutable once issued.
type Command struct {
	// CommandID uniquely identifies the command and its orchestration instance.
	CommandID string `json:"command_id" validate:"required"`

	// ProjectID is the target project, if any.
	ProjectID string `json:"project_id,omitempty"`

	// Action decides how the target project document is persisted.
	Action CommandAction `json:"action" validate:"required"`

	// Payload is the action-specific request body. For create and update it
	// carries a Project.
	Payload json.RawMessage `json:"payload,omitempty"`

	// IssuedBy is the user that submitted the command.
	IssuedBy User `json:"issued_by" validate:"required"`

	// CreatedAt is when the command was issued.
	CreatedAt time.Time `json:"created_at"`
}

// ProviderCommand is the message sent to a single provider.
type ProviderCommand struct {
	Command

	// ProviderID identifies the receiving provider.
	ProviderID string `json:"provider_id"`

	// CallbackURL is where the provider delivers asynchronous results.
	CallbackURL string `json:"callback_url,omitempty"`

	// Project is the project state at dispatch time.
	Project *Project `json:"project,omitempty"`

	// Properties carries provider metadata merged with command metadata.
	Properties map[string]string `json:"properties,omitempty"`
}

// CommandError is a user-visible error attached to a command result.
type CommandError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity,omitempty"`
}

// ResultPayload is the typed payload of a command result. Kind selects
// which of the remaining fields is populated.
type ResultPayload struct {
	Kind           ResultKind      `json:"kind,omitempty"`
	Project        *Project        `json:"project,omitempty"`
	ProviderOutput *ProviderOutput `json:"provider_output,omitempty"`
	Custom         json.RawMessage `json:"custom,omitempty"`
}

// ProviderOutput holds the properties a provider returns for a project.
type ProviderOutput struct {
	Properties map[string]string `json:"properties,omitempty"`
}

// CommandResult is the observable outcome of a command. It may be mutated
// until RuntimeStatus is terminal; afterwards every mutator is a no-op.
type CommandResult struct {
	CommandID       string            `json:"command_id"`
	RuntimeStatus   RuntimeStatus     `json:"runtime_status"`
	CustomStatus    json.RawMessage   `json:"custom_status,omitempty"`
	CreatedTime     time.Time         `json:"created_time"`
	LastUpdatedTime time.Time         `json:"last_updated_time"`
	Errors          []CommandError    `json:"errors,omitempty"`
	Links           map[string]string `json:"links,omitempty"`
	Result          ResultPayload     `json:"result"`
}

// NewResult synthesizes the default result of a command.
func (c *Command) NewResult() *CommandResult {
	return &CommandResult{
		CommandID:       c.CommandID,
		RuntimeStatus:   RuntimeStatusPending,
		CreatedTime:     c.CreatedAt,
		LastUpdatedTime: c.CreatedAt,
		Links:           map[string]string{},
	}
}

// Frozen reports whether the result reached a terminal status.
func (r *CommandResult) Frozen() bool {
	return r.RuntimeStatus.IsTerminal()
}

// AddError appends an error.
func (r *CommandResult) AddError(code, message string) {
	if r.Frozen() {
		return
	}
	r.Errors = append(r.Errors, CommandError{Code: code, Message: message, Severity: SeverityError})
}

// SetLink sets a named link.
func (r *CommandResult) SetLink(name, url string) {
	if r.Frozen() {
		return
	}
	if r.Links == nil {
		r.Links = map[string]string{}
	}
	r.Links[name] = url
}

// SetProject sets a project payload.
func (r *CommandResult) SetProject(p *Project) {
	if r.Frozen() {
		return
	}
	r.Result = ResultPayload{Kind: ResultKindProject, Project: p}
}

// SetCustom sets an opaque payload.
func (r *CommandResult) SetCustom(raw json.RawMessage) {
	if r.Frozen() {
		return
	}
	r.Result = ResultPayload{Kind: ResultKindCustom, Custom: raw}
}

// Output returns the provider output carried by the result, or nil.
func (r *CommandResult) Output() *ProviderOutput {
	if r == nil || r.Result.Kind != ResultKindProviderOutput {
		return nil
	}
	return r.Result.ProviderOutput
}

// HasErrors reports whether any error was recorded.
func (r *CommandResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Provider is an external system that executes commands.
type Provider struct {
	// ID is the unique identifier of the provider.
	ID string `json:"id" validate:"required"`

	// URL is the endpoint commands are posted to.
	URL string `json:"url" validate:"required,url"`

	// AuthCode is sent with every request to the provider.
	AuthCode string `json:"auth_code,omitempty"`

	// Timeout bounds how long a dispatched command may stay non-terminal.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Condition is an optional Rego expression over the project that must
	// hold for the provider to apply.
	Condition string `json:"condition,omitempty"`

	// Properties is static metadata forwarded with every command.
	Properties map[string]string `json:"properties,omitempty"`
}

// Project is a tenant project. Outputs is only changed by the output merger.
type Project struct {
	ID           string                       `json:"id" validate:"required"`
	Organization string                       `json:"organization,omitempty"`
	Name         string                       `json:"name,omitempty"`
	Slug         string                       `json:"slug,omitempty"`
	Type         string                       `json:"type,omitempty"`
	Tags         map[string]string            `json:"tags,omitempty"`
	Outputs      map[string]map[string]string `json:"outputs,omitempty"`
	Revision     int64                        `json:"revision,omitempty"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	if p.Tags != nil {
		c.Tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			c.Tags[k] = v
		}
	}
	if p.Outputs != nil {
		c.Outputs = make(map[string]map[string]string, len(p.Outputs))
		for id, props := range p.Outputs {
			c.Outputs[id] = MergeMaps(nil, props)
		}
	}
	return &c
}

// ProjectType groups the providers that apply to projects of that type.
type ProjectType struct {
	ID        string   `json:"id" validate:"required"`
	Default   bool     `json:"default,omitempty"`
	Providers []string `json:"providers"`
}

// EntityID is the identity of a lockable document.
type EntityID struct {
	Type string
	ID   string
}

// String renders the identity as "type/id".
func (e EntityID) String() string {
	return e.Type + "/" + e.ID
}

// ProjectEntity returns the lock identity of a project document.
func ProjectEntity(projectID string) EntityID {
	return EntityID{Type: "project", ID: projectID}
}
