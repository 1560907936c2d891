package engine

import (
	"context"
)

// ProjectRepository stores project documents. Lookups return nil, nil when
// the project does not exist.
type ProjectRepository interface {
	// GetProject returns the project with id, or nil.
	GetProject(ctx context.Context, id string) (*Project, error)

	// AddProject inserts a new project. It returns a conflict error if the
	// id is taken.
	AddProject(ctx context.Context, project *Project) (*Project, error)

	// SetProject replaces a project, enforcing Revision.
	SetProject(ctx context.Context, project *Project) (*Project, error)

	// RemoveProject deletes a project and returns the removed document, or nil.
	RemoveProject(ctx context.Context, id string) (*Project, error)

	// ListProjects lists the projects of an organization, or all projects
	// when organization is empty.
	ListProjects(ctx context.Context, organization string) ([]*Project, error)
}

// UserRepository stores users and their project memberships.
type UserRepository interface {
	// GetUser returns the user with id, or nil.
	GetUser(ctx context.Context, id string) (*User, error)

	// SetUser inserts or replaces a user.
	SetUser(ctx context.Context, user *User) (*User, error)

	// RemoveProjectMemberships drops every membership of the project.
	RemoveProjectMemberships(ctx context.Context, projectID string) error
}

// ProviderCatalog resolves the providers that apply to a project.
type ProviderCatalog interface {
	// ProvidersFor returns the applicable providers in a stable order. A nil
	// project yields every provider.
	ProvidersFor(ctx context.Context, project *Project) ([]Provider, error)
}

// ProviderTransport delivers commands to providers.
type ProviderTransport interface {
	// Send posts the command. A non-nil result means the provider answered
	// synchronously; nil means the result will arrive by callback.
	Send(ctx context.Context, provider Provider, command *ProviderCommand) (*CommandResult, error)
}

// KeyAdmin is the administrative surface of the workflow host that manages
// callback keys. GetKey returns an empty string when no key exists.
type KeyAdmin interface {
	GetKey(ctx context.Context, name string) (string, error)
	CreateKey(ctx context.Context, name string) (string, error)
	DeleteKey(ctx context.Context, name string) error
}
