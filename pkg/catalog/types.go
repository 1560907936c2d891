package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

// ProviderSpec is a provider as written in a catalog file.
type ProviderSpec struct {
	ID         string            `json:"id" yaml:"id"`
	URL        string            `json:"url" yaml:"url"`
	AuthCode   string            `json:"authCode,omitempty" yaml:"authCode,omitempty"`
	Timeout    string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Condition  string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ProjectTypeSpec is a project type as written in a catalog file.
type ProjectTypeSpec struct {
	ID        string   `json:"id" yaml:"id"`
	Default   bool     `json:"default,omitempty" yaml:"default,omitempty"`
	Providers []string `json:"providers" yaml:"providers"`
}

// Document is the content of one catalog file.
type Document struct {
	Providers    []ProviderSpec    `json:"providers" yaml:"providers"`
	ProjectTypes []ProjectTypeSpec `json:"projectTypes,omitempty" yaml:"projectTypes,omitempty"`
}

// ValidationError describes one problem found while loading a catalog.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError aggregates the validation errors of a catalog.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "invalid provider catalog: " + strings.Join(msgs, "; ")
}

// Catalog is a validated provider catalog.
type Catalog struct {
	Providers    []engine.Provider
	ProjectTypes []engine.ProjectType
	SourceFiles  []string
	LoadedAt     time.Time

	providers map[string]engine.Provider
	types     map[string]engine.ProjectType
	fallback  string
}

// Provider returns the provider with id.
func (c *Catalog) Provider(id string) (engine.Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}

// ProjectType returns the project type with id, or the default type when
// id is empty.
func (c *Catalog) ProjectType(id string) (engine.ProjectType, bool) {
	if id == "" {
		id = c.fallback
	}
	t, ok := c.types[id]
	return t, ok
}

// build converts documents into a catalog, collecting every problem.
func build(docs []sourcedDocument, validate *validator.Validate) (*Catalog, error) {
	c := &Catalog{
		providers: make(map[string]engine.Provider),
		types:     make(map[string]engine.ProjectType),
		LoadedAt:  time.Now(),
	}
	var errs []ValidationError

	for _, doc := range docs {
		c.SourceFiles = append(c.SourceFiles, doc.file)

		for i, spec := range doc.Providers {
			path := fmt.Sprintf("providers[%d]", i)
			p, err := spec.toProvider()
			if err != nil {
				errs = append(errs, ValidationError{File: doc.file, Path: path, Message: err.Error()})
				continue
			}
			if err := validate.Struct(p); err != nil {
				errs = append(errs, ValidationError{File: doc.file, Path: path, Message: err.Error()})
				continue
			}
			if _, dup := c.providers[p.ID]; dup {
				errs = append(errs, ValidationError{File: doc.file, Path: path, Message: fmt.Sprintf("duplicate provider id %q", p.ID)})
				continue
			}
			c.providers[p.ID] = p
			c.Providers = append(c.Providers, p)
		}

		for i, spec := range doc.ProjectTypes {
			path := fmt.Sprintf("projectTypes[%d]", i)
			t := engine.ProjectType{ID: spec.ID, Default: spec.Default, Providers: spec.Providers}
			if err := validate.Struct(t); err != nil {
				errs = append(errs, ValidationError{File: doc.file, Path: path, Message: err.Error()})
				continue
			}
			if _, dup := c.types[t.ID]; dup {
				errs = append(errs, ValidationError{File: doc.file, Path: path, Message: fmt.Sprintf("duplicate project type id %q", t.ID)})
				continue
			}
			if t.Default {
				if c.fallback != "" {
					errs = append(errs, ValidationError{File: doc.file, Path: path,
						Message: fmt.Sprintf("project types %q and %q are both marked default", c.fallback, t.ID)})
					continue
				}
				c.fallback = t.ID
			}
			c.types[t.ID] = t
			c.ProjectTypes = append(c.ProjectTypes, t)
		}
	}

	for _, t := range c.ProjectTypes {
		for _, id := range t.Providers {
			if _, ok := c.providers[id]; !ok {
				errs = append(errs, ValidationError{Path: "projectTypes." + t.ID,
					Message: fmt.Sprintf("unknown provider %q", id)})
			}
		}
	}

	if len(errs) > 0 {
		return nil, &LoadError{Errors: errs}
	}

	sort.SliceStable(c.Providers, func(i, j int) bool { return c.Providers[i].ID < c.Providers[j].ID })
	return c, nil
}

func (s ProviderSpec) toProvider() (engine.Provider, error) {
	p := engine.Provider{
		ID:         s.ID,
		URL:        s.URL,
		AuthCode:   os.ExpandEnv(s.AuthCode),
		Condition:  s.Condition,
		Properties: s.Properties,
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return p, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		if d <= 0 {
			return p, fmt.Errorf("timeout must be positive, got %s", s.Timeout)
		}
		p.Timeout = d
	}
	return p, nil
}
