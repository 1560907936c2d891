package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

var _ engine.ProviderCatalog = (*Service)(nil)

// Conditions evaluates provider applicability conditions.
type Conditions interface {
	ConditionCompiler
	Applicable(ctx context.Context, provider engine.Provider, project *engine.Project) (bool, error)
}

// Service serves the current catalog and reloads it on demand or when the
// catalog files change.
type Service struct {
	path       string
	loader     *Loader
	conditions Conditions
	logger     zerolog.Logger

	loadMu  sync.Mutex
	current atomic.Pointer[Catalog]

	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
	onReload    func(*Catalog, error)
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Path is a catalog file or directory. Required.
	Path string

	// Conditions checks and evaluates provider conditions. Without it
	// providers with a condition never apply.
	Conditions Conditions

	Logger zerolog.Logger

	// ReloadDelay debounces file change events. Defaults to 500ms.
	ReloadDelay time.Duration

	// OnReload is called after every reload triggered by Watch.
	OnReload func(*Catalog, error)
}

// NewService loads the catalog at opts.Path.
func NewService(ctx context.Context, opts ServiceOptions) (*Service, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	if opts.ReloadDelay == 0 {
		opts.ReloadDelay = 500 * time.Millisecond
	}

	var compiler ConditionCompiler
	if opts.Conditions != nil {
		compiler = opts.Conditions
	}
	loader, err := NewLoader(compiler)
	if err != nil {
		return nil, err
	}

	s := &Service{
		path:        opts.Path,
		loader:      loader,
		conditions:  opts.Conditions,
		logger:      opts.Logger.With().Str("component", "catalog").Logger(),
		reloadDelay: opts.ReloadDelay,
		onReload:    opts.OnReload,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Catalog returns the current catalog.
func (s *Service) Catalog() *Catalog {
	return s.current.Load()
}

// Reload loads the catalog again. The current catalog is kept when the
// new one is invalid.
func (s *Service) Reload(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	c, err := s.loader.Load(ctx, s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)

	s.logger.Info().
		Int("providers", len(c.Providers)).
		Int("project_types", len(c.ProjectTypes)).
		Strs("files", c.SourceFiles).
		Msg("Provider catalog loaded")
	return nil
}

// ProvidersFor implements engine.ProviderCatalog. The providers of the
// project's type, or of the default type when the project has none, are
// returned in the order the type lists them, filtered by their conditions.
// A nil project yields every provider ordered by id.
func (s *Service) ProvidersFor(ctx context.Context, project *engine.Project) ([]engine.Provider, error) {
	c := s.current.Load()
	if c == nil {
		return nil, fmt.Errorf("provider catalog not loaded")
	}

	if project == nil {
		return append([]engine.Provider(nil), c.Providers...), nil
	}

	projectType, ok := c.ProjectType(project.Type)
	if !ok {
		s.logger.Warn().
			Str("project_id", project.ID).
			Str("project_type", project.Type).
			Msg("Project type has no catalog entry, no providers apply")
		return []engine.Provider{}, nil
	}

	providers := make([]engine.Provider, 0, len(projectType.Providers))
	for _, id := range projectType.Providers {
		provider, ok := c.Provider(id)
		if !ok {
			continue
		}

		applies, err := s.applies(ctx, provider, project)
		if err != nil {
			return nil, err
		}
		if applies {
			providers = append(providers, provider)
		}
	}
	return providers, nil
}

func (s *Service) applies(ctx context.Context, provider engine.Provider, project *engine.Project) (bool, error) {
	if provider.Condition == "" {
		return true, nil
	}
	if s.conditions == nil {
		s.logger.Warn().Str("provider", provider.ID).Msg("Provider condition ignored without an evaluator, provider skipped")
		return false, nil
	}
	return s.conditions.Applicable(ctx, provider, project)
}

// Watch reloads the catalog whenever its files change until ctx ends or
// Close is called.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := s.path
	info, err := os.Stat(s.path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to stat catalog: %w", err)
	}
	if !info.IsDir() {
		// Editors replace files, so the parent directory is watched.
		dir = filepath.Dir(s.path)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = watcher
	go s.processEvents(ctx, watcher, !info.IsDir())

	s.logger.Info().Str("path", s.path).Msg("Started watching provider catalog")
	return nil
}

func (s *Service) processEvents(ctx context.Context, watcher *fsnotify.Watcher, singleFile bool) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if singleFile && filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if _, ok := formatOf(event.Name); !ok {
				continue
			}

			s.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(s.reloadDelay, func() {
				err := s.Reload(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("Failed to reload provider catalog, keeping previous")
				}
				if s.onReload != nil {
					s.onReload(s.Catalog(), err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (s *Service) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
