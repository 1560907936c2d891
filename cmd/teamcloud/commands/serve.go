package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ankisho/TeamCloud/pkg/api"
	"github.com/ankisho/TeamCloud/pkg/catalog"
	"github.com/ankisho/TeamCloud/pkg/config"
	"github.com/ankisho/TeamCloud/pkg/engine"
	"github.com/ankisho/TeamCloud/pkg/locks"
	"github.com/ankisho/TeamCloud/pkg/notify"
	"github.com/ankisho/TeamCloud/pkg/policy"
	"github.com/ankisho/TeamCloud/pkg/providers"
	"github.com/ankisho/TeamCloud/pkg/stores"
	"github.com/ankisho/TeamCloud/pkg/telemetry"
	"github.com/ankisho/TeamCloud/pkg/workflow"
)

func newServeCommand(opts *options, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Run the orchestration service.

The service applies pending schema migrations, loads the provider catalog,
resumes every orchestration left running by a previous process and serves
the command, status, callback and admin endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, version)
		},
	}
}

// service is the assembled runtime. Components are released in reverse
// order of construction.
type service struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store   *stores.SQLiteStore
	redis   *redis.Client
	host    *workflow.Host
	catalog *catalog.Service
	server  *api.Server
	metrics *http.Server

	closers []func(context.Context) error
}

func runServe(ctx context.Context, cfg *config.Config, version string) error {
	svc, err := newService(ctx, cfg, version)
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	svc.server.Start(errs)
	svc.metrics = svc.telemetry.StartMetricsServer(errs)

	resumed, err := svc.host.Resume(ctx)
	if err != nil {
		svc.logger.Error().Err(err).Msg("Failed to resume orchestrations")
	} else if resumed > 0 {
		svc.logger.Info().Int("instances", resumed).Msg("Resumed orchestrations")
	}

	select {
	case <-ctx.Done():
		svc.logger.Info().Msg("Shutting down")
	case err = <-errs:
		svc.logger.Error().Err(err).Msg("Listener failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, svc.close(shutdownCtx))
}

func newService(ctx context.Context, cfg *config.Config, version string) (svc *service, err error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	svc = &service{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}
	svc.onClose(tel.Shutdown)

	defer func() {
		if err != nil {
			_ = svc.close(context.Background())
			svc = nil
		}
	}()

	if err = svc.openStore(ctx); err != nil {
		return svc, err
	}
	if err = svc.startHost(ctx); err != nil {
		return svc, err
	}
	if err = svc.loadCatalog(ctx); err != nil {
		return svc, err
	}

	keys := svc.keyAdmin()
	sendRetry := engine.DefaultSendRetry()
	sendRetry.MaxAttempts = cfg.Engine.SendAttempts
	orchestrator, err := engine.NewOrchestrator(engine.Options{
		Host:      svc.host,
		Projects:  svc.store,
		Users:     svc.store,
		Catalog:   svc.catalog,
		Transport: svc.providerClient(),
		Callbacks: engine.NewCallbackManager(keys, cfg.Callback.HostURL),
		BaseURL:   cfg.Server.BaseURL,

		ProviderTimeout: cfg.Engine.ProviderTimeout,
		SendRetry:       sendRetry,

		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
	})
	if err != nil {
		return svc, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	svc.server, err = api.NewServer(api.Options{
		Commands:     orchestrator,
		Instances:    svc.host,
		Keys:         svc.store,
		Projects:     svc.store,
		Health:       svc.store,
		MasterKey:    cfg.Callback.MasterKey,
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       svc.logger,
		Metrics:      tel.Metrics,
		Events:       tel.Events,
		Tracer:       tel.Tracer,
	})
	if err != nil {
		return svc, fmt.Errorf("failed to create API server: %w", err)
	}
	svc.onClose(svc.server.Shutdown)

	return svc, nil
}

func (s *service) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            s.cfg.Store.Path,
		MaxOpenConns:    s.cfg.Store.MaxOpenConns,
		ProjectCacheTTL: s.cfg.Store.ProjectCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store
	s.onClose(func(context.Context) error { return store.Close() })

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// startHost builds the workflow host with the configured lock backend and,
// when Redis is configured, cross-node event notifications.
func (s *service) startHost(ctx context.Context) error {
	if s.cfg.Redis.Address != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Address,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		s.onClose(func(context.Context) error { return s.redis.Close() })

		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", s.cfg.Redis.Address, err)
		}
	}

	var locker locks.Locker = locks.NewMemory()
	if s.cfg.Locks.Backend == config.LockBackendRedis {
		rl, err := locks.NewRedis(s.redis, locks.RedisConfig{
			Prefix:        s.cfg.Locks.Prefix,
			TTL:           s.cfg.Locks.TTL,
			RetryInterval: s.cfg.Locks.RetryInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis locker: %w", err)
		}
		s.onClose(func(context.Context) error { rl.Close(); return nil })
		locker = rl
	}

	var notifier notify.Notifier = notify.NewLocal()
	if s.redis != nil {
		rn, err := notify.NewRedis(ctx, s.redis, s.cfg.Redis.EventPrefix, s.logger)
		if err != nil {
			return fmt.Errorf("failed to subscribe to redis notifications: %w", err)
		}
		s.onClose(func(context.Context) error { return rn.Close() })
		notifier = rn

		if ch := s.telemetry.Config.Events.RedisChannel; ch != "" {
			s.telemetry.Events.Subscribe(telemetry.RedisSubscriber(s.redis, ch, time.Second, s.logger), nil)
		}
	}

	host, err := workflow.NewHost(workflow.Options{
		Journal:      s.store,
		Locker:       locker,
		Notifier:     notifier,
		Logger:       s.logger,
		Metrics:      s.telemetry.Metrics,
		PollInterval: s.cfg.Engine.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow host: %w", err)
	}
	s.host = host
	s.onClose(host.Shutdown)

	s.logger.Info().
		Str("locks", s.cfg.Locks.Backend).
		Bool("redis_notifications", s.redis != nil).
		Msg("Workflow host ready")
	return nil
}

func (s *service) loadCatalog(ctx context.Context) error {
	evaluator, err := newEvaluator(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}

	svc, err := catalog.NewService(ctx, catalog.ServiceOptions{
		Path:        s.cfg.Catalog.Path,
		Conditions:  evaluator,
		Logger:      s.logger,
		ReloadDelay: s.cfg.Catalog.ReloadDelay,
		OnReload: func(_ *catalog.Catalog, err error) {
			if err != nil {
				s.telemetry.Metrics.RecordError("validation", "CATALOG_RELOAD")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to load provider catalog: %w", err)
	}
	s.catalog = svc
	s.onClose(func(context.Context) error { return svc.Close() })

	if s.cfg.Catalog.Watch {
		if err := svc.Watch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// keyAdmin selects where callback keys are created. The API always verifies
// callbacks against the local store.
func (s *service) keyAdmin() engine.KeyAdmin {
	if s.cfg.Callback.KeySource != config.KeySourceRemote {
		return s.store
	}
	return engine.NewHTTPKeyAdmin(engine.HTTPKeyAdminConfig{
		BaseURL:   s.cfg.Callback.HostURL,
		MasterKey: s.cfg.Callback.MasterKey,
		RetryMax:  s.cfg.Providers.RetryMax,
		Timeout:   s.cfg.Providers.RequestTimeout,
		Logger:    s.logger,
	})
}

func (s *service) providerClient() *providers.Client {
	pc := providers.DefaultConfig()
	if s.cfg.Providers.RequestTimeout > 0 {
		pc.RequestTimeout = s.cfg.Providers.RequestTimeout
	}
	pc.Headers = s.cfg.Providers.Headers
	pc.Telemetry = s.telemetry
	pc.Logger = s.logger
	return providers.NewClient(pc)
}

func newEvaluator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Evaluator, error) {
	evaluator, err := policy.NewEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy evaluator: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := evaluator.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return evaluator, nil
}

func (s *service) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func (s *service) close(ctx context.Context) error {
	if s.metrics != nil {
		s.closers = append(s.closers, s.metrics.Shutdown)
		s.metrics = nil
	}

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.closers[i](closeCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	s.closers = nil
	return errors.Join(errs...)
}
