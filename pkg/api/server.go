package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ankisho/TeamCloud/pkg/engine"
	"github.com/ankisho/TeamCloud/pkg/stores"
	"github.com/ankisho/TeamCloud/pkg/telemetry"
	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// Commands submits, queries and cancels commands.
type Commands interface {
	Submit(ctx context.Context, cmd *engine.Command) (*engine.CommandResult, error)
	Query(ctx context.Context, trackingID, projectID string) (*engine.CommandResult, error)
	Cancel(ctx context.Context, trackingID, reason string) error
}

// Instances receives callback events.
type Instances interface {
	GetStatus(ctx context.Context, instanceID string) (*workflow.Instance, error)
	RaiseEvent(ctx context.Context, instanceID, name string, payload any) error
}

// Keys stores and verifies callback keys.
type Keys interface {
	engine.KeyAdmin
	VerifyKey(ctx context.Context, name, value string) (bool, error)
	ListKeys(ctx context.Context) ([]*stores.CallbackKey, error)
}

// ProjectResolver maps a project id, slug or name to the project id.
type ProjectResolver interface {
	ResolveProjectID(ctx context.Context, identifier string) (string, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Commands  Commands
	Instances Instances
	Keys      Keys
	Projects  ProjectResolver
	Health    HealthChecker

	// MasterKey guards the admin surface. The admin routes are not served
	// when it is empty.
	MasterKey string

	// Address is the listen address used by Start. Defaults to ":8080".
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

// Server serves the HTTP boundary.
type Server struct {
	commands  Commands
	instances Instances
	keys      Keys
	projects  ProjectResolver
	health    HealthChecker
	masterKey string

	address      string
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer

	server *http.Server
}

// NewServer creates a server.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Commands == nil:
		return nil, fmt.Errorf("commands are required")
	case opts.Instances == nil:
		return nil, fmt.Errorf("instances are required")
	case opts.Keys == nil:
		return nil, fmt.Errorf("callback keys are required")
	}
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	return &Server{
		commands:     opts.Commands,
		instances:    opts.Instances,
		keys:         opts.Keys,
		projects:     opts.Projects,
		health:       opts.Health,
		masterKey:    opts.MasterKey,
		address:      opts.Address,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With().Str("component", "api").Logger(),
		metrics:      opts.Metrics,
		events:       opts.Events,
		tracer:       opts.Tracer,
	}, nil
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /callback/{instanceId}/{eventName}", s.handleCallback)

	mux.HandleFunc("POST /api/commands", s.handleSubmit)
	mux.HandleFunc("GET /api/status/{trackingId}", s.handleStatus)
	mux.HandleFunc("DELETE /api/status/{trackingId}", s.handleCancel)
	mux.HandleFunc("GET /api/projects/{projectId}/status/{trackingId}", s.handleProjectStatus)

	if s.masterKey != "" {
		mux.Handle("GET /admin/functions/callback/keys", s.requireMasterKey(s.handleListKeys))
		mux.Handle("GET /admin/functions/callback/keys/{name}", s.requireMasterKey(s.handleGetKey))
		mux.Handle("POST /admin/functions/callback/keys/{name}", s.requireMasterKey(s.handleCreateKey))
		mux.Handle("DELETE /admin/functions/callback/keys/{name}", s.requireMasterKey(s.handleDeleteKey))
	}

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return otelhttp.NewHandler(mux, "teamcloud.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start serves on the configured address in the background. errs receives
// the listener error, if any.
func (s *Server) Start(errs chan<- error) {
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.writeTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped")
			if errs != nil {
				errs <- err
			}
		}
	}()

	s.logger.Info().Str("address", s.address).Msg("API server listening")
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requireMasterKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			code = r.Header.Get("X-Functions-Key")
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(s.masterKey)) != 1 {
			writeErrorResult(w, http.StatusUnauthorized, "UNAUTHORIZED", "A valid master key is required.")
			return
		}
		next(w, r)
	})
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "healthy"}
	if s.health == nil {
		writeJSON(w, http.StatusOK, response)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.health.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "unavailable"
		response.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Store = "available"
	writeJSON(w, http.StatusOK, response)
}
