package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ankisho/TeamCloud/pkg/telemetry"
	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// Workflow names registered on the host.
const (
	WorkflowCommand     = "CommandOrchestration"
	WorkflowCommandSend = "CommandSendOrchestration"
)

// Options configures an Orchestrator.
type Options struct {
	Host      *workflow.Host
	Projects  ProjectRepository
	Users     UserRepository
	Catalog   ProviderCatalog
	Transport ProviderTransport
	Callbacks *CallbackManager

	// BaseURL is the public API root used for status and location links.
	BaseURL string

	// ProviderTimeout applies to providers without their own timeout.
	// Defaults to 30 minutes.
	ProviderTimeout time.Duration

	// SendRetry controls retries of the provider request.
	SendRetry workflow.RetryPolicy

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// DefaultSendRetry is the retry policy of provider requests. It is the only
// retry layer for provider commands.
func DefaultSendRetry() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		MaxInterval:        30 * time.Second,
		BackoffCoefficient: 2,
		Retryable:          IsRetryable,
	}
}

// Orchestrator runs the command lifecycle on a workflow host.
type Orchestrator struct {
	host      *workflow.Host
	projects  ProjectRepository
	users     UserRepository
	catalog   ProviderCatalog
	transport ProviderTransport
	callbacks *CallbackManager
	validate  *validator.Validate

	baseURL         string
	providerTimeout time.Duration
	sendRetry       workflow.RetryPolicy

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewOrchestrator creates an orchestrator and registers its workflows and
// activities on the host.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Host == nil:
		return nil, fmt.Errorf("workflow host is required")
	case opts.Projects == nil:
		return nil, fmt.Errorf("project repository is required")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("provider catalog is required")
	case opts.Transport == nil:
		return nil, fmt.Errorf("provider transport is required")
	case opts.Callbacks == nil:
		return nil, fmt.Errorf("callback manager is required")
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Minute
	}
	if opts.SendRetry.MaxAttempts == 0 {
		opts.SendRetry = DefaultSendRetry()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}

	o := &Orchestrator{
		host:            opts.Host,
		projects:        opts.Projects,
		users:           opts.Users,
		catalog:         opts.Catalog,
		transport:       opts.Transport,
		callbacks:       opts.Callbacks,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		providerTimeout: opts.ProviderTimeout,
		sendRetry:       opts.SendRetry,
		logger:          opts.Logger.NewComponentLogger("orchestrator"),
		metrics:         opts.Metrics,
		events:          opts.Events,
	}
	o.register()
	return o, nil
}

func (o *Orchestrator) register() {
	o.host.RegisterWorkflow(WorkflowCommand, workflow.WorkflowOf(o.commandWorkflow))
	o.host.RegisterWorkflow(WorkflowCommandSend, workflow.WorkflowOf(o.sendCommandWorkflow))
	o.registerActivities()
}

// Submit validates cmd and starts its orchestration. The returned result
// is pending and carries the status link.
func (o *Orchestrator) Submit(ctx context.Context, cmd *Command) (*CommandResult, error) {
	if cmd == nil {
		return nil, NewValidationError("command is required", nil)
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if err := o.validate.Struct(cmd); err != nil {
		return nil, NewValidationError("invalid command", err)
	}
	if err := cmd.Action.Validate(); err != nil {
		return nil, NewValidationError("invalid command", err)
	}
	if cmd.Action != ActionCustom && cmd.ProjectID == "" {
		return nil, NewValidationError(fmt.Sprintf("%s commands require a project id", cmd.Action), nil)
	}

	ctx = telemetry.WithCommandContext(ctx, cmd.CommandID, string(cmd.Action), cmd.ProjectID, cmd.IssuedBy.ID)

	_, err := o.host.Start(ctx, WorkflowCommand, cmd.CommandID, CommandMessage{Command: *cmd})
	switch {
	case errors.Is(err, workflow.ErrInstanceExists):
		err = NewConflictError(fmt.Sprintf("command %s already exists", cmd.CommandID), err)
	case err != nil:
		err = NewEngineCommunicationError("failed to start command orchestration", err)
	}
	telemetry.EndCommandContext(ctx, err)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			o.metrics.RecordError(string(ee.Class), ee.Code)
		}
		return nil, err
	}

	o.metrics.RecordCommandSubmitted(string(cmd.Action))
	_ = o.events.PublishCommandSubmitted(cmd.CommandID, string(cmd.Action), cmd.ProjectID, cmd.IssuedBy.ID)
	o.logger.WithCommandID(cmd.CommandID).WithProjectID(cmd.ProjectID).Infof("Command %s submitted", cmd.Action)

	result := cmd.NewResult()
	result.SetLink("status", o.statusURL(cmd))
	return result, nil
}

// Query returns the current result of a command, or nil when there is
// none. A non-empty projectID must match the command's project.
func (o *Orchestrator) Query(ctx context.Context, trackingID, projectID string) (*CommandResult, error) {
	inst, err := o.host.GetStatus(ctx, trackingID)
	if err != nil {
		return nil, NewEngineCommunicationError("failed to query command status", err)
	}
	if inst == nil || inst.Name != WorkflowCommand {
		return nil, nil
	}

	var msg CommandMessage
	if err := json.Unmarshal(inst.Input, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode command of instance %s: %w", inst.ID, err)
	}
	if projectID != "" && msg.Command.ProjectID != projectID {
		return nil, nil
	}

	result, err := GetCommandResult(inst)
	if err != nil || result == nil {
		return result, err
	}
	result.SetLink("status", o.statusURL(&msg.Command))
	return result, nil
}

// Cancel requests cooperative cancellation of a command. Cancelling a
// finished command is a no-op. Provider sub-instances are not commands and
// cannot be cancelled on their own.
func (o *Orchestrator) Cancel(ctx context.Context, trackingID, reason string) error {
	inst, err := o.host.GetStatus(ctx, trackingID)
	if err != nil {
		return NewEngineCommunicationError("failed to get command status", err)
	}
	if inst == nil || inst.Name != WorkflowCommand {
		return NewNotFoundError(fmt.Sprintf("command %s not found", trackingID), nil)
	}

	err = o.host.Cancel(ctx, trackingID, reason)
	if errors.Is(err, workflow.ErrInstanceNotFound) {
		return NewNotFoundError(fmt.Sprintf("command %s not found", trackingID), err)
	}
	if err != nil {
		return NewEngineCommunicationError("failed to cancel command", err)
	}
	return nil
}

// commandWorkflow is the end-to-end command lifecycle.
func (o *Orchestrator) commandWorkflow(wctx *workflow.Context, msg CommandMessage) (*CommandResult, error) {
	cmd := msg.Command
	log := wctx.Logger().With().Str("command_id", cmd.CommandID).Str("project_id", cmd.ProjectID).Logger()

	result := cmd.NewResult()
	result.RuntimeStatus = RuntimeStatusRunning
	result.SetLink("status", o.statusURL(&cmd))

	var project *Project
	if cmd.ProjectID != "" {
		release, err := wctx.Lock(ProjectEntity(cmd.ProjectID).String())
		if err != nil {
			return nil, err
		}
		defer release()

		o.setCustomStatus(wctx, "Resolving project")
		project, err = o.resolveProject(wctx, &cmd)
		if err != nil {
			return o.fail(wctx, &cmd, result, err)
		}
	}

	o.setCustomStatus(wctx, "Dispatching command")
	results, err := o.SendCommandToProviders(wctx, &cmd, project)
	if err != nil {
		return o.fail(wctx, &cmd, result, err)
	}

	failed := 0
	for _, id := range sortedKeys(results) {
		r := results[id]
		if r.RuntimeStatus == RuntimeStatusCompleted && !r.HasErrors() {
			continue
		}
		failed++
		for _, e := range r.Errors {
			result.AddError(e.Code, e.Message)
		}
	}

	if project != nil {
		o.setCustomStatus(wctx, "Updating project")
		MergeOutputs(project, results)

		saved, err := o.persistProject(wctx, &cmd, project, failed > 0)
		if err != nil {
			return o.fail(wctx, &cmd, result, err)
		}
		if saved != nil {
			result.SetProject(saved)
			if cmd.Action.ProducesLocation() {
				result.SetLink("location", o.projectURL(saved.ID))
			}
		}
	} else if len(results) > 0 {
		raw, err := json.Marshal(results)
		if err != nil {
			return o.fail(wctx, &cmd, result, err)
		}
		result.SetCustom(raw)
	}

	if failed > 0 {
		return o.fail(wctx, &cmd, result, NewProviderFailure(fmt.Sprintf("%d of %d providers failed", failed, len(results)), nil))
	}

	log.Info().Int("providers", len(results)).Msg("Command completed")
	o.recordCompletion(wctx, &cmd, RuntimeStatusCompleted, 0)
	return result, nil
}

// resolveProject loads the command's project, or builds it from the payload
// for create commands.
func (o *Orchestrator) resolveProject(wctx *workflow.Context, cmd *Command) (*Project, error) {
	var existing *Project
	if err := wctx.CallActivity(ActivityProjectGet, cmd.ProjectID).Get(&existing); err != nil {
		return nil, err
	}

	var payload *Project
	if hasValues(cmd.Payload) {
		payload = &Project{}
		if err := json.Unmarshal(cmd.Payload, payload); err != nil {
			return nil, NewValidationError("command payload is not a project", err)
		}
		if payload.ID == "" {
			payload.ID = cmd.ProjectID
		}
		if payload.ID != cmd.ProjectID {
			return nil, NewValidationError("the payload project doesn't match the project referenced by the command", nil)
		}
	}

	switch cmd.Action {
	case ActionCreate:
		if existing != nil {
			return nil, NewConflictError(fmt.Sprintf("project %s already exists", cmd.ProjectID), nil).
				WithEntity(ProjectEntity(cmd.ProjectID).String())
		}
		if payload == nil {
			return nil, NewValidationError("create commands require a project payload", nil)
		}
		payload.Outputs = nil
		payload.Revision = 0
		return payload, nil
	}

	if existing == nil {
		return nil, NewNotFoundError(fmt.Sprintf("project %s not found", cmd.ProjectID), nil).
			WithEntity(ProjectEntity(cmd.ProjectID).String())
	}
	if cmd.Action == ActionUpdate && payload != nil {
		existing.Name = payload.Name
		existing.Slug = payload.Slug
		existing.Tags = payload.Tags
		if payload.Organization != "" {
			existing.Organization = payload.Organization
		}
	}
	return existing, nil
}

// persistProject writes the merged project. Deletion keeps the document
// when a provider failed so the command can be retried.
func (o *Orchestrator) persistProject(wctx *workflow.Context, cmd *Command, project *Project, failed bool) (*Project, error) {
	var saved *Project
	switch {
	case cmd.Action == ActionCreate:
		if err := wctx.CallActivity(ActivityProjectAdd, project).Get(&saved); err != nil {
			return nil, err
		}
	case cmd.Action == ActionDelete && !failed:
		if err := wctx.CallActivity(ActivityProjectRemove, project.ID).Get(nil); err != nil {
			return nil, err
		}
		if o.users != nil {
			if err := wctx.CallActivity(ActivityProjectUsersCleanup, project.ID).Get(nil); err != nil {
				wctx.Logger().Warn().Err(err).Str("project_id", project.ID).Msg("Failed to remove project memberships")
			}
		}
		return nil, nil
	default:
		if err := wctx.CallActivity(ActivityProjectSet, project).Get(&saved); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// fail records err on the result and ends the instance as failed, keeping
// the result as output. Interruptions are passed through unchanged.
func (o *Orchestrator) fail(wctx *workflow.Context, cmd *Command, result *CommandResult, err error) (*CommandResult, error) {
	if isInterruption(err) {
		return nil, err
	}

	code := ErrCodeInternal
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		code = ee.Code
	}
	if !IsProviderFailure(err) {
		result.AddError(code, err.Error())
	}

	wctx.Logger().Error().Err(err).Str("command_id", cmd.CommandID).Msg("Command failed")
	o.recordCompletion(wctx, cmd, RuntimeStatusFailed, len(result.Errors))
	return result, err
}

func (o *Orchestrator) recordCompletion(wctx *workflow.Context, cmd *Command, status RuntimeStatus, errorCount int) {
	if wctx.IsReplaying() {
		return
	}
	o.metrics.RecordCommandCompleted(string(cmd.Action), string(status), time.Since(cmd.CreatedAt))
	_ = o.events.PublishCommandCompleted(cmd.CommandID, cmd.ProjectID, string(status), errorCount)
}

func (o *Orchestrator) setCustomStatus(wctx *workflow.Context, status string) {
	if err := wctx.SetCustomStatus(status); err != nil {
		wctx.Logger().Warn().Err(err).Msg("Failed to set custom status")
		return
	}
	wctx.Logger().Info().Msgf("%s - CUSTOM STATUS: %s", wctx.InstanceID(), status)
}

func (o *Orchestrator) statusURL(cmd *Command) string {
	if cmd.ProjectID != "" {
		return fmt.Sprintf("%s/api/projects/%s/status/%s", o.baseURL, url.PathEscape(cmd.ProjectID), url.PathEscape(cmd.CommandID))
	}
	return fmt.Sprintf("%s/api/status/%s", o.baseURL, url.PathEscape(cmd.CommandID))
}

func (o *Orchestrator) projectURL(projectID string) string {
	return fmt.Sprintf("%s/api/projects/%s", o.baseURL, url.PathEscape(projectID))
}

func sortedKeys(m map[string]*CommandResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
