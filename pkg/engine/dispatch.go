package engine

import (
	"errors"
	"fmt"

	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// dispatchMessage is the input of the provider sub-workflow.
type dispatchMessage struct {
	Command  ProviderCommand `json:"command"`
	Provider Provider        `json:"provider"`
}

type callbackRequest struct {
	InstanceID string  `json:"instance_id"`
	Command    Command `json:"command"`
}

type sendRequest struct {
	InstanceID string          `json:"instance_id"`
	Provider   Provider        `json:"provider"`
	Command    ProviderCommand `json:"command"`
}

type augmentRequest struct {
	InstanceID string         `json:"instance_id"`
	Result     *CommandResult `json:"result"`
}

// SendCommand dispatches cmd to a single provider and waits for the
// provider sub-workflow to reach a terminal status.
func (o *Orchestrator) SendCommand(wctx *workflow.Context, cmd *Command, provider Provider, project *Project) (*CommandResult, error) {
	if err := checkProject(cmd, project); err != nil {
		return nil, err
	}
	return o.collect(wctx, cmd, provider, o.sendCommandAsync(wctx, cmd, provider, project))
}

func (o *Orchestrator) sendCommandAsync(wctx *workflow.Context, cmd *Command, provider Provider, project *Project) workflow.Future {
	msg := dispatchMessage{
		Command: ProviderCommand{
			Command:    *cmd,
			ProviderID: provider.ID,
			Project:    project,
			Properties: MergeMaps(provider.Properties, map[string]string{
				"provider":       provider.ID,
				"command_action": string(cmd.Action),
			}),
		},
		Provider: provider,
	}
	return wctx.CallSubWorkflow(WorkflowCommandSend, "", msg)
}

// collect resolves a provider future. Failures of the sub-workflow itself
// become a failed result so the caller always gets one entry per provider.
func (o *Orchestrator) collect(wctx *workflow.Context, cmd *Command, provider Provider, f workflow.Future) (*CommandResult, error) {
	var result *CommandResult
	err := f.Get(&result)
	if isInterruption(err) {
		return nil, err
	}
	if err != nil || result == nil {
		msg := fmt.Sprintf("provider %s did not return a result", provider.ID)
		if err != nil {
			msg = fmt.Sprintf("provider %s: %v", provider.ID, err)
		}
		wctx.Logger().Warn().Str("provider_id", provider.ID).Msg(msg)
		return failedResult(cmd, ErrCodeProviderFailed, msg), nil
	}
	return result, nil
}

// SendCommandToProviders dispatches cmd to every provider that applies to
// the project and waits for all of them. The project is loaded when nil
// and cmd names one. The returned map has one entry per resolved provider.
func (o *Orchestrator) SendCommandToProviders(wctx *workflow.Context, cmd *Command, project *Project) (map[string]*CommandResult, error) {
	if project == nil && cmd.ProjectID != "" {
		if err := wctx.CallActivity(ActivityProjectGet, cmd.ProjectID).Get(&project); err != nil {
			return nil, err
		}
		if project == nil {
			return nil, NewNotFoundError(fmt.Sprintf("project %s not found", cmd.ProjectID), nil).
				WithEntity(ProjectEntity(cmd.ProjectID).String())
		}
	}
	if err := checkProject(cmd, project); err != nil {
		return nil, err
	}

	var providers []Provider
	if err := wctx.CallActivity(ActivityProvidersResolve, project).Get(&providers); err != nil {
		return nil, err
	}

	results := make(map[string]*CommandResult, len(providers))
	if len(providers) == 0 {
		return results, nil
	}

	futures := make([]workflow.Future, len(providers))
	for i, p := range providers {
		futures[i] = o.sendCommandAsync(wctx, cmd, p, project)
	}
	for i, p := range providers {
		result, err := o.collect(wctx, cmd, p, futures[i])
		if err != nil {
			return nil, err
		}
		results[p.ID] = result
	}
	return results, nil
}

// checkProject rejects a supplied project other than the one cmd names. A
// command without a project accepts none.
func checkProject(cmd *Command, project *Project) error {
	if project == nil || project.ID == cmd.ProjectID {
		return nil
	}
	return NewValidationError("the provided project doesn't match the project referenced by the command", nil).
		WithDetail("command_project_id", cmd.ProjectID).
		WithDetail("project_id", project.ID)
}

// sendCommandWorkflow is the provider sub-workflow: acquire a callback URL,
// post the command, wait for a terminal result, augment it and revoke the
// callback key.
func (o *Orchestrator) sendCommandWorkflow(wctx *workflow.Context, msg dispatchMessage) (*CommandResult, error) {
	cmd := msg.Command
	provider := msg.Provider
	log := wctx.Logger().With().Str("command_id", cmd.CommandID).Str("provider_id", provider.ID).Logger()

	timeout := provider.Timeout
	if timeout <= 0 {
		timeout = o.providerTimeout
	}
	started, err := wctx.Now()
	if err != nil {
		return nil, err
	}
	deadline := started.Add(timeout)

	if err := wctx.CallActivity(ActivityCallbackURLGet, callbackRequest{
		InstanceID: wctx.InstanceID(),
		Command:    cmd.Command,
	}).Get(&cmd.CallbackURL); err != nil {
		return nil, err
	}
	defer o.invalidateCallback(wctx)

	var result *CommandResult
	err = wctx.CallActivity(ActivityCommandSend, sendRequest{InstanceID: wctx.InstanceID(), Provider: provider, Command: cmd},
		workflow.WithRetry(o.sendRetry)).Get(&result)
	if isInterruption(err) {
		return nil, err
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send command to provider")
		result = failedResult(&cmd.Command, ErrCodeProviderFailed, err.Error())
	}

	for result == nil || !result.RuntimeStatus.IsTerminal() {
		now, err := wctx.Now()
		if err != nil {
			return nil, err
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			result = failedResult(&cmd.Command, ErrCodeTimeout, "timeout")
			break
		}

		var update CommandResult
		err = wctx.WaitForEvent(cmd.CommandID, remaining).Get(&update)
		if errors.Is(err, workflow.ErrEventTimeout) {
			log.Warn().Dur("timeout", timeout).Msg("Provider did not report a terminal result in time")
			result = failedResult(&cmd.Command, ErrCodeTimeout, "timeout")
			break
		}
		if err != nil {
			return nil, err
		}

		result = &update
		log.Debug().Str("status", string(result.RuntimeStatus)).Msg("Provider reported progress")
		if !result.RuntimeStatus.IsTerminal() && len(result.CustomStatus) > 0 {
			if err := wctx.SetCustomStatus(result.CustomStatus); err != nil {
				log.Warn().Err(err).Msg("Failed to publish provider progress")
			}
		}
	}

	if err := wctx.CallActivity(ActivityCommandResultAugment, augmentRequest{
		InstanceID: wctx.InstanceID(),
		Result:     result,
	}).Get(&result); err != nil {
		return nil, err
	}
	settleProviderResult(result, provider.ID)

	log.Info().Str("status", string(result.RuntimeStatus)).Int("errors", len(result.Errors)).Msg("Provider command finished")
	return result, nil
}

func (o *Orchestrator) invalidateCallback(wctx *workflow.Context) {
	err := wctx.CallActivity(ActivityCallbackInvalidate, wctx.InstanceID(), workflow.Detached()).Get(nil)
	if err != nil && !isInterruption(err) {
		wctx.Logger().Warn().Err(err).Msg("Failed to invalidate callback")
	}
}

// failedResult synthesizes a terminal failed result for cmd.
func failedResult(cmd *Command, code, message string) *CommandResult {
	result := cmd.NewResult()
	result.AddError(code, message)
	result.RuntimeStatus = RuntimeStatusFailed
	return result
}

// settleProviderResult fills in what a provider may leave out of a
// terminal result.
func settleProviderResult(result *CommandResult, providerID string) {
	if result.Result.Kind == ResultKindNone && result.Result.ProviderOutput != nil {
		result.Result.Kind = ResultKindProviderOutput
	}
	if result.RuntimeStatus != RuntimeStatusCompleted && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, CommandError{
			Code:     ErrCodeProviderFailed,
			Message:  fmt.Sprintf("provider %s reported %s", providerID, result.RuntimeStatus),
			Severity: SeverityError,
		})
	}
}

func isInterruption(err error) bool {
	return errors.Is(err, workflow.ErrCanceled) ||
		errors.Is(err, workflow.ErrTerminated) ||
		errors.Is(err, workflow.ErrHostStopped)
}
