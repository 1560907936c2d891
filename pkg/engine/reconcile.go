package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// StatusSource reports the live status of a workflow instance. It returns
// nil, nil for unknown ids. *workflow.Host implements it.
type StatusSource interface {
	GetStatus(ctx context.Context, instanceID string) (*workflow.Instance, error)
}

// CommandMessage is the recorded input of a command orchestration.
type CommandMessage struct {
	Command Command `json:"command"`
}

// CreateResult builds the result of cmd from the live instance: the
// recorded output when the instance has one, else a default result.
func CreateResult(cmd *Command, inst *workflow.Instance) (*CommandResult, error) {
	result := cmd.NewResult()
	if hasValues(inst.Output) {
		result = &CommandResult{}
		if err := json.Unmarshal(inst.Output, result); err != nil {
			return nil, fmt.Errorf("failed to decode output of instance %s: %w", inst.ID, err)
		}
	}
	return ApplyStatus(result, inst), nil
}

// ApplyStatus copies the status fields of the live instance onto the
// result. A frozen result is returned unchanged.
func ApplyStatus(result *CommandResult, inst *workflow.Instance) *CommandResult {
	if result.Frozen() {
		return result
	}

	status := RuntimeStatusOf(inst.Status)
	if status.IsTerminal() && status != RuntimeStatusCompleted && !result.HasErrors() && inst.Error != "" {
		result.AddError(errorCodeFor(status), inst.Error)
	}

	result.CreatedTime = inst.CreatedAt
	result.LastUpdatedTime = inst.UpdatedAt
	result.CustomStatus = append(json.RawMessage(nil), inst.CustomStatus...)
	result.RuntimeStatus = status
	return result
}

// GetCommandResult returns the result of an instance: its recorded output
// when present, otherwise a best-effort result reconstructed from its
// recorded input. It returns nil when neither is available.
func GetCommandResult(inst *workflow.Instance) (*CommandResult, error) {
	if inst == nil {
		return nil, nil
	}
	if hasValues(inst.Output) {
		var result CommandResult
		if err := json.Unmarshal(inst.Output, &result); err != nil {
			return nil, fmt.Errorf("failed to decode output of instance %s: %w", inst.ID, err)
		}
		return ApplyStatus(&result, inst), nil
	}
	if hasValues(inst.Input) {
		var msg CommandMessage
		if err := json.Unmarshal(inst.Input, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode input of instance %s: %w", inst.ID, err)
		}
		if msg.Command.CommandID == "" {
			return nil, nil
		}
		return CreateResult(&msg.Command, inst)
	}
	return nil, nil
}

// AugmentResult refreshes a result with the authoritative status of
// instanceID. A terminal result keeps its status and only gains the
// timestamps it lacks. Lookup failures are logged and the result is
// returned as is.
func AugmentResult(ctx context.Context, source StatusSource, instanceID string, result *CommandResult, logger zerolog.Logger) *CommandResult {
	inst, err := source.GetStatus(ctx, instanceID)
	if err != nil {
		logger.Warn().Err(err).Str("instance_id", instanceID).Str("command_id", result.CommandID).Msg("Failed to augment command result with instance status")
		return result
	}
	if inst == nil {
		return result
	}
	if !result.Frozen() {
		return ApplyStatus(result, inst)
	}
	if result.CreatedTime.IsZero() {
		result.CreatedTime = inst.CreatedAt
	}
	if result.LastUpdatedTime.IsZero() {
		result.LastUpdatedTime = inst.UpdatedAt
	}
	return result
}

func errorCodeFor(status RuntimeStatus) string {
	if status == RuntimeStatusCanceled {
		return ErrCodeCanceled
	}
	return ErrCodeInternal
}

func hasValues(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// StatusKind is the outcome class of a status poll.
type StatusKind string

const (
	StatusKindSuccessLocation StatusKind = "success_location"
	StatusKindSuccess         StatusKind = "success"
	StatusKindAccepted        StatusKind = "accepted"
	StatusKindFailed          StatusKind = "failed"
	StatusKindOK              StatusKind = "ok"
	StatusKindNotFound        StatusKind = "not_found"
)

// StatusResult is the body returned to polling clients.
type StatusResult struct {
	TrackingID   string          `json:"tracking_id,omitempty"`
	Code         int             `json:"code"`
	Status       StatusKind      `json:"status"`
	State        RuntimeStatus   `json:"state,omitempty"`
	StateMessage json.RawMessage `json:"state_message,omitempty"`
	Location     string          `json:"location,omitempty"`
	Errors       []CommandError  `json:"errors,omitempty"`
}

// StatusResponse is the boundary representation of a command result.
type StatusResponse struct {
	Kind       StatusKind
	HTTPStatus int

	// Location is sent as the Location header when set.
	Location string

	// Unmapped is set when the runtime status matched no known class.
	Unmapped bool

	Body StatusResult
}

// StatusResponseFor maps a command result to its boundary response. A nil
// result maps to not found.
func StatusResponseFor(result *CommandResult) StatusResponse {
	if result == nil {
		return StatusResponse{
			Kind:       StatusKindNotFound,
			HTTPStatus: http.StatusNotFound,
			Body: StatusResult{
				Code:   http.StatusNotFound,
				Status: StatusKindNotFound,
				Errors: []CommandError{{
					Code:     ErrCodeNotFound,
					Message:  "A status for the provided tracking id was not found.",
					Severity: SeverityError,
				}},
			},
		}
	}

	resp := StatusResponse{
		Body: StatusResult{
			TrackingID:   result.CommandID,
			State:        result.RuntimeStatus,
			StateMessage: result.CustomStatus,
		},
	}

	switch result.RuntimeStatus {
	case RuntimeStatusCompleted:
		if location, ok := result.Links["location"]; ok && location != "" {
			resp.Kind = StatusKindSuccessLocation
			resp.HTTPStatus = http.StatusFound
			resp.Location = location
			resp.Body.Location = location
		} else {
			resp.Kind = StatusKindSuccess
			resp.HTTPStatus = http.StatusOK
		}

	case RuntimeStatusRunning, RuntimeStatusContinuedAsNew, RuntimeStatusPending:
		resp.Kind = StatusKindAccepted
		resp.HTTPStatus = http.StatusAccepted
		resp.Location = result.Links["status"]
		resp.Body.Location = resp.Location

	case RuntimeStatusCanceled, RuntimeStatusTerminated, RuntimeStatusFailed:
		resp.Kind = StatusKindFailed
		resp.HTTPStatus = http.StatusOK
		resp.Body.Errors = result.Errors

	default:
		resp.Unmapped = true
		resp.HTTPStatus = http.StatusOK
		if result.HasErrors() {
			resp.Kind = StatusKindFailed
			resp.Body.Errors = result.Errors
		} else {
			resp.Kind = StatusKindOK
		}
	}

	resp.Body.Code = resp.HTTPStatus
	resp.Body.Status = resp.Kind
	return resp
}
