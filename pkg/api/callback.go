package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ankisho/TeamCloud/pkg/engine"
	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// maxCallbackBody bounds a provider callback payload.
const maxCallbackBody = 4 << 20

// Callback outcomes recorded in metrics.
const (
	callbackRaised       = "raised"
	callbackUnauthorized = "unauthorized"
	callbackBadRequest   = "bad_request"
	callbackGone         = "gone"
	callbackFailed       = "failed"
)

// handleCallback raises a provider result as an event on the waiting
// instance. A missing or finished instance answers 410 so providers stop
// retrying. That check runs before the key check because finished instances
// have their keys revoked. The body is validated before anything is raised.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceId")
	eventName := r.PathValue("eventName")

	ctx, span := s.tracer.StartCallbackSpan(r.Context(), instanceID, eventName)
	defer span.End()

	log := s.logger.With().
		Str("instance_id", instanceID).
		Str("event", eventName).
		Logger()

	inst, err := s.instances.GetStatus(ctx, instanceID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get instance status")
		s.metrics.RecordCallback(callbackFailed)
		writeErrorResult(w, http.StatusInternalServerError, engine.ErrCodeInternal, internalErrorMessage)
		return
	}
	if inst == nil || inst.Status.IsTerminal() {
		log.Info().Msg("Callback for a missing or finished instance")
		s.metrics.RecordCallback(callbackGone)
		w.WriteHeader(http.StatusGone)
		return
	}

	ok, err := s.keys.VerifyKey(ctx, instanceID, r.URL.Query().Get("code"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to verify callback key")
		s.metrics.RecordCallback(callbackFailed)
		writeErrorResult(w, http.StatusInternalServerError, engine.ErrCodeInternal, internalErrorMessage)
		return
	}
	if !ok {
		log.Warn().Msg("Callback rejected, invalid key")
		s.metrics.RecordCallback(callbackUnauthorized)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var result engine.CommandResult
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody)).Decode(&result); err != nil {
		log.Error().Err(err).Msg("Failed to deserialize callback payload")
		s.metrics.RecordCallback(callbackBadRequest)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	err = s.instances.RaiseEvent(ctx, instanceID, eventName, &result)
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound), errors.Is(err, workflow.ErrInstanceTerminal):
		// The instance finished between the lookup and the raise.
		s.metrics.RecordCallback(callbackGone)
		w.WriteHeader(http.StatusGone)
		return
	case err != nil:
		log.Error().Err(err).Str("status", string(result.RuntimeStatus)).Msg("Failed to raise callback event")
		s.metrics.RecordCallback(callbackFailed)
		writeErrorResult(w, http.StatusInternalServerError, engine.ErrCodeInternal, internalErrorMessage)
		return
	}

	s.metrics.RecordCallback(callbackRaised)
	_ = s.events.PublishCallbackReceived(instanceID, eventName)
	log.Debug().Str("status", string(result.RuntimeStatus)).Msg("Callback event raised")
	w.WriteHeader(http.StatusOK)
}
