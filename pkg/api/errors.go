package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

// ErrorResult is the body of every non-status error response.
type ErrorResult struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Errors  []engine.CommandError `json:"errors,omitempty"`
}

const internalErrorMessage = "An internal error occurred while processing the request."

// statusFor maps an error to its HTTP status and boundary representation.
func statusFor(err error) (int, ErrorResult) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError, ErrorResult{Code: engine.ErrCodeInternal, Message: internalErrorMessage}
	}

	result := ErrorResult{Code: ee.Code, Message: ee.Message}
	if ee.Err != nil && ee.Class == engine.ErrorClassValidation {
		result.Errors = []engine.CommandError{{Code: ee.Code, Message: ee.Err.Error(), Severity: engine.SeverityError}}
	}

	switch ee.Class {
	case engine.ErrorClassValidation:
		return http.StatusBadRequest, result
	case engine.ErrorClassNotFound:
		return http.StatusNotFound, result
	case engine.ErrorClassConflict:
		return http.StatusConflict, result
	case engine.ErrorClassEngineCommunication, engine.ErrorClassTransient:
		return http.StatusServiceUnavailable, result
	case engine.ErrorClassProviderFailure:
		return http.StatusBadGateway, result
	default:
		return http.StatusInternalServerError, ErrorResult{Code: engine.ErrCodeInternal, Message: internalErrorMessage}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)

	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	s.metrics.RecordError(string(engine.ClassOf(err)), body.Code)
	writeJSON(w, status, body)
}

func writeErrorResult(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResult{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
