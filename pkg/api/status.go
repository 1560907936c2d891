package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

// maxCommandBody bounds a submitted command.
const maxCommandBody = 1 << 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.commands.Query(r.Context(), r.PathValue("trackingId"), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, result)
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("projectId")
	projectID := identifier

	if s.projects != nil {
		resolved, err := s.projects.ResolveProjectID(r.Context(), identifier)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if resolved == "" {
			writeErrorResult(w, http.StatusNotFound, engine.ErrCodeNotFound,
				fmt.Sprintf("A project with the id, slug or name '%s' was not found.", identifier))
			return
		}
		projectID = resolved
	}

	result, err := s.commands.Query(r.Context(), r.PathValue("trackingId"), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, result)
}

func (s *Server) writeStatus(w http.ResponseWriter, result *engine.CommandResult) {
	resp := engine.StatusResponseFor(result)
	if resp.Unmapped {
		s.logger.Warn().
			Str("tracking_id", result.CommandID).
			Str("state", string(result.RuntimeStatus)).
			Msg("Command status has no boundary mapping")
	}
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
	}
	writeJSON(w, resp.HTTPStatus, resp.Body)
}

// handleSubmit starts a command. A missing command id is assigned.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var cmd engine.Command
	if err := decodeJSON(r, maxCommandBody, &cmd); err != nil {
		s.writeError(w, r, engine.NewValidationError("request body is not a valid command", err))
		return
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}

	result, err := s.commands.Submit(r.Context(), &cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, result)
}

// handleCancel requests cancellation and answers with the current status.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	trackingID := r.PathValue("trackingId")

	if err := s.commands.Cancel(r.Context(), trackingID, "canceled by request"); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.commands.Query(r.Context(), trackingID, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, result)
}
