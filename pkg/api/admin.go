package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

// KeyDocument is a callback key on the admin surface.
type KeyDocument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// KeyList is the body of the key listing.
type KeyList struct {
	Keys []KeyDocument `json:"keys"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	list := KeyList{Keys: make([]KeyDocument, 0, len(keys))}
	for _, k := range keys {
		list.Keys = append(list.Keys, KeyDocument{Name: k.Name, Value: k.Value})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, err := s.keys.GetKey(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if value == "" {
		writeErrorResult(w, http.StatusNotFound, engine.ErrCodeNotFound, fmt.Sprintf("key %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, KeyDocument{Name: name, Value: value})
}

// handleCreateKey issues a new key, replacing any existing one.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, err := s.keys.CreateKey(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug().Str("key", name).Msg("Callback key issued")
	writeJSON(w, http.StatusOK, KeyDocument{Name: name, Value: value})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.keys.DeleteKey(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug().Str("key", name).Msg("Callback key revoked")
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, limit int64, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
