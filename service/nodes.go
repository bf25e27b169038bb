package service

import (
	"fmt"
	"net/http"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/registry"
)

type moduleStateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	sets := s.reg.GetNodeList(nil)
	if sets == nil {
		sets = []registry.NodeSet{}
	}
	s.writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("module")
	m, ok := s.reg.GetModule(name)
	if !ok {
		s.writeErr(w, r, fmt.Errorf("%w: %s", errors.ErrUnknownModule, name))
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleSetModule enables or disables a module. Disabling fails with 409
// while deployed nodes use one of its types.
func (s *Server) handleSetModule(w http.ResponseWriter, r *http.Request) {
	var req moduleStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}

	var (
		m   *registry.Module
		err error
	)
	name := r.PathValue("module")
	if *req.Enabled {
		m, err = s.reg.EnableModule(r.Context(), name)
	} else {
		m, err = s.reg.DisableModule(r.Context(), name)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	topic := "node/disabled"
	if m.Enabled {
		topic = "node/enabled"
	}
	s.notify(topic, s.reg.GetNodeList(func(set registry.NodeSet) bool { return set.Module == name }))
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRemoveModule(w http.ResponseWriter, r *http.Request) {
	sets, err := s.reg.RemoveModule(r.Context(), r.PathValue("module"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.notify("node/removed", sets)
	w.WriteHeader(http.StatusNoContent)
}
