package service

import (
	"bytes"
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"net/http"

	flowengine "github.com/c360/semflow/engine"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

// Request headers of the flows API
const (
	HeaderDeploymentType = "Node-RED-Deployment-Type"
	HeaderAPIVersion     = "Node-RED-API-Version"
)

// flowsRequest is the v2 body of POST /flows. v1 clients post the bare array.
type flowsRequest struct {
	Flows []*flowconfig.NodeConfig `json:"flows"`
	Rev   string                   `json:"rev,omitempty"`
}

type revResponse struct {
	Rev string `json:"rev"`
}

// deferredResponse answers a deploy parked until its types are registered
type deferredResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Types   []string `json:"types"`
}

// deployContext detaches a deploy from the request: flows outlive it
func deployContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleGetFlows(w http.ResponseWriter, r *http.Request) {
	doc := s.engine.GetFlows()
	if doc.Flows == nil {
		doc.Flows = []*flowconfig.NodeConfig{}
	}
	if r.Header.Get(HeaderAPIVersion) == "v1" {
		s.writeJSON(w, http.StatusOK, doc.Flows)
		return
	}
	s.writeJSON(w, http.StatusOK, flowsRequest{Flows: doc.Flows, Rev: doc.Rev})
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handlePostFlows(w http.ResponseWriter, r *http.Request) {
	deployType, err := flowengine.ParseDeployType(r.Header.Get(HeaderDeploymentType))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var req flowsRequest
	if deployType != flowengine.DeployReload {
		if req, err = decodeFlows(w, r); err != nil {
			s.writeErr(w, r, err)
			return
		}
		if req.Rev != "" && req.Rev != s.engine.State().Rev {
			s.writeError(w, http.StatusConflict, "version_mismatch",
				fmt.Sprintf("flows were deployed since revision %s was loaded", req.Rev))
			return
		}
	}

	rev, err := s.engine.SetFlows(deployContext(r), req.Flows, deployType, nil)
	if err != nil {
		var mt *errors.MissingTypesError
		if stderrors.As(err, &mt) {
			s.writeJSON(w, http.StatusAccepted, deferredResponse{
				Code:    mt.Code(),
				Message: "deploy deferred until the missing node types are registered",
				Types:   mt.Types,
			})
			return
		}
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("Flows deployed via admin API", "type", deployType, "rev", rev, "nodes", len(req.Flows))
	s.writeJSON(w, http.StatusOK, revResponse{Rev: rev})
}

// decodeFlows accepts either the v2 object or a bare node array
func decodeFlows(w http.ResponseWriter, r *http.Request) (flowsRequest, error) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		return flowsRequest{}, err
	}

	var req flowsRequest
	var err error
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &req.Flows)
	} else {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		return flowsRequest{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Server", "decodeFlows", "decode flows")
	}
	if req.Flows == nil {
		req.Flows = []*flowconfig.NodeConfig{}
	}
	return req, nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFlows(w, r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Validate(r.Context(), req.Flows))
}

func (s *Server) handleAddFlow(w http.ResponseWriter, r *http.Request) {
	var frag flowengine.FlowFragment
	if err := decodeJSON(w, r, &frag); err != nil {
		s.writeErr(w, r, err)
		return
	}
	id, err := s.engine.AddFlow(deployContext(r), frag)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	frag, err := s.engine.GetFlow(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, frag)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var frag flowengine.FlowFragment
	if err := decodeJSON(w, r, &frag); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.engine.UpdateFlow(deployContext(r), id, frag); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveFlow(deployContext(r), r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
