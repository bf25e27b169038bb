package service

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/c360/semflow/health"
	"github.com/c360/semflow/natsclient"
)

// settingsResponse is what editors need to know about the runtime. It never
// carries secrets.
type settingsResponse struct {
	HTTPAdminRoot string   `json:"httpAdminRoot"`
	StorageMode   string   `json:"storageMode"`
	Encrypted     bool     `json:"credentialsEncrypted"`
	Bridge        bool     `json:"eventsBridge"`
	NodeTypes     []string `json:"nodeTypes"`
	Flows         any      `json:"state"`
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config.Get()
	s.writeJSON(w, http.StatusOK, settingsResponse{
		HTTPAdminRoot: normalizeRoot(cfg.HTTP.AdminRoot),
		StorageMode:   cfg.Storage.Mode,
		Encrypted:     cfg.Runtime.CredentialSecret != "",
		Bridge:        cfg.Events.Bridge,
		NodeTypes:     s.reg.Types(),
		Flows:         s.engine.State(),
	})
}

// handleHealth aggregates the monitor entries and the NATS connection.
// Unhealthy answers 503; degraded answers 200 with the detail in the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var subs []health.Status
	if s.opts.Health != nil {
		subs = s.opts.Health.Snapshot()
	}
	if nc := s.opts.NATS; nc != nil {
		live := health.NewHealthy("nats", "connected")
		if nc.Status() != natsclient.StatusConnected {
			live = health.NewUnhealthy("nats", fmt.Sprintf("connection %s", nc.Status()))
		}
		subs = slices.DeleteFunc(subs, func(st health.Status) bool { return st.Component == "nats" })
		subs = append(subs, live)
	}

	status := health.Aggregate("semflow", subs)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}
