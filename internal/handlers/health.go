package handlers

import (
	"context"
	"net/http"
	"time"

	units "github.com/docker/go-units"
	"github.com/gluk-w/natmap-sync/internal/logging"
	"github.com/gluk-w/natmap-sync/internal/sshproxy"
	"github.com/gluk-w/natmap-sync/internal/syncer"
)

// HealthCheck reports database reachability and the router session state.
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := a.Store.Ping(ctx); err != nil {
		logging.Warnf("[api] health: %v", err)
		dbStatus = "disconnected"
	}

	session := "disabled"
	if a.Session != nil {
		session = a.Session.State().String()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
		"session":  session,
	})
}

type sessionStatus struct {
	Addr           string                     `json:"addr"`
	State          sshproxy.ConnectionState   `json:"state"`
	ConnectedFor   string                     `json:"connected_for,omitempty"`
	LastCommandAgo string                     `json:"last_command_ago,omitempty"`
	Metrics        sshproxy.SessionMetrics    `json:"metrics"`
	Transitions    []sshproxy.StateTransition `json:"transitions"`
}

type syncStatus struct {
	syncer.Status
	LastRunAgo string `json:"last_run_ago,omitempty"`
}

type statusResponse struct {
	Uptime      string         `json:"uptime"`
	Mappings    int64          `json:"mappings"`
	Subscribers int            `json:"subscribers"`
	Session     *sessionStatus `json:"session,omitempty"`
	Sync        *syncStatus    `json:"sync,omitempty"`
}

func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}

// GetStatus reports the session, sync loop and subscriber state.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	count, err := a.Store.Count(r.Context())
	if err != nil {
		logging.Errorf("[api] status: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to count mappings")
		return
	}

	resp := statusResponse{
		Uptime:      units.HumanDuration(time.Since(a.StartedAt)),
		Mappings:    count,
		Subscribers: a.Hub.Len(),
	}

	if a.Session != nil {
		m := a.Session.Metrics()
		st := &sessionStatus{
			Addr:           a.Session.Addr(),
			State:          a.Session.State(),
			LastCommandAgo: ago(m.LastCommand),
			Metrics:        m,
			Transitions:    a.Session.Transitions(),
		}
		if st.State == sshproxy.StateConnected && !m.ConnectedAt.IsZero() {
			st.ConnectedFor = units.HumanDuration(time.Since(m.ConnectedAt))
		}
		if st.Transitions == nil {
			st.Transitions = []sshproxy.StateTransition{}
		}
		resp.Session = st
	}

	if a.Loop != nil {
		s := a.Loop.Status()
		resp.Sync = &syncStatus{Status: s, LastRunAgo: ago(s.LastRun)}
	}

	writeJSON(w, http.StatusOK, resp)
}
