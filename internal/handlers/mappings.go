// Package handlers implements the HTTP and websocket API over the mapping
// store and subscriber hub.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gluk-w/natmap-sync/internal/database"
	"github.com/gluk-w/natmap-sync/internal/hub"
	"github.com/gluk-w/natmap-sync/internal/logging"
	"github.com/gluk-w/natmap-sync/internal/mapping"
	"github.com/gluk-w/natmap-sync/internal/metrics"
	"github.com/gluk-w/natmap-sync/internal/sshproxy"
	"github.com/gluk-w/natmap-sync/internal/syncer"
	"github.com/go-chi/chi/v5"
)

const maxUpdateBody = 1 << 20

// Outcomes recorded on metrics.APIUpdates.
const (
	outcomeAccepted    = "accepted"
	outcomeInvalid     = "invalid"
	outcomeMergeFailed = "merge_failed"
)

// API serves the mapping endpoints. Session and Loop are nil when router
// monitoring is disabled.
type API struct {
	Store   *database.Store
	Hub     *hub.Hub
	Session *sshproxy.Session
	Loop    *syncer.Loop

	// BaseContext bounds the background work started by PUT /mappings. It
	// should be cancelled when the server shuts down.
	BaseContext context.Context
	StartedAt   time.Time

	wg sync.WaitGroup
}

// Routes registers every API endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.HealthCheck)
	r.Get("/status", a.GetStatus)
	r.Get("/all_mappings", a.GetAllMappings)
	r.Get("/mapping/{key}", a.GetMapping)
	r.Put("/mappings", a.UpdateMappings)
	r.Get("/ws", a.MappingsWS)
	r.Get("/server-logs", GetServerLogs)
	r.Delete("/server-logs", ClearServerLogs)
}

// Wait blocks until background work started by UpdateMappings has finished.
func (a *API) Wait() {
	a.wg.Wait()
}

func (a *API) baseContext() context.Context {
	if a.BaseContext != nil {
		return a.BaseContext
	}
	return context.Background()
}

// GetAllMappings returns the full stored set.
func (a *API) GetAllMappings(w http.ResponseWriter, r *http.Request) {
	set, err := a.Store.GetAll(r.Context())
	if err != nil {
		logging.Errorf("[api] get all mappings: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read mappings")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// GetMapping returns one value, or 404 with an empty body.
func (a *API) GetMapping(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok, err := a.Store.Get(r.Context(), key)
	if err != nil {
		logging.Errorf("[api] get mapping %s: %v", logging.Sanitize(key), err)
		writeError(w, http.StatusInternalServerError, "Failed to read mapping")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateMappings merges the submitted set into the store and broadcasts it
// to subscribers. Both happen in the background; the response is 204 as
// soon as the body validates.
func (a *API) UpdateMappings(w http.ResponseWriter, r *http.Request) {
	var set mapping.Set
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err := dec.Decode(&set); err != nil {
		metrics.APIUpdates.WithLabelValues(outcomeInvalid).Inc()
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		metrics.APIUpdates.WithLabelValues(outcomeInvalid).Inc()
		writeError(w, http.StatusBadRequest, "Unexpected data after JSON body")
		return
	}
	if set == nil {
		metrics.APIUpdates.WithLabelValues(outcomeInvalid).Inc()
		writeError(w, http.StatusBadRequest, "Body must be a JSON object")
		return
	}
	if err := set.Validate(); err != nil {
		metrics.APIUpdates.WithLabelValues(outcomeInvalid).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.APIUpdates.WithLabelValues(outcomeAccepted).Inc()
	if len(set) > 0 {
		ctx := a.baseContext()
		a.wg.Add(2)
		go func() {
			defer a.wg.Done()
			if err := a.Store.Merge(ctx, set); err != nil {
				metrics.APIUpdates.WithLabelValues(outcomeMergeFailed).Inc()
				logging.Errorf("[api] merge %d mapping(s): %v", len(set), err)
			}
		}()
		go func() {
			defer a.wg.Done()
			a.Hub.Broadcast(set)
		}()
	}
	w.WriteHeader(http.StatusNoContent)
}
