package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/yourorg/aave-yield-cache/internal/circuitbreaker"
	"github.com/yourorg/aave-yield-cache/internal/worker"
)

// Worker actions accepted by POST /api/worker
const (
	actionStart      = "start"
	actionStop       = "stop"
	actionRefresh    = "refresh"
	actionStatus     = "status"
	actionClearCache = "clear-cache"
)

type workerRequest struct {
	Action string `json:"action"`
}

// WorkerStatus returns the worker's health snapshot.
func WorkerStatus(wk WorkerControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"timestamp": nowISO(),
			"status":    wk.Status(),
		})
	}
}

// WorkerAction runs a control action. Authorization is applied by the
// router. An empty body means start.
func WorkerAction(wk WorkerControl, cache CacheAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
		action := strings.ToLower(strings.TrimSpace(req.Action))
		if action == "" {
			action = actionStart
		}

		// The worker and its updates outlive the request
		ctx := context.WithoutCancel(r.Context())

		var err error
		message := ""
		switch action {
		case actionStart:
			err = wk.Start(ctx)
			message = "Worker started"
		case actionStop:
			wk.Stop()
			message = "Worker stopped"
		case actionRefresh:
			err = wk.ManualRefresh(ctx)
			if errors.Is(err, circuitbreaker.ErrOpen) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"success":   false,
					"error":     "Updates paused after repeated failures",
					"timestamp": nowISO(),
					"status":    wk.Status(),
				})
				return
			}
			if errors.Is(err, worker.ErrUpdateInProgress) {
				writeJSON(w, http.StatusConflict, map[string]interface{}{
					"success":   false,
					"error":     "Update already in progress",
					"timestamp": nowISO(),
					"status":    wk.Status(),
				})
				return
			}
			message = "Refresh completed"
		case actionStatus:
		case actionClearCache:
			if cache == nil || !cache.IsConfigured() {
				writeError(w, http.StatusServiceUnavailable, "Cache not configured", "REDIS_URL is not set")
				return
			}
			cache.Clear(r.Context())
			message = "Cache cleared"
		default:
			writeError(w, http.StatusBadRequest, "Invalid action",
				"Use one of: start, stop, refresh, status, clear-cache")
			return
		}

		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"success":   false,
				"error":     err.Error(),
				"action":    action,
				"timestamp": nowISO(),
				"status":    wk.Status(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"action":    action,
			"message":   message,
			"timestamp": nowISO(),
			"status":    wk.Status(),
		})
	}
}
