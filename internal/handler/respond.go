// Package handler implements the HTTP API.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Response metadata shared by the read endpoints
const (
	protocolName = "Aave V3"
	chainName    = "ethereum"
	chainID      = 1
)

var log = logrus.WithField("component", "http")

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// errorBody is the body of every failed request.
type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeError(w http.ResponseWriter, status int, errMsg, message string) {
	if status >= http.StatusInternalServerError {
		log.WithField("status", status).Warn(errMsg + ": " + message)
	}
	writeJSON(w, status, errorBody{
		Success:   false,
		Error:     errMsg,
		Message:   message,
		Timestamp: nowISO(),
	})
}

func noStore(w http.ResponseWriter, source string, started time.Time) {
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	if source != "" {
		w.Header().Set("X-Data-Source", source)
	}
	w.Header().Set("X-Latency-Ms", itoa(time.Since(started).Milliseconds()))
}
