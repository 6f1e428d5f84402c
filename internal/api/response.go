package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// startedAt feeds the uptime reported by /health
var startedAt = time.Now()

// SuccessResponse is the envelope for every 2xx JSON body
type SuccessResponse struct {
	Status    string      `json:"status"`
	Data      any         `json:"data,omitempty"`
	Meta      *Pagination `json:"meta,omitempty"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// Pagination describes the window a list endpoint returned
type Pagination struct {
	Limit  int  `json:"limit"`
	Offset int  `json:"offset"`
	Count  int  `json:"count"`
	More   bool `json:"has_more"`
}

// WriteJSON encodes data before touching the response so an encoding failure
// becomes a clean 500 rather than a truncated body
func WriteJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		log.Error().
			Err(err).
			Str("request_id", GetRequestID(r)).
			Msg("Failed to encode JSON response")
		http.Error(w, `{"status":500,"message":"Failed to encode response","code":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, label string, data any, meta *Pagination, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    label,
		Data:      data,
		Meta:      meta,
		Message:   message,
		RequestID: GetRequestID(r),
	}, status)
}

// WriteSuccess writes a 200 envelope
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any, message string) {
	writeEnvelope(w, r, http.StatusOK, "success", data, nil, message)
}

// WritePage writes a 200 envelope for one page of a list. count is the number
// of items in data; a full page means there may be more.
func WritePage(w http.ResponseWriter, r *http.Request, data any, limit, offset, count int) {
	writeEnvelope(w, r, http.StatusOK, "success", data, &Pagination{
		Limit:  limit,
		Offset: offset,
		Count:  count,
		More:   limit > 0 && count >= limit,
	}, "")
}

// WriteAccepted writes a 202 envelope for work that completes asynchronously
func WriteAccepted(w http.ResponseWriter, r *http.Request, data any, message string) {
	writeEnvelope(w, r, http.StatusAccepted, "accepted", data, nil, message)
}

// WriteNoContent writes a 204 No Content response
func WriteNoContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Service       string `json:"service"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// WriteHealthy writes the liveness response
func WriteHealthy(w http.ResponseWriter, r *http.Request, service string, version string) {
	WriteJSON(w, r, HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Service:       service,
		Version:       version,
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
	}, http.StatusOK)
}

// DatabaseHealthResponse is the body of a passing /health/db
type DatabaseHealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	LatencyMS     int64  `json:"latency_ms"`
	QueueDepth    int    `json:"queue_depth"`
	OnlineWorkers int    `json:"online_workers"`
}

// UnhealthyResponse is the body of a failing health check
type UnhealthyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteUnhealthy writes a 503 health response
func WriteUnhealthy(w http.ResponseWriter, r *http.Request, service string, err error) {
	WriteJSON(w, r, UnhealthyResponse{
		Status:    "unhealthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Error:     err.Error(),
		RequestID: GetRequestID(r),
	}, http.StatusServiceUnavailable)
}
