package demo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mcncl/http-audit/internal/errors"
	"github.com/mcncl/http-audit/internal/logging"
	"github.com/mcncl/http-audit/internal/router"
)

// maxUpstreamBody bounds how much of an upstream reply Relay reads
const maxUpstreamBody = 64 << 10

// Config holds the configuration for the demo handler
type Config struct {
	// Client makes upstream calls. It should propagate trace headers.
	Client *http.Client
	// UpstreamURL is the target of /relay; empty disables it
	UpstreamURL string
}

// Handler serves the demo endpoints
type Handler struct {
	client      *http.Client
	upstreamURL string
}

// NewHandler creates a new demo handler
func NewHandler(cfg Config) *Handler {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{client: client, upstreamURL: cfg.UpstreamURL}
}

// Response is the body of every successful demo reply
type Response struct {
	Path    string      `json:"path"`
	Method  string      `json:"method"`
	Status  string      `json:"status"`
	Payload interface{} `json:"payload,omitempty"`
}

// Routes registers the demo and health endpoints on rt under their operation names
func Routes(rt *router.Router, h *Handler, hc *HealthCheck) {
	rt.HandleFunc(http.MethodGet, "/get", "DemoHandler.Get", h.Get)
	rt.HandleFunc(http.MethodPost, "/post", "DemoHandler.Post", h.Post)
	rt.HandleFunc(http.MethodGet, "/relay", "DemoHandler.Relay", h.Relay)
	rt.HandleFunc(http.MethodGet, "/health", "HealthCheck.Health", hc.HealthHandler)
	rt.HandleFunc(http.MethodGet, "/ready", "HealthCheck.Ready", hc.ReadyHandler)

	rt.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, errors.WithDetails(
			errors.NewValidationError("no such endpoint"),
			map[string]interface{}{"path": r.URL.Path},
		))
	})
	rt.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, errors.WithDetails(
			errors.NewValidationError("method not allowed"),
			map[string]interface{}{"method": r.Method, "path": r.URL.Path},
		))
	})
}

// Get echoes the request line
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, Response{
		Path:   r.URL.Path,
		Method: r.Method,
		Status: "OK",
	})
}

// Post echoes the request line and the JSON object it was sent
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		sendError(w, http.StatusBadRequest, errors.NewValidationError("request body must be a JSON object"))
		return
	}

	sendJSONResponse(w, http.StatusOK, Response{
		Path:    r.URL.Path,
		Method:  r.Method,
		Status:  "OK",
		Payload: payload,
	})
}

// Relay calls the configured upstream and reports what it answered
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	if h.upstreamURL == "" {
		sendError(w, http.StatusServiceUnavailable, errors.NewConnectionError("no upstream configured"))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, h.upstreamURL, nil)
	if err != nil {
		sendError(w, http.StatusInternalServerError, errors.Wrap(err, "failed to build upstream request"))
		return
	}

	logger.Info("Calling upstream", "url", h.upstreamURL)

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Warn("Upstream call failed", "url", h.upstreamURL, "error", err)
		sendError(w, http.StatusBadGateway, errors.NewConnectionError(fmt.Sprintf("upstream call failed: %v", err)))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		sendError(w, http.StatusBadGateway, errors.NewConnectionError(fmt.Sprintf("failed to read upstream reply: %v", err)))
		return
	}

	sendJSONResponse(w, http.StatusOK, Response{
		Path:   r.URL.Path,
		Method: r.Method,
		Status: "OK",
		Payload: map[string]interface{}{
			"upstream_status": resp.StatusCode,
			"upstream_body":   string(body),
		},
	})
}

func sendError(w http.ResponseWriter, status int, err error) {
	sendJSONResponse(w, status, errors.ToErrorResponse(err))
}

func sendJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
