// Package handlers holds the plain-HTTP handlers of the sync server.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// RegistrySize reports how many document replicas are live.
type RegistrySize interface {
	Len() int
}

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	logger      *slog.Logger
	host        string
	port        int
	persistence string
	registry    RegistrySize
}

// NewHealthHandler creates the handler for the health endpoint.
func NewHealthHandler(logger *slog.Logger, host string, port int, persistence string, registry RegistrySize) *HealthHandler {
	return &HealthHandler{
		logger:      logger,
		host:        host,
		port:        port,
		persistence: persistence,
		registry:    registry,
	}
}

// HealthResponse is the liveness probe payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Persistence string `json:"persistence"`
	ActiveDocs  int    `json:"activeDocs"`
}

// Health handles GET /health. It is a liveness signal only: it reports the
// process and never probes the update log.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Service:     "syncd",
		Host:        h.host,
		Port:        h.port,
		Persistence: h.persistence,
		ActiveDocs:  h.registry.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}
