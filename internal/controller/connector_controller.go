package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cassiomorais/apgateway/internal/service"
)

// ConnectorController exposes the registry and connector monitoring.
type ConnectorController struct {
	monitor *service.MonitorService
}

func NewConnectorController(monitor *service.MonitorService) *ConnectorController {
	return &ConnectorController{monitor: monitor}
}

// List handles GET /api/v1/connectors
func (h *ConnectorController) List(w http.ResponseWriter, _ *http.Request) {
	connectors := h.monitor.Connectors()
	resp := ConnectorListResponse{Connectors: connectors}
	for _, c := range connectors {
		if c.Default {
			resp.Default = c.ID
		}
	}
	if connectors == nil {
		resp.Connectors = []service.ConnectorInfo{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /api/v1/connectors/health
func (h *ConnectorController) Health(w http.ResponseWriter, r *http.Request) {
	statuses := h.monitor.Health(r.Context())
	resp := ConnectorHealthResponse{Healthy: true, Connectors: statuses}
	for _, st := range statuses {
		if !st.Healthy {
			resp.Healthy = false
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Certificate handles GET /api/v1/connectors/{id}/certificate
func (h *ConnectorController) Certificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.monitor.Certificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}
