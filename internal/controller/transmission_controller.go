package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cassiomorais/apgateway/internal/domain/transmission"
	"github.com/cassiomorais/apgateway/internal/service"
)

// TransmissionController handles document sends and status queries.
type TransmissionController struct {
	service          *service.TransmissionService
	maxDocumentBytes int64
}

// NewTransmissionController creates a new TransmissionController.
func NewTransmissionController(svc *service.TransmissionService, maxDocumentBytes int64) *TransmissionController {
	return &TransmissionController{service: svc, maxDocumentBytes: maxDocumentBytes}
}

// Send handles POST /api/v1/transmissions
func (h *TransmissionController) Send(w http.ResponseWriter, r *http.Request) {
	var req SendTransmissionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	domainReq, err := req.toDomain(h.maxDocumentBytes)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.Send(r.Context(), r.URL.Query().Get("connector"), domainReq)
	if err != nil {
		writeError(w, err)
		return
	}

	// a rejection is a final answer, anything else is still in flight
	status := http.StatusAccepted
	if res.Status == transmission.StatusRejected {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Status handles GET /api/v1/transmissions/{messageID}
func (h *TransmissionController) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Status(r.Context(), r.URL.Query().Get("connector"), chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
