package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cassiomorais/apgateway/internal/service"
)

// ParticipantController handles participant registration and directory
// lookups.
type ParticipantController struct {
	service *service.ParticipantService
}

// NewParticipantController creates a new ParticipantController.
func NewParticipantController(svc *service.ParticipantService) *ParticipantController {
	return &ParticipantController{service: svc}
}

// Register handles POST /api/v1/participants
func (h *ParticipantController) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterParticipantRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.Register(r.Context(), r.URL.Query().Get("connector"), req.toDomain())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Lookup handles GET /api/v1/directory/{participantID}
func (h *ParticipantController) Lookup(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Lookup(r.Context(), r.URL.Query().Get("connector"), chi.URLParam(r, "participantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
