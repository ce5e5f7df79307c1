package registration_api

import (
	"fmt"
	"net/http"

	"ms-registration/internal/auth"
	"ms-registration/internal/models"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
)

// GetPass returns the attendance pass of an approved registration as a PNG
// QR code. Only the registrant may fetch it.
func (h *Handler) GetPass(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	userID := auth.UserID(r.Context())

	reg, err := h.Service.PassFor(r.Context(), registrationID, userID)
	if err != nil {
		h.writeError(w, "GetPass", err)
		return
	}

	png, err := h.Passes.Render(models.PassClaims{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		UserID:         reg.UserID,
		IssuedAt:       h.Now().Unix(),
	})
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetPass: render %s: %v", reg.ID, err))
		h.writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("could not render pass", "INTERNAL"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetPass: write: %v", err))
	}
}

// Scan marks the holder of a scanned pass as present.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	scannerID := auth.UserID(r.Context())

	var req models.ScanRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	claims, err := h.Passes.Open(req.Pass)
	if err != nil {
		h.Logger.LogSecurity("INVALID_PASS", fmt.Sprintf("scan by %s: %v", scannerID, err))
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("this pass is not valid", "INVALID_PASS"))
		return
	}

	reg, err := h.Service.Scan(r.Context(), claims, scannerID)
	if err != nil {
		h.writeError(w, "Scan", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("attendance recorded", reg))
}
