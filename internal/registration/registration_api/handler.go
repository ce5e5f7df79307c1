package registration_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-registration/internal/auth"
	"ms-registration/internal/broadcast"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/registration"
	"ms-registration/internal/utils"

	"github.com/go-chi/chi/v5"
)

// Service is the registration core as seen by the HTTP layer.
type Service interface {
	Register(ctx context.Context, userID, eventID string, preferences map[string]any) (*models.Registration, error)
	Get(ctx context.Context, registrationID, actorID string) (*models.Registration, error)
	ListForEvent(ctx context.Context, eventID string, status models.RegistrationStatus, actorID string) ([]models.Registration, error)
	Decide(ctx context.Context, registrationID string, approved bool, reason, deciderID string) (*models.Registration, error)
	Cancel(ctx context.Context, registrationID, reason, actorID string) (*models.Registration, error)
	MarkAttendance(ctx context.Context, registrationID string, present bool, actorID string) (*models.Registration, error)
	PassFor(ctx context.Context, registrationID, userID string) (*models.Registration, error)
	Scan(ctx context.Context, claims models.PassClaims, scannerID string) (*models.Registration, error)
	Occupancy(ctx context.Context, eventID string) (models.Occupancy, error)
}

// Streamer hands out live domain-event subscriptions.
type Streamer interface {
	Subscribe(ctx context.Context, eventID string) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// PassIssuer renders and opens attendance passes.
type PassIssuer interface {
	Render(claims models.PassClaims) ([]byte, error)
	Open(token string) (models.PassClaims, error)
}

type Handler struct {
	Service   Service
	Streamer  Streamer
	Passes    PassIssuer
	Logger    *logger.Logger
	KeepAlive time.Duration
	Now       func() time.Time
}

func NewHandler(svc Service, streamer Streamer, passes PassIssuer, log *logger.Logger) *Handler {
	return &Handler{
		Service:   svc,
		Streamer:  streamer,
		Passes:    passes,
		Logger:    log,
		KeepAlive: 15 * time.Second,
		Now:       time.Now,
	}
}

// RegisterPublicRoutes mounts the unauthenticated read endpoints.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/events/{eventId}/occupancy", h.GetOccupancy)
	r.Get("/api/events/{eventId}/stream", h.StreamEvent)
}

// RegisterRoutes mounts the endpoints that need an authenticated caller.
// Callers are expected to apply auth.Middleware to r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/events/{eventId}/registrations", func(r chi.Router) {
		r.Post("/", h.Register)
		r.Get("/", h.ListForEvent)
	})
	r.Route("/api/registrations/{registrationId}", func(r chi.Router) {
		r.Get("/", h.GetRegistration)
		r.Post("/decision", h.Decide)
		r.Post("/cancel", h.Cancel)
		r.Post("/attendance", h.MarkAttendance)
		r.Get("/pass", h.GetPass)
	})
	r.Post("/api/attendance/scan", h.Scan)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	userID := auth.UserID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("Register: eventId=%s userId=%s", eventID, userID))

	var req models.RegistrationRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	reg, err := h.Service.Register(r.Context(), userID, eventID, req.Preferences)
	if err != nil {
		h.writeError(w, "Register", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, utils.SuccessResponse("registration created", reg))
}

func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")

	reg, err := h.Service.Get(r.Context(), registrationID, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "GetRegistration", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("registration found", reg))
}

func (h *Handler) ListForEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	status := models.RegistrationStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("unknown status filter", string(status)))
		return
	}

	regs, err := h.Service.ListForEvent(r.Context(), eventID, status, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "ListForEvent", err)
		return
	}
	if regs == nil {
		regs = []models.Registration{}
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse(fmt.Sprintf("%d registrations", len(regs)), regs))
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	actorID := auth.UserID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("Decide: registrationId=%s by=%s", registrationID, actorID))

	var req models.DecisionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	reg, err := h.Service.Decide(r.Context(), registrationID, req.Approved, req.Reason, actorID)
	if err != nil {
		h.writeError(w, "Decide", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("decision recorded", reg))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	actorID := auth.UserID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("Cancel: registrationId=%s by=%s", registrationID, actorID))

	var req models.CancelRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	reg, err := h.Service.Cancel(r.Context(), registrationID, req.Reason, actorID)
	if err != nil {
		h.writeError(w, "Cancel", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("registration cancelled", reg))
}

func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	actorID := auth.UserID(r.Context())

	var req models.AttendanceRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	reg, err := h.Service.MarkAttendance(r.Context(), registrationID, req.Present, actorID)
	if err != nil {
		h.writeError(w, "MarkAttendance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("attendance recorded", reg))
}

func (h *Handler) GetOccupancy(w http.ResponseWriter, r *http.Request) {
	occ, err := h.Service.Occupancy(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeError(w, "GetOccupancy", err)
		return
	}
	h.writeJSON(w, http.StatusOK, utils.SuccessResponse("occupancy", occ))
}

// decode reads a JSON body into v. An empty body is accepted when optional.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	h.Logger.Warn("API", fmt.Sprintf("%s %s: invalid body: %v", r.Method, r.URL.Path, err))
	h.writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
	return false
}

// writeError maps a registration error to its status and user-facing
// message. Internal detail only reaches the log.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var regErr *registration.Error
	if !errors.As(err, &regErr) {
		h.Logger.Error("API", fmt.Sprintf("%s: unexpected error: %v", op, err))
		h.writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("something went wrong, please try again", "INTERNAL"))
		return
	}

	status := regErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Info("API", fmt.Sprintf("%s: %v", op, err))
	}
	h.writeJSON(w, status, utils.ErrorResponse(regErr.UserMessage(), string(regErr.Code)))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	if err := utils.WriteJSON(w, status, body); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}
