package quota

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stockpulse/quota/internal/api"
	"github.com/stockpulse/quota/internal/auth"
)

// Handler provides HTTP handlers for quota endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new quota Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the user-facing endpoints. Callers must install auth.Middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
	r.Get("/usage", h.GetUsage)
	r.Route("/quota/{resource}", func(r chi.Router) {
		r.Get("/", h.Check)
		r.Post("/consume", h.Consume)
		r.Get("/remaining", h.GetRemaining)
	})
}

// AdminRoutes mounts the operator endpoints. Callers must install
// auth.Middleware and auth.RequireAdmin.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/users", h.ListUsers)
	r.Patch("/users/{userID}", h.UpdateUser)
	r.Post("/users/{userID}/reset", h.ResetUser)
	r.Post("/reset", h.BulkReset)
}

func callerID(r *http.Request) (string, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil || claims.UserID == "" {
		return "", false
	}
	return claims.UserID, true
}

// Check returns the caller's standing for a resource.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	info, err := h.svc.Check(r.Context(), userID, chi.URLParam(r, "resource"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, info)
}

// Consume records one unit of a resource for the caller. The body is an
// optional UsageEvent.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var ev UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil && !errors.Is(err, io.EOF) {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	res, err := h.svc.Consume(r.Context(), userID, chi.URLParam(r, "resource"), ev)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !res.Granted() {
		handleServiceError(w, r, res.Err())
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// GetRemaining returns the units left; -1 means unlimited.
func (h *Handler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	resource := chi.URLParam(r, "resource")
	remaining, err := h.svc.GetRemaining(r.Context(), userID, resource)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"resource": resource, "remaining": remaining})
}

// GetUsage returns the caller's usage statistics for ?period=YYYY-MM.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	stats, err := h.svc.GetUsageStats(r.Context(), userID, r.URL.Query().Get("period"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}

// ListPlans returns the plan catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.svc.Catalog().Plans())
}

// ListUsers returns every readable quota document with a total count.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListAllUsers(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []*UserQuota{}
	}
	api.JSONList(w, http.StatusOK, users, len(users))
}

// UpdateUser applies an AdminUpdate body to the user named in the path.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var u AdminUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.svc.UpdateUser(r.Context(), chi.URLParam(r, "userID"), u); err != nil {
		handleServiceError(w, r, err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "quota updated")
}

// ResetUser zeroes one user's usage and starts a fresh period.
func (h *Handler) ResetUser(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	api.JSONMessage(w, http.StatusOK, "quota reset")
}

// BulkReset zeroes every user's usage and reports reset and failed counts.
func (h *Handler) BulkReset(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.BulkReset(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// handleServiceError maps quota errors onto HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		exceeded  *ExceededError
		suspended *SuspendedError
	)
	switch {
	case errors.As(err, &exceeded):
		api.HandleError(w, api.NewForbiddenError("quota exceeded", exceeded.Info))
	case errors.As(err, &suspended):
		api.HandleError(w, api.NewForbiddenError("account suspended",
			map[string]string{"reason": ReasonSuspended, "suspension_reason": suspended.Reason}))
	case errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrInvalidResource),
		errors.Is(err, ErrInvalidPlan),
		errors.Is(err, ErrInvalidPeriod),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrInvalidUpdate):
		api.HandleError(w, api.NewValidationError(err.Error()))
	case errors.Is(err, ErrNotFound):
		api.HandleError(w, api.NewNotFoundError("quota not found"))
	case errors.Is(err, ErrTransient):
		slog.Warn("quota store unavailable", "path", r.URL.Path, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
	default:
		slog.Error("quota request failed", "path", r.URL.Path, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
