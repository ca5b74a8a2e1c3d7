package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Djerareou/afrisense-backend/internal/services"
)

type SubscriptionHandler struct {
	service   *services.SubscriptionService
	validator *services.ValidationHelper
}

func NewSubscriptionHandler(service *services.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// ListPlans returns the plan catalog.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    plans,
	})
}

// Subscribe attaches the caller to a plan.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PlanKey string `json:"plan_key" validate:"required"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	sub, err := h.service.SubscribeUser(r.Context(), userID, req.PlanKey)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForSubscriptionError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    sub,
	})
}

// Prepay buys billing-exempt days up front.
func (h *SubscriptionHandler) Prepay(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Days    int    `json:"days" validate:"required,gt=0"`
		PlanKey string `json:"plan_key,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	sub, err := h.service.PrepaySubscription(r.Context(), userID, req.Days, req.PlanKey)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForSubscriptionError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    sub,
	})
}

// Reactivate re-enables a suspended subscription.
func (h *SubscriptionHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sub, err := h.service.ReactivateSubscription(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForSubscriptionError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    sub,
	})
}

// RunBilling triggers the daily charge batch manually. Same code path as
// the scheduler tick, same overlap guard.
func (h *SubscriptionHandler) RunBilling(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.RunDailyCharge(r.Context())
	if errors.Is(err, services.ErrChargeRunInProgress) {
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		return
	}
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    results,
	})
}

func statusForSubscriptionError(err error) int {
	switch {
	case errors.Is(err, services.ErrInsufficientBalance), errors.Is(err, services.ErrSubscriptionActive):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrWalletFrozen):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
