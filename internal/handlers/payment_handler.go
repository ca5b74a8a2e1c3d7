package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Djerareou/afrisense-backend/internal/models"
	"github.com/Djerareou/afrisense-backend/internal/services"
)

type PaymentHandler struct {
	service   *services.PaymentService
	validator *services.ValidationHelper
}

func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// InitPayment creates or re-uses a pending payment and returns the hosted
// payment link when the gateway is reachable.
func (h *PaymentHandler) InitPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount         int64             `json:"amount" validate:"required,gt=0"`
		Metadata       map[string]string `json:"metadata,omitempty"`
		IdempotencyKey string            `json:"idempotency_key,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.InitPayment(r.Context(), userID, req.Amount, req.Metadata, req.IdempotencyKey)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForPaymentError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}

// Verify returns the local record for a tx_ref and, while it is still
// pending, re-verifies with the provider and reconciles.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	txRef := r.URL.Query().Get("tx_ref")
	if txRef == "" {
		services.SendErrorResponse(w, "tx_ref query param required", http.StatusBadRequest, nil)
		return
	}

	local, err := h.service.FindByIdempotencyKey(r.Context(), txRef)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	var remote *services.ReconcileOutcome
	if local != nil && local.Status == models.PaymentStatusPending {
		remote, err = h.service.VerifyAndReconcile(r.Context(), txRef)
		if err != nil && !errors.Is(err, services.ErrAdapterUnavailable) {
			services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
			return
		}
		// re-read: reconciliation may have transitioned the record
		local, err = h.service.FindByIdempotencyKey(r.Context(), txRef)
		if err != nil {
			services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data": map[string]any{
			"local":  local,
			"remote": remote,
		},
	})
}

// Webhook receives provider callbacks. The signature is validated against
// the exact raw bytes received, so the body is captured before any parsing.
// already_processed returns 200 so the provider stops redelivering.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	outcome, err := h.service.HandleWebhook(r.Context(), r.Header, raw)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForPaymentError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    outcome,
	})
}

// Simulate runs a provider-less payment end to end. Sandbox environments
// only; gate it behind deployment config.
func (h *PaymentHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount   int64             `json:"amount" validate:"required,gt=0"`
		Method   string            `json:"method,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	method := req.Method
	if method == "" {
		method = "simulated_mobile_money"
	}

	payment, err := h.service.SimulatePayment(r.Context(), userID, req.Amount, method, req.Metadata)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForPaymentError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    payment,
	})
}

func statusForPaymentError(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrMissingIdempotencyKey), errors.Is(err, services.ErrAmountNotPositive):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
