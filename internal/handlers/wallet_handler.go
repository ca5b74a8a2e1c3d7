package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Djerareou/afrisense-backend/internal/services"
)

type WalletHandler struct {
	service   *services.WalletService
	validator *services.ValidationHelper
}

func NewWalletHandler(service *services.WalletService) *WalletHandler {
	return &WalletHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

type walletAmountRequest struct {
	Amount   int64             `json:"amount" validate:"required,gt=0"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GetBalance returns the caller's balance; 0 for a wallet that does not
// exist yet.
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"balance": balance,
	})
}

// Credit tops up the caller's wallet.
func (h *WalletHandler) Credit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	req, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.AddCredit(r.Context(), userID, req.Amount, req.Metadata)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForWalletError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"wallet":  wallet,
	})
}

// Debit charges the caller's wallet.
func (h *WalletHandler) Debit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	req, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.Debit(r.Context(), userID, req.Amount, req.Metadata)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), statusForWalletError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"wallet":  wallet,
	})
}

// Freeze toggles the frozen flag on the caller's wallet.
func (h *WalletHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Freeze bool `json:"freeze"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	wallet, err := h.service.SetFreeze(r.Context(), userID, req.Freeze)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"wallet":  wallet,
	})
}

func (h *WalletHandler) decodeAmount(w http.ResponseWriter, r *http.Request) (*walletAmountRequest, bool) {
	var req walletAmountRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return nil, false
	}
	return &req, true
}

// decodeJSON reads a single JSON object with the shared body limits.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func statusForWalletError(err error) int {
	switch {
	case errors.Is(err, services.ErrInsufficientBalance), errors.Is(err, services.ErrAmountNotPositive):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrWalletFrozen):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
