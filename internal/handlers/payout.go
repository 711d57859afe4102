package handlers

import (
	"net/http"

	"github.com/freelanci/escrow-engine/auth"
	"github.com/freelanci/escrow-engine/httpx"
	"github.com/freelanci/escrow-engine/internal/services"
)

// PayoutHandler expose le pipeline de versement, scopé au freelance
// authentifié uniquement.
type PayoutHandler struct {
	Payout *services.PayoutService
}

func NewPayoutHandler(payout *services.PayoutService) *PayoutHandler {
	return &PayoutHandler{Payout: payout}
}

// AddMethod: POST /withdrawal-methods
func (h *PayoutHandler) AddMethod(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var in services.AddMethodInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	method, err := h.Payout.AddMethod(r.Context(), uid, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, method)
}

// ListMethods: GET /withdrawal-methods
func (h *PayoutHandler) ListMethods(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	methods, err := h.Payout.ListMethods(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": methods, "total": len(methods)})
}

// RequestWithdrawal: POST /withdrawals
func (h *PayoutHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var in services.RequestWithdrawalInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	request, err := h.Payout.RequestWithdrawal(r.Context(), uid, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, request)
}

// ListWithdrawals: GET /withdrawals
func (h *PayoutHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	requests, err := h.Payout.ListWithdrawals(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": requests, "total": len(requests)})
}

// Balance: GET /withdrawals/balance
func (h *PayoutHandler) Balance(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	balance, err := h.Payout.AvailableBalance(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"available": balance})
}
