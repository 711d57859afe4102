package handlers

import (
	"errors"
	"net/http"

	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/httpx"
	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/services"
)

// writeServiceError mappe la taxonomie d'erreurs du moteur sur HTTP:
// ValidationError 422, Forbidden 403, Conflict 409, NoPaymentPlan 422
// (message actionnable), GatewayUnavailable 503, GatewayRejected 422.
func writeServiceError(w http.ResponseWriter, err error) {
	if ve, ok := services.AsValidationError(err); ok {
		httpx.JSONError(w, http.StatusUnprocessableEntity, "validation_failed", ve.Violations)
		return
	}
	switch {
	case errors.Is(err, services.ErrForbidden):
		httpx.JSONError(w, http.StatusForbidden, "forbidden", nil)
	case errors.Is(err, services.ErrConflict):
		httpx.JSONError(w, http.StatusConflict, "conflict", nil)
	case errors.Is(err, services.ErrNoPaymentPlan):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "no_payment_plan",
			"définissez d'abord un plan de paiement pour cette mission")
	case errors.Is(err, gorm.ErrRecordNotFound):
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, gateway.ErrUnavailable):
		httpx.JSONError(w, http.StatusServiceUnavailable, "gateway_unavailable", nil)
	case errors.Is(err, gateway.ErrRejected):
		httpx.JSONError(w, http.StatusUnprocessableEntity, "gateway_rejected", nil)
	default:
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
