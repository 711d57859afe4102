package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/freelanci/escrow-engine/httpx"
	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/models"
	"github.com/freelanci/escrow-engine/internal/services"
)

// WebhookHandler reçoit les callbacks des deux rails. Contrat envers le
// rail: 200 dès que l'événement est enregistré ou volontairement
// abandonné, 4xx uniquement sur un corps inexploitable. Jamais
// d'exception remontée au rail.
type WebhookHandler struct {
	Escrow *services.EscrowService
	Flouci gateway.PaymentGateway
	Paymee gateway.PaymentGateway
	Logger *zap.Logger
}

func NewWebhookHandler(escrow *services.EscrowService, flouci, paymee gateway.PaymentGateway, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Escrow: escrow, Flouci: flouci, Paymee: paymee, Logger: logger}
}

type flouciWebhookPayload struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// HandleFlouci: POST /webhooks/flouci
func (h *WebhookHandler) HandleFlouci(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "unreadable_body", nil)
		return
	}
	if !h.Flouci.VerifyWebhook(r.Header.Get("X-Flouci-Signature"), body) {
		// signature invalide: abandonné volontairement, 200 pour ne pas
		// déclencher de tempête de relance côté rail
		h.Logger.Warn("flouci webhook signature rejected, dropped")
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	var payload flouciWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.Logger.Warn("flouci webhook body unparseable", zap.Error(err))
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if err := h.Escrow.HandleWebhook(r.Context(), models.RailFlouci, payload.PaymentID, payload.Status); err != nil {
		// erreur interne: journalisée avec corrélation, le rail reçoit
		// tout de même un succès et l'état sera réconcilié par balayage
		h.Logger.Error("flouci webhook processing failed",
			zap.String("token", payload.PaymentID),
			zap.String("status", payload.Status),
			zap.Error(err))
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type paymeeWebhookPayload struct {
	Token  string `json:"token"`
	Status string `json:"payment_status"`
}

// HandlePaymee: POST /webhooks/paymee
func (h *WebhookHandler) HandlePaymee(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "unreadable_body", nil)
		return
	}
	if !h.Paymee.VerifyWebhook(r.Header.Get("X-Paymee-Signature"), body) {
		h.Logger.Warn("paymee webhook signature rejected, dropped")
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	var payload paymeeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.Logger.Warn("paymee webhook body unparseable", zap.Error(err))
		httpx.JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return
	}
	if err := h.Escrow.HandleWebhook(r.Context(), models.RailPaymee, payload.Token, payload.Status); err != nil {
		h.Logger.Error("paymee webhook processing failed",
			zap.String("token", payload.Token),
			zap.String("status", payload.Status),
			zap.Error(err))
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
