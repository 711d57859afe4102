package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/freelanci/escrow-engine/internal/models"
)

// PaymeeConfig paramètre le client du rail escrow.
type PaymeeConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// PaymeeGateway est le rail escrow: le paiement confirmé laisse les fonds
// retenus, une capture explicite les libère vers le compte de règlement.
type PaymeeGateway struct {
	cfg      PaymeeConfig
	http     *resty.Client
	verifier WebhookVerifier
	logger   *zap.Logger
}

func NewPaymeeGateway(cfg PaymeeConfig, verifier WebhookVerifier, logger *zap.Logger) *PaymeeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", "Token "+cfg.APIKey)
	return &PaymeeGateway{cfg: cfg, http: client, verifier: verifier, logger: logger}
}

func (g *PaymeeGateway) Rail() string { return models.RailPaymee }

type paymeeCreateRequest struct {
	Amount  string `json:"amount"`
	Devise  string `json:"currency"`
	Note    string `json:"note"`
	OrderID string `json:"order_id"`
}

type paymeeCreateResponse struct {
	Data struct {
		Token      string `json:"token"`
		PaymentURL string `json:"payment_url"`
	} `json:"data"`
}

func (g *PaymeeGateway) CreatePaymentLink(ctx context.Context, montant decimal.Decimal, devise, reference string) (PaymentLink, error) {
	var out paymeeCreateResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(paymeeCreateRequest{
			Amount:  montant.String(),
			Devise:  devise,
			Note:    "mission tranche",
			OrderID: reference,
		}).
		SetResult(&out).
		Post("/api/v2/payments/create")
	if err != nil {
		return PaymentLink{}, fmt.Errorf("paymee create payment: %w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return PaymentLink{}, g.classify("create payment", resp)
	}
	if out.Data.Token == "" {
		return PaymentLink{}, fmt.Errorf("paymee create payment: empty token: %w", ErrRejected)
	}
	return PaymentLink{Token: out.Data.Token, URL: out.Data.PaymentURL}, nil
}

type paymeeCaptureResponse struct {
	Data struct {
		Captured bool `json:"captured"`
	} `json:"data"`
}

func (g *PaymeeGateway) Capture(ctx context.Context, token string) error {
	var out paymeeCaptureResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/api/v2/payments/" + token + "/capture")
	if err != nil {
		return fmt.Errorf("paymee capture: %w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return g.classify("capture", resp)
	}
	if !out.Data.Captured {
		return fmt.Errorf("paymee capture: not captured: %w", ErrRejected)
	}
	return nil
}

type paymeePayoutRequest struct {
	Amount  string `json:"amount"`
	Devise  string `json:"currency"`
	RIB     string `json:"beneficiary_rib"`
	OrderID string `json:"order_id"`
}

type paymeePayoutResponse struct {
	Data struct {
		TransferID string `json:"transfer_id"`
	} `json:"data"`
}

func (g *PaymeeGateway) Payout(ctx context.Context, montant decimal.Decimal, devise, beneficiaire, reference string) (string, error) {
	var out paymeePayoutResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(paymeePayoutRequest{
			Amount:  montant.String(),
			Devise:  devise,
			RIB:     beneficiaire,
			OrderID: reference,
		}).
		SetResult(&out).
		Post("/api/v2/transfers")
	if err != nil {
		return "", fmt.Errorf("paymee payout: %w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return "", g.classify("payout", resp)
	}
	if out.Data.TransferID == "" {
		return "", fmt.Errorf("paymee payout: empty transfer_id: %w", ErrRejected)
	}
	return out.Data.TransferID, nil
}

func (g *PaymeeGateway) VerifyWebhook(signature string, body []byte) bool {
	return g.verifier.Verify(signature, body)
}

func (g *PaymeeGateway) classify(op string, resp *resty.Response) error {
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("paymee %s: status %d: %w", op, resp.StatusCode(), ErrUnavailable)
	}
	g.logger.Warn("paymee rejected request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode()),
		zap.ByteString("body", resp.Body()))
	return fmt.Errorf("paymee %s: status %d: %w", op, resp.StatusCode(), ErrRejected)
}
