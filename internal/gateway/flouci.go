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

// FlouciConfig paramètre le client du rail direct.
type FlouciConfig struct {
	BaseURL   string
	AppToken  string
	AppSecret string
	Timeout   time.Duration
}

// FlouciGateway est le rail direct: le paiement est réglé dès la
// confirmation du webhook, sans étape de capture.
type FlouciGateway struct {
	cfg      FlouciConfig
	http     *resty.Client
	verifier WebhookVerifier
	logger   *zap.Logger
}

func NewFlouciGateway(cfg FlouciConfig, verifier WebhookVerifier, logger *zap.Logger) *FlouciGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	// Pas de retry côté client: les relances appartiennent aux schedulers
	// de réconciliation, jamais au chemin de requête initial.
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &FlouciGateway{cfg: cfg, http: client, verifier: verifier, logger: logger}
}

func (g *FlouciGateway) Rail() string { return models.RailFlouci }

type flouciPaymentRequest struct {
	AppToken   string `json:"app_token"`
	AppSecret  string `json:"app_secret"`
	Amount     string `json:"amount"`
	Devise     string `json:"currency"`
	TrackingID string `json:"developer_tracking_id"`
}

type flouciPaymentResponse struct {
	Result struct {
		PaymentID string `json:"payment_id"`
		Link      string `json:"link"`
	} `json:"result"`
}

func (g *FlouciGateway) CreatePaymentLink(ctx context.Context, montant decimal.Decimal, devise, reference string) (PaymentLink, error) {
	var out flouciPaymentResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(flouciPaymentRequest{
			AppToken:   g.cfg.AppToken,
			AppSecret:  g.cfg.AppSecret,
			Amount:     montant.String(),
			Devise:     devise,
			TrackingID: reference,
		}).
		SetResult(&out).
		Post("/api/generate_payment")
	if err != nil {
		return PaymentLink{}, fmt.Errorf("flouci generate_payment: %w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return PaymentLink{}, g.classify("generate_payment", resp)
	}
	if out.Result.PaymentID == "" {
		return PaymentLink{}, fmt.Errorf("flouci generate_payment: empty payment_id: %w", ErrRejected)
	}
	return PaymentLink{Token: out.Result.PaymentID, URL: out.Result.Link}, nil
}

// Capture est un no-op en succès: le rail direct règle au moment de la
// confirmation du paiement, il n'y a pas de fonds retenus à libérer.
func (g *FlouciGateway) Capture(context.Context, string) error { return nil }

type flouciPayoutRequest struct {
	AppToken   string `json:"app_token"`
	AppSecret  string `json:"app_secret"`
	Amount     string `json:"amount"`
	Devise     string `json:"currency"`
	WalletID   string `json:"destination_wallet"`
	TrackingID string `json:"developer_tracking_id"`
}

type flouciPayoutResponse struct {
	Result struct {
		PayoutID string `json:"payout_id"`
	} `json:"result"`
}

func (g *FlouciGateway) Payout(ctx context.Context, montant decimal.Decimal, devise, beneficiaire, reference string) (string, error) {
	var out flouciPayoutResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(flouciPayoutRequest{
			AppToken:   g.cfg.AppToken,
			AppSecret:  g.cfg.AppSecret,
			Amount:     montant.String(),
			Devise:     devise,
			WalletID:   beneficiaire,
			TrackingID: reference,
		}).
		SetResult(&out).
		Post("/api/payouts")
	if err != nil {
		return "", fmt.Errorf("flouci payout: %w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return "", g.classify("payout", resp)
	}
	if out.Result.PayoutID == "" {
		return "", fmt.Errorf("flouci payout: empty payout_id: %w", ErrRejected)
	}
	return out.Result.PayoutID, nil
}

func (g *FlouciGateway) VerifyWebhook(signature string, body []byte) bool {
	return g.verifier.Verify(signature, body)
}

func (g *FlouciGateway) classify(op string, resp *resty.Response) error {
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("flouci %s: status %d: %w", op, resp.StatusCode(), ErrUnavailable)
	}
	g.logger.Warn("flouci rejected request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode()),
		zap.ByteString("body", resp.Body()))
	return fmt.Errorf("flouci %s: status %d: %w", op, resp.StatusCode(), ErrRejected)
}
