package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/models"
)

// PayoutService gère les destinations de versement et les demandes de
// retrait d'un freelance, tirées sur son solde de tranches réglées.
type PayoutService struct {
	db       *gorm.DB
	direct   gateway.PaymentGateway // versements wallet
	escrow   gateway.PaymentGateway // virements bancaires
	notifier *Notifier
	logger   *zap.Logger
}

func NewPayoutService(db *gorm.DB, direct, escrow gateway.PaymentGateway, notifier *Notifier, logger *zap.Logger) *PayoutService {
	return &PayoutService{db: db, direct: direct, escrow: escrow, notifier: notifier, logger: logger}
}

// AddMethodInput est le DTO d'ajout de destination de versement.
type AddMethodInput struct {
	Type     string `json:"type"` // wallet ou bank
	WalletID string `json:"wallet_id"`
	RIB      string `json:"rib"`
	Libelle  string `json:"libelle"`
}

// AddMethod enregistre une destination de versement du freelance.
func (s *PayoutService) AddMethod(ctx context.Context, freelanceID uint, in AddMethodInput) (*models.WithdrawalMethod, error) {
	v := Violations{}
	switch in.Type {
	case models.WithdrawalMethodWallet:
		Required("wallet_id", in.WalletID, v)
	case models.WithdrawalMethodBank:
		Required("rib", in.RIB, v)
	default:
		v["type"] = "unknown_method_type"
	}
	if !v.Empty() {
		return nil, newValidationError(v)
	}
	m := models.WithdrawalMethod{
		FreelanceID: freelanceID,
		Type:        in.Type,
		WalletID:    in.WalletID,
		RIB:         in.RIB,
		Libelle:     in.Libelle,
		Valide:      true,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("create withdrawal method: %w", err)
	}
	return &m, nil
}

// ListMethods retourne les destinations du freelance appelant uniquement.
func (s *PayoutService) ListMethods(ctx context.Context, freelanceID uint) ([]models.WithdrawalMethod, error) {
	var methods []models.WithdrawalMethod
	if err := s.db.WithContext(ctx).
		Where("freelance_id = ?", freelanceID).
		Order("id asc").
		Find(&methods).Error; err != nil {
		return nil, fmt.Errorf("list withdrawal methods: %w", err)
	}
	return methods, nil
}

// AvailableBalance calcule le solde disponible: somme des tranches
// SETTLED créditées au freelance, moins les retraits non échoués
// (requested, processing et paid gèlent tous le montant).
func (s *PayoutService) AvailableBalance(ctx context.Context, freelanceID uint) (decimal.Decimal, error) {
	return availableBalance(s.db.WithContext(ctx), freelanceID)
}

func availableBalance(tx *gorm.DB, freelanceID uint) (decimal.Decimal, error) {
	var tranches []models.PaymentTranche
	if err := tx.
		Joins("JOIN missions ON missions.id = payment_tranches.mission_id").
		Where("missions.freelance_id = ? AND payment_tranches.statut = ?", freelanceID, models.TrancheSettled).
		Find(&tranches).Error; err != nil {
		return decimal.Zero, fmt.Errorf("load settled tranches: %w", err)
	}
	balance := decimal.Zero
	for _, t := range tranches {
		balance = balance.Add(t.MontantNetFreelance)
	}
	var withdrawals []models.WithdrawalRequest
	if err := tx.
		Where("freelance_id = ? AND statut <> ?", freelanceID, models.WithdrawalFailed).
		Find(&withdrawals).Error; err != nil {
		return decimal.Zero, fmt.Errorf("load withdrawals: %w", err)
	}
	for _, w := range withdrawals {
		balance = balance.Sub(w.Montant)
	}
	return balance, nil
}

// RequestWithdrawalInput est le DTO de demande de retrait.
type RequestWithdrawalInput struct {
	MethodID uint            `json:"method_id"`
	Montant  decimal.Decimal `json:"montant"`
	Devise   string          `json:"devise"`
}

// RequestWithdrawal débite le solde réglé et déclenche le versement via
// le rail de la destination. Un dépassement du solde est rejeté sans
// création de demande; un refus synchrone du rail laisse la demande en
// failed; une indisponibilité la laisse en requested pour le scheduler.
func (s *PayoutService) RequestWithdrawal(ctx context.Context, freelanceID uint, in RequestWithdrawalInput) (*models.WithdrawalRequest, error) {
	var request models.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Verrou sur la ligne du freelance: la lecture du solde et
		// l'insertion de la demande sont atomiques vis-à-vis d'une
		// demande concurrente du même freelance.
		var freelance models.User
		if err := lockForUpdate(tx).First(&freelance, freelanceID).Error; err != nil {
			return fmt.Errorf("load freelance %d: %w", freelanceID, err)
		}
		var method models.WithdrawalMethod
		if err := tx.First(&method, in.MethodID).Error; err != nil {
			return fmt.Errorf("load withdrawal method %d: %w", in.MethodID, err)
		}
		if method.FreelanceID != freelanceID {
			return ErrForbidden
		}
		if !method.Valide {
			return newValidationError(Violations{"method_id": "method_invalid"})
		}
		v := Violations{}
		PositiveAmount("montant", in.Montant, v)
		if !v.Empty() {
			return newValidationError(v)
		}
		devise := in.Devise
		if devise == "" {
			devise = "TND"
		}

		balance, err := availableBalance(tx, freelanceID)
		if err != nil {
			return err
		}
		if in.Montant.GreaterThan(balance) {
			return newValidationError(Violations{"montant": "exceeds_available_balance"})
		}

		request = models.WithdrawalRequest{
			FreelanceID: freelanceID,
			MethodID:    method.ID,
			Method:      method,
			Montant:     in.Montant,
			Devise:      devise,
			Statut:      models.WithdrawalRequested,
			PayoutRef:   uuid.NewString(),
		}
		if err := tx.Omit("Method").Create(&request).Error; err != nil {
			return fmt.Errorf("create withdrawal request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Appel rail hors transaction. Tentative initiale unique: les
	// relances appartiennent au scheduler de réconciliation.
	s.attemptPayout(ctx, &request)
	return &request, nil
}

// attemptPayout pousse une demande requested vers le rail et enregistre
// l'issue synchrone.
func (s *PayoutService) attemptPayout(ctx context.Context, request *models.WithdrawalRequest) {
	gw := s.direct
	beneficiaire := request.Method.WalletID
	if request.Method.Type == models.WithdrawalMethodBank {
		gw = s.escrow
		beneficiaire = request.Method.RIB
	}

	payoutID, err := gw.Payout(ctx, request.Montant, request.Devise, beneficiaire, request.PayoutRef)
	updates := map[string]any{"attempts": gorm.Expr("attempts + 1")}
	switch {
	case err == nil:
		updates["statut"] = models.WithdrawalProcessing
		updates["payout_id"] = payoutID
		request.Statut = models.WithdrawalProcessing
		request.PayoutID = payoutID
	case errors.Is(err, gateway.ErrRejected):
		updates["statut"] = models.WithdrawalFailed
		updates["last_error"] = err.Error()
		request.Statut = models.WithdrawalFailed
		s.notifier.Notify(request.FreelanceID, models.NotifPayoutFailed, "WithdrawalRequest", request.ID,
			"Votre demande de retrait a été refusée par le rail de paiement.")
	default:
		// indisponible: reste requested, le scheduler réessaiera
		updates["last_error"] = err.Error()
		s.logger.Warn("payout attempt deferred, gateway unavailable",
			zap.Uint("withdrawal_id", request.ID),
			zap.String("payout_ref", request.PayoutRef),
			zap.Error(err))
	}
	if uerr := s.db.WithContext(ctx).Model(request).Updates(updates).Error; uerr != nil {
		s.logger.Error("failed to record payout attempt",
			zap.Uint("withdrawal_id", request.ID), zap.Error(uerr))
	}
}

// RetryPayout est appelé par le scheduler sur une demande requested ou
// processing restée sans confirmation. Réutilise la même référence
// idempotente; au-delà de maxAttempts la demande passe failed et le
// montant redevient disponible.
func (s *PayoutService) RetryPayout(ctx context.Context, requestID uint, maxAttempts int) error {
	var request models.WithdrawalRequest
	if err := s.db.WithContext(ctx).Preload("Method").First(&request, requestID).Error; err != nil {
		return fmt.Errorf("load withdrawal %d: %w", requestID, err)
	}
	if request.Terminal() {
		return nil
	}
	if request.Attempts >= maxAttempts {
		if err := s.db.WithContext(ctx).Model(&request).Updates(map[string]any{
			"statut":     models.WithdrawalFailed,
			"last_error": "payout retries exhausted",
		}).Error; err != nil {
			return fmt.Errorf("fail withdrawal %d after retries: %w", requestID, err)
		}
		s.logger.Error("payout retries exhausted, withdrawal FAILED",
			zap.Uint("withdrawal_id", request.ID),
			zap.Uint("freelance_id", request.FreelanceID),
			zap.Int("attempts", request.Attempts))
		s.notifier.Notify(request.FreelanceID, models.NotifPayoutFailed, "WithdrawalRequest", request.ID,
			"Votre retrait de "+request.Montant.String()+" "+request.Devise+" a échoué, le montant reste disponible.")
		return nil
	}
	s.attemptPayout(ctx, &request)
	return nil
}

// ListWithdrawals retourne les demandes du freelance appelant uniquement.
func (s *PayoutService) ListWithdrawals(ctx context.Context, freelanceID uint) ([]models.WithdrawalRequest, error) {
	var requests []models.WithdrawalRequest
	if err := s.db.WithContext(ctx).
		Where("freelance_id = ?", freelanceID).
		Order("id desc").
		Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	return requests, nil
}
