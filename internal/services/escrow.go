package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/models"
)

// EscrowService est l'orchestrateur: il conduit une tranche de sa
// création jusqu'au règlement à travers la machine à états, réconcilie
// les webhooks asynchrones des rails contre l'état local, et coordonne
// la clôture de mission. Seul composant autorisé à muter une tranche.
type EscrowService struct {
	db       *gorm.DB
	direct   gateway.PaymentGateway
	escrow   gateway.PaymentGateway
	notifier *Notifier
	logger   *zap.Logger
}

func NewEscrowService(db *gorm.DB, direct, escrow gateway.PaymentGateway, notifier *Notifier, logger *zap.Logger) *EscrowService {
	return &EscrowService{db: db, direct: direct, escrow: escrow, notifier: notifier, logger: logger}
}

// gatewayFor sélectionne le rail d'après le mode de paiement de la
// mission. Aucun branchement sur le nom du rail dans la logique métier.
func (s *EscrowService) gatewayFor(mode string) gateway.PaymentGateway {
	if mode == models.PaymentModeDirect {
		return s.direct
	}
	return s.escrow
}

// InitPaiement émet le lien de paiement escrow d'une tranche.
func (s *EscrowService) InitPaiement(ctx context.Context, trancheID, clientID uint) (*models.PaymentTranche, error) {
	return s.initPaiement(ctx, trancheID, clientID, models.PaymentModeEscrow)
}

// InitPaiementDirect émet le lien de paiement direct d'une tranche.
func (s *EscrowService) InitPaiementDirect(ctx context.Context, trancheID, clientID uint) (*models.PaymentTranche, error) {
	return s.initPaiement(ctx, trancheID, clientID, models.PaymentModeDirect)
}

// initPaiement est ré-entrant: rappelé avant l'arrivée du webhook, il
// régénère un lien sous la même référence idempotente, sans créer de
// seconde obligation de mouvement d'argent côté rail.
func (s *EscrowService) initPaiement(ctx context.Context, trancheID, clientID uint, wantMode string) (*models.PaymentTranche, error) {
	var tranche models.PaymentTranche
	if err := s.db.WithContext(ctx).Preload("Mission").First(&tranche, trancheID).Error; err != nil {
		return nil, fmt.Errorf("load tranche %d: %w", trancheID, err)
	}
	if tranche.Mission.ClientID != clientID {
		return nil, ErrForbidden
	}
	if tranche.Mission.PaymentMode != wantMode {
		return nil, newValidationError(Violations{"payment_mode": "mission_uses_" + tranche.Mission.PaymentMode})
	}
	switch tranche.Statut {
	case models.TranchePendingDeposit, models.TranchePendingPayment:
		// ok, émission ou ré-émission du lien
	default:
		return nil, fmt.Errorf("tranche %d in %s cannot start payment: %w", trancheID, tranche.Statut, ErrConflict)
	}

	if tranche.PaymentRef == "" {
		tranche.PaymentRef = uuid.NewString()
	}
	gw := s.gatewayFor(tranche.Mission.PaymentMode)
	link, err := gw.CreatePaymentLink(ctx, tranche.MontantBrut, tranche.Devise, tranche.PaymentRef)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			// refus définitif du rail: la tranche passe FAILED
			updates := map[string]any{"statut": models.TrancheFailed, "payment_ref": tranche.PaymentRef}
			if uerr := s.db.WithContext(ctx).Model(&tranche).Updates(updates).Error; uerr != nil {
				s.logger.Error("failed to mark tranche FAILED after rejection",
					zap.Uint("tranche_id", tranche.ID), zap.Error(uerr))
			}
		}
		return nil, err
	}

	updates := map[string]any{
		"statut":        models.TranchePendingPayment,
		"payment_rail":  gw.Rail(),
		"payment_ref":   tranche.PaymentRef,
		"payment_token": link.Token,
		"payment_url":   link.URL,
	}
	if err := s.db.WithContext(ctx).Model(&tranche).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("store payment link on tranche %d: %w", trancheID, err)
	}
	tranche.Statut = models.TranchePendingPayment
	tranche.PaymentRail = gw.Rail()
	tranche.PaymentToken = link.Token
	tranche.PaymentURL = link.URL
	s.logger.Info("payment link issued",
		zap.Uint("mission_id", tranche.MissionID),
		zap.Uint("tranche_id", tranche.ID),
		zap.String("rail", gw.Rail()),
		zap.String("token", link.Token))
	return &tranche, nil
}

// Statuts webhook normalisés.
const (
	webhookPaid   = "paid"
	webhookFailed = "failed"
)

// normalizeWebhookStatus ramène les vocabulaires des deux rails à
// paid/failed. Retourne "" pour un statut inconnu (journalisé, ignoré).
func normalizeWebhookStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "success", "completed", "settled":
		return webhookPaid
	case "failed", "failure", "cancelled", "canceled", "expired":
		return webhookFailed
	default:
		return ""
	}
}

// HandleWebhook réconcilie un webhook de rail contre l'état local.
// Jamais d'erreur remontée pour un événement non reconnu: il est
// journalisé et abandonné, le rail reçoit toujours un succès pour
// éviter les tempêtes de relance. Idempotent: rejouer le même payload
// sur une tranche déjà FUNDS_HELD/SETTLED est un no-op.
func (s *EscrowService) HandleWebhook(ctx context.Context, rail, token, rawStatus string) error {
	status := normalizeWebhookStatus(rawStatus)
	if token == "" || status == "" {
		s.logger.Warn("webhook dropped: unusable payload",
			zap.String("rail", rail),
			zap.String("token", token),
			zap.String("status", rawStatus))
		return nil
	}

	var (
		settledTranche *models.PaymentTranche
		missionID      uint
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tranche models.PaymentTranche
		// La recherche est bornée au rail: des tokens identiques émis par
		// deux rails distincts ne peuvent pas se croiser.
		err := lockForUpdate(tx).
			Preload("Mission").
			Where("payment_rail = ? AND payment_token = ?", rail, token).
			First(&tranche).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.handlePayoutWebhook(tx, rail, token, status)
		}
		if err != nil {
			return fmt.Errorf("lookup tranche by token: %w", err)
		}

		switch status {
		case webhookPaid:
			switch tranche.Statut {
			case models.TrancheSettled, models.TrancheFundsHeld, models.TrancheValidated:
				// relecture du même événement, no-op
				s.logger.Info("webhook replay ignored",
					zap.String("rail", rail),
					zap.String("token", token),
					zap.Uint("mission_id", tranche.MissionID),
					zap.Uint("tranche_id", tranche.ID))
				return nil
			case models.TranchePendingPayment, models.TranchePendingDeposit:
				now := time.Now()
				if tranche.Mission.PaymentMode == models.PaymentModeDirect {
					// rail direct: règlement immédiat, pas de capture
					updates := map[string]any{
						"statut":       models.TrancheSettled,
						"depot_at":     now,
						"versement_at": now,
					}
					if err := tx.Model(&tranche).Updates(updates).Error; err != nil {
						return fmt.Errorf("settle tranche %d: %w", tranche.ID, err)
					}
					tranche.Statut = models.TrancheSettled
					settledTranche = &tranche
				} else {
					// rail escrow: fonds retenus jusqu'à la capture
					updates := map[string]any{
						"statut":   models.TrancheFundsHeld,
						"depot_at": now,
					}
					if err := tx.Model(&tranche).Updates(updates).Error; err != nil {
						return fmt.Errorf("hold tranche %d: %w", tranche.ID, err)
					}
				}
				missionID = tranche.MissionID
				return nil
			default:
				s.logger.Warn("paid webhook on terminal tranche, dropped",
					zap.String("rail", rail),
					zap.String("token", token),
					zap.Uint("tranche_id", tranche.ID),
					zap.String("statut", tranche.Statut))
				return nil
			}
		case webhookFailed:
			if tranche.Terminal() || tranche.Statut == models.TrancheFundsHeld {
				// échec rejoué ou annulation arrivée après coup, no-op
				return nil
			}
			if err := tx.Model(&tranche).Update("statut", models.TrancheFailed).Error; err != nil {
				return fmt.Errorf("fail tranche %d: %w", tranche.ID, err)
			}
			s.logger.Warn("payment failed by rail",
				zap.String("rail", rail),
				zap.String("token", token),
				zap.Uint("mission_id", tranche.MissionID),
				zap.Uint("tranche_id", tranche.ID))
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	if missionID != 0 {
		if err := s.RecomputeMissionStatus(ctx, missionID); err != nil {
			s.logger.Error("mission status recompute failed",
				zap.Uint("mission_id", missionID), zap.Error(err))
		}
	}
	if settledTranche != nil {
		s.notifySettlement(settledTranche)
	}
	return nil
}

// handlePayoutWebhook traite la confirmation asynchrone d'un versement,
// corrélée par la référence de payout. Token inconnu des deux tables:
// journalisé et abandonné.
func (s *EscrowService) handlePayoutWebhook(tx *gorm.DB, rail, token, status string) error {
	var wr models.WithdrawalRequest
	err := lockForUpdate(tx).
		Where("payout_ref = ? OR payout_id = ?", token, token).
		First(&wr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("webhook token not recognized, dropped",
			zap.String("rail", rail),
			zap.String("token", token),
			zap.String("status", status))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup withdrawal by payout ref: %w", err)
	}
	if wr.Terminal() {
		return nil // relecture, no-op
	}
	switch status {
	case webhookPaid:
		now := time.Now()
		if err := tx.Model(&wr).Updates(map[string]any{
			"statut":  models.WithdrawalPaid,
			"paid_at": now,
		}).Error; err != nil {
			return fmt.Errorf("mark withdrawal %d paid: %w", wr.ID, err)
		}
		s.notifier.Notify(wr.FreelanceID, models.NotifPayoutPaid, "WithdrawalRequest", wr.ID,
			"Votre retrait de "+wr.Montant.String()+" "+wr.Devise+" a été versé.")
	case webhookFailed:
		if err := tx.Model(&wr).Updates(map[string]any{
			"statut":     models.WithdrawalFailed,
			"last_error": "rail reported failure",
		}).Error; err != nil {
			return fmt.Errorf("mark withdrawal %d failed: %w", wr.ID, err)
		}
		s.notifier.Notify(wr.FreelanceID, models.NotifPayoutFailed, "WithdrawalRequest", wr.ID,
			"Votre retrait de "+wr.Montant.String()+" "+wr.Devise+" a échoué, le montant reste disponible.")
	}
	return nil
}

// ValiderLivrable enregistre l'acceptation d'un livrable par le client
// et réclame la prochaine tranche éligible de la mission, sous verrou
// d'écriture pour que deux validations concurrentes ne réclament jamais
// la même tranche. En mode escrow la capture part ensuite, hors verrou.
func (s *EscrowService) ValiderLivrable(ctx context.Context, livrableID, clientID uint) (*models.PaymentTranche, error) {
	var (
		claimed     models.PaymentTranche
		needCapture bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var livrable models.Livrable
		if err := tx.Preload("Mission").First(&livrable, livrableID).Error; err != nil {
			return fmt.Errorf("load livrable %d: %w", livrableID, err)
		}
		if livrable.Mission.ClientID != clientID {
			return ErrForbidden
		}
		if livrable.Statut == models.LivrableRejete {
			return fmt.Errorf("livrable %d was rejected: %w", livrableID, ErrConflict)
		}

		// Une tranche déjà liée à ce livrable: validation rejouée, no-op.
		var already models.PaymentTranche
		err := tx.Where("livrable_id = ?", livrableID).First(&already).Error
		if err == nil {
			claimed = already
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing link for livrable %d: %w", livrableID, err)
		}

		// Prochaine tranche éligible en ordre, filtrée par le statut
		// attendu du mode de paiement actif, sous FOR UPDATE.
		expected := models.TrancheFundsHeld
		if livrable.Mission.PaymentMode == models.PaymentModeDirect {
			expected = models.TranchePendingDeposit
		}
		var tranche models.PaymentTranche
		err = lockForUpdate(tx).
			Where("mission_id = ? AND statut = ? AND livrable_id IS NULL", livrable.MissionID, expected).
			Order("ordre asc").
			First(&tranche).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoPaymentPlan
		}
		if err != nil {
			return fmt.Errorf("select eligible tranche: %w", err)
		}

		now := time.Now()
		updates := map[string]any{
			"livrable_id":   livrableID,
			"validation_at": now,
		}
		// Mise à jour conditionnée sur l'état lu: si la tranche a été
		// réclamée entre la sélection et l'écriture, aucune ligne ne
		// change et la validation perd la course.
		res := tx.Model(&models.PaymentTranche{}).
			Where("id = ? AND livrable_id IS NULL AND statut = ?", tranche.ID, expected).
			Updates(updates)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return fmt.Errorf("livrable %d already linked: %w", livrableID, ErrConflict)
			}
			return fmt.Errorf("link tranche %d to livrable %d: %w", tranche.ID, livrableID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("tranche %d claimed by another validation: %w", tranche.ID, ErrConflict)
		}
		if err := tx.Model(&livrable).Update("statut", models.LivrableValide).Error; err != nil {
			return fmt.Errorf("validate livrable %d: %w", livrableID, err)
		}
		lid := livrableID
		tranche.LivrableID = &lid
		tranche.ValidationAt = &now
		tranche.Mission = livrable.Mission
		claimed = tranche
		needCapture = livrable.Mission.PaymentMode == models.PaymentModeEscrow &&
			tranche.Statut == models.TrancheFundsHeld
		return nil
	})
	if err != nil {
		return nil, err
	}

	if needCapture {
		// Appel externe hors transaction: on ne tient jamais le verrou de
		// tranche pendant un appel rail. Un échec laisse la tranche
		// FUNDS_HELD, le scheduler de relance prendra la suite.
		s.captureTranche(ctx, &claimed)
	}
	return &claimed, nil
}

// captureTranche tente la capture escrow d'une tranche FUNDS_HELD.
// Succès: FUNDS_HELD -> VALIDATED -> SETTLED. Échec: la tranche reste
// FUNDS_HELD avec la tentative comptabilisée.
func (s *EscrowService) captureTranche(ctx context.Context, tranche *models.PaymentTranche) {
	gw := s.gatewayFor(models.PaymentModeEscrow)
	err := gw.Capture(ctx, tranche.PaymentToken)
	now := time.Now()
	if err != nil {
		updates := map[string]any{
			"capture_attempts":   gorm.Expr("capture_attempts + 1"),
			"last_capture_error": err.Error(),
			"last_capture_at":    now,
		}
		if uerr := s.db.WithContext(ctx).Model(tranche).Updates(updates).Error; uerr != nil {
			s.logger.Error("failed to record capture attempt",
				zap.Uint("tranche_id", tranche.ID), zap.Error(uerr))
		}
		s.logger.Warn("capture failed, queued for retry",
			zap.Uint("mission_id", tranche.MissionID),
			zap.Uint("tranche_id", tranche.ID),
			zap.String("token", tranche.PaymentToken),
			zap.Error(err))
		return
	}

	updates := map[string]any{
		"statut":       models.TrancheSettled,
		"versement_at": now,
	}
	if tranche.ValidationAt == nil {
		updates["validation_at"] = now
	}
	if uerr := s.db.WithContext(ctx).Model(tranche).Updates(updates).Error; uerr != nil {
		s.logger.Error("capture succeeded but settlement write failed",
			zap.Uint("tranche_id", tranche.ID), zap.Error(uerr))
		return
	}
	tranche.Statut = models.TrancheSettled
	if err := s.RecomputeMissionStatus(ctx, tranche.MissionID); err != nil {
		s.logger.Error("mission status recompute failed",
			zap.Uint("mission_id", tranche.MissionID), zap.Error(err))
	}
	s.notifySettlement(tranche)
}

// RetryCapture est appelé par le scheduler de réconciliation sur une
// tranche FUNDS_HELD avec une tentative en échec. Au-delà de
// maxAttempts la tranche passe FAILED avec alerte opérateur.
func (s *EscrowService) RetryCapture(ctx context.Context, trancheID uint, maxAttempts int) error {
	var tranche models.PaymentTranche
	if err := s.db.WithContext(ctx).First(&tranche, trancheID).Error; err != nil {
		return fmt.Errorf("load tranche %d: %w", trancheID, err)
	}
	if tranche.Statut != models.TrancheFundsHeld {
		return nil // réglée ou annulée entre-temps
	}
	if tranche.CaptureAttempts >= maxAttempts {
		if err := s.db.WithContext(ctx).Model(&tranche).
			Update("statut", models.TrancheFailed).Error; err != nil {
			return fmt.Errorf("fail tranche %d after capture retries: %w", trancheID, err)
		}
		// alerte opérateur: jamais avalée silencieusement
		s.logger.Error("capture retries exhausted, tranche FAILED",
			zap.Uint("mission_id", tranche.MissionID),
			zap.Uint("tranche_id", tranche.ID),
			zap.Int("attempts", tranche.CaptureAttempts),
			zap.String("last_error", tranche.LastCaptureError))
		var mission models.Mission
		if err := s.db.WithContext(ctx).First(&mission, tranche.MissionID).Error; err == nil {
			s.notifier.Notify(mission.ClientID, models.NotifCaptureFailed, "PaymentTranche", tranche.ID,
				"La capture de la tranche "+tranche.Titre+" a échoué définitivement.")
		}
		return nil
	}
	s.captureTranche(ctx, &tranche)
	return nil
}

// ConfirmCloseByClient enregistre la confirmation de clôture du client.
func (s *EscrowService) ConfirmCloseByClient(ctx context.Context, missionID, clientID uint) (*models.Mission, error) {
	return s.confirmClose(ctx, missionID, clientID, true)
}

// ConfirmCloseByFreelancer enregistre la confirmation du freelance.
func (s *EscrowService) ConfirmCloseByFreelancer(ctx context.Context, missionID, freelanceID uint) (*models.Mission, error) {
	return s.confirmClose(ctx, missionID, freelanceID, false)
}

func (s *EscrowService) confirmClose(ctx context.Context, missionID, userID uint, byClient bool) (*models.Mission, error) {
	var mission models.Mission
	if err := s.db.WithContext(ctx).First(&mission, missionID).Error; err != nil {
		return nil, fmt.Errorf("load mission %d: %w", missionID, err)
	}
	column := "client_close_confirme"
	if byClient {
		if mission.ClientID != userID {
			return nil, ErrForbidden
		}
	} else {
		if mission.FreelanceID == nil || *mission.FreelanceID != userID {
			return nil, ErrForbidden
		}
		column = "freelance_close_confirme"
	}
	if err := s.db.WithContext(ctx).Model(&mission).Update(column, true).Error; err != nil {
		return nil, fmt.Errorf("record closure confirmation: %w", err)
	}
	if err := s.RecomputeMissionStatus(ctx, missionID); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(&mission, missionID).Error; err != nil {
		return nil, fmt.Errorf("reload mission %d: %w", missionID, err)
	}
	return &mission, nil
}

// RecomputeMissionStatus réévalue le statut de la mission comme fonction
// pure de l'état courant des tranches et des confirmations. Sûr à
// appeler de façon redondante; ne régresse jamais une mission close.
func (s *EscrowService) RecomputeMissionStatus(ctx context.Context, missionID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mission models.Mission
		if err := tx.First(&mission, missionID).Error; err != nil {
			return fmt.Errorf("load mission %d: %w", missionID, err)
		}
		if mission.Statut == models.MissionClosed {
			return nil // terminal
		}
		var tranches []models.PaymentTranche
		if err := tx.Where("mission_id = ? AND statut <> ?", missionID, models.TrancheCancelled).
			Find(&tranches).Error; err != nil {
			return fmt.Errorf("load tranches of mission %d: %w", missionID, err)
		}

		requiredSettled := len(tranches) > 0
		for _, t := range tranches {
			if (t.Required || t.Finale) && t.Statut != models.TrancheSettled {
				requiredSettled = false
				break
			}
		}

		confirmed := mission.ClientCloseConfirme
		if mission.ClosurePolicy == models.ClosureBilateral {
			confirmed = confirmed && mission.FreelanceCloseConfirme
		}

		next := mission.Statut
		switch {
		case requiredSettled && confirmed:
			next = models.MissionClosed
		case requiredSettled:
			next = models.MissionReadyToClose
		case mission.Statut == models.MissionReadyToClose:
			// une tranche requise a été ajoutée depuis, retour en cours
			next = models.MissionInProgress
		}
		if next == mission.Statut {
			return nil
		}
		prev := mission.Statut
		if err := tx.Model(&mission).Update("statut", next).Error; err != nil {
			return fmt.Errorf("update mission %d status: %w", missionID, err)
		}
		s.logger.Info("mission status recomputed",
			zap.Uint("mission_id", missionID),
			zap.String("from", prev),
			zap.String("to", next))
		return nil
	})
}

func (s *EscrowService) notifySettlement(tranche *models.PaymentTranche) {
	var mission models.Mission
	if err := s.db.First(&mission, tranche.MissionID).Error; err != nil {
		s.logger.Warn("settlement notification skipped, mission load failed",
			zap.Uint("mission_id", tranche.MissionID), zap.Error(err))
		return
	}
	if mission.FreelanceID == nil {
		return
	}
	s.notifier.Notify(*mission.FreelanceID, models.NotifTrancheSettled, "PaymentTranche", tranche.ID,
		"La tranche "+tranche.Titre+" ("+tranche.MontantNetFreelance.String()+" "+tranche.Devise+" net) est réglée.")
}
