package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/internal/models"
)

// TrancheService est le registre des tranches: il possède les entités
// PaymentTranche d'une mission et fait respecter les invariants de
// montant, d'ordre et de lien exclusif au livrable. Les contrôleurs ne
// mutent jamais une tranche directement.
type TrancheService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewTrancheService(db *gorm.DB, logger *zap.Logger) *TrancheService {
	return &TrancheService{db: db, logger: logger}
}

// CreateTrancheInput est le DTO de création. Le montant net n'est pas
// accepté en entrée: il est toujours recalculé brut - commission.
type CreateTrancheInput struct {
	Ordre                int             `json:"ordre"`
	Titre                string          `json:"titre"`
	MontantBrut          decimal.Decimal `json:"montant_brut"`
	CommissionPlateforme decimal.Decimal `json:"commission_plateforme"`
	Devise               string          `json:"devise"`
	Required             bool            `json:"required"`
	Finale               bool            `json:"finale"`
}

// CreateTranche valide la propriété de la mission et les invariants de
// montant, puis crée la tranche en statut initial PENDING_DEPOSIT.
func (s *TrancheService) CreateTranche(ctx context.Context, missionID, clientID uint, in CreateTrancheInput) (*models.PaymentTranche, error) {
	var tranche *models.PaymentTranche
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Verrou sur la mission: le contrôle du plafond contractuel et
		// l'insertion doivent être sérialisés entre créations concurrentes.
		var mission models.Mission
		if err := lockForUpdate(tx).First(&mission, missionID).Error; err != nil {
			return fmt.Errorf("load mission %d: %w", missionID, err)
		}
		if mission.ClientID != clientID {
			return ErrForbidden
		}
		if mission.Statut == models.MissionClosed {
			return fmt.Errorf("mission %d is closed: %w", missionID, ErrConflict)
		}

		v := Violations{}
		Required("titre", in.Titre, v)
		PositiveAmount("montant_brut", in.MontantBrut, v)
		NonNegativeAmount("commission_plateforme", in.CommissionPlateforme, v)
		if in.CommissionPlateforme.GreaterThan(in.MontantBrut) {
			v["commission_plateforme"] = "exceeds_montant_brut"
		}
		if in.Ordre < 1 {
			v["ordre"] = "must_be_positive"
		}
		devise := in.Devise
		if devise == "" {
			devise = mission.Devise
		}
		if !v.Empty() {
			return newValidationError(v)
		}

		// Somme des bruts (tranches annulées exclues) plafonnée par le
		// montant contractuel. Vérifié à la création, jamais rétroactivement.
		var existing []models.PaymentTranche
		if err := tx.Where("mission_id = ? AND statut <> ?", missionID, models.TrancheCancelled).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("load tranches of mission %d: %w", missionID, err)
		}
		total := in.MontantBrut
		for _, t := range existing {
			total = total.Add(t.MontantBrut)
		}
		if mission.ContractTotalAmount.IsPositive() && total.GreaterThan(mission.ContractTotalAmount) {
			return newValidationError(Violations{"montant_brut": "exceeds_contract_total"})
		}

		t := models.PaymentTranche{
			MissionID:            missionID,
			Ordre:                in.Ordre,
			Titre:                in.Titre,
			MontantBrut:          in.MontantBrut,
			CommissionPlateforme: in.CommissionPlateforme,
			MontantNetFreelance:  in.MontantBrut.Sub(in.CommissionPlateforme),
			Devise:               devise,
			Statut:               models.TranchePendingDeposit,
			Required:             in.Required,
			Finale:               in.Finale,
		}
		if err := tx.Create(&t).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("ordre %d already used on mission %d: %w", in.Ordre, missionID, ErrConflict)
			}
			return fmt.Errorf("create tranche: %w", err)
		}
		tranche = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tranche created",
		zap.Uint("mission_id", missionID),
		zap.Uint("tranche_id", tranche.ID),
		zap.Int("ordre", tranche.Ordre),
		zap.String("montant_brut", tranche.MontantBrut.String()))
	return tranche, nil
}

// ListTranches retourne les tranches d'une mission, ordonnées par ordre,
// visibles du client et du freelance sélectionné uniquement.
func (s *TrancheService) ListTranches(ctx context.Context, missionID, userID uint) ([]models.PaymentTranche, error) {
	var mission models.Mission
	if err := s.db.WithContext(ctx).First(&mission, missionID).Error; err != nil {
		return nil, fmt.Errorf("load mission %d: %w", missionID, err)
	}
	if mission.ClientID != userID && (mission.FreelanceID == nil || *mission.FreelanceID != userID) {
		return nil, ErrForbidden
	}
	var tranches []models.PaymentTranche
	if err := s.db.WithContext(ctx).
		Where("mission_id = ?", missionID).
		Order("ordre asc").
		Find(&tranches).Error; err != nil {
		return nil, fmt.Errorf("list tranches of mission %d: %w", missionID, err)
	}
	return tranches, nil
}

// CancelTranche marque une tranche CANCELLED tant qu'aucun fonds n'a
// bougé. Jamais de suppression physique: la piste d'audit reste.
func (s *TrancheService) CancelTranche(ctx context.Context, trancheID, clientID uint) (*models.PaymentTranche, error) {
	var tranche models.PaymentTranche
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).Preload("Mission").First(&tranche, trancheID).Error; err != nil {
			return fmt.Errorf("load tranche %d: %w", trancheID, err)
		}
		if tranche.Mission.ClientID != clientID {
			return ErrForbidden
		}
		switch tranche.Statut {
		case models.TrancheCancelled:
			return nil // déjà annulée, no-op
		case models.TranchePendingDeposit, models.TranchePendingPayment:
			tranche.Statut = models.TrancheCancelled
			return tx.Model(&tranche).Update("statut", models.TrancheCancelled).Error
		default:
			return fmt.Errorf("tranche %d has moved funds (%s): %w", trancheID, tranche.Statut, ErrConflict)
		}
	})
	if err != nil {
		return nil, err
	}
	return &tranche, nil
}

// MarkTrancheFinale marque/démarque la tranche finale du contrat.
func (s *TrancheService) MarkTrancheFinale(ctx context.Context, trancheID, clientID uint, finale bool) (*models.PaymentTranche, error) {
	return s.updateTrancheFlag(ctx, trancheID, clientID, "finale", finale)
}

// MarkTrancheRequired marque/démarque une tranche comme bloquante pour
// la clôture de la mission.
func (s *TrancheService) MarkTrancheRequired(ctx context.Context, trancheID, clientID uint, required bool) (*models.PaymentTranche, error) {
	return s.updateTrancheFlag(ctx, trancheID, clientID, "required", required)
}

func (s *TrancheService) updateTrancheFlag(ctx context.Context, trancheID, clientID uint, column string, value bool) (*models.PaymentTranche, error) {
	var tranche models.PaymentTranche
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Mission").First(&tranche, trancheID).Error; err != nil {
			return fmt.Errorf("load tranche %d: %w", trancheID, err)
		}
		if tranche.Mission.ClientID != clientID {
			return ErrForbidden
		}
		if tranche.Mission.Statut == models.MissionClosed {
			return fmt.Errorf("mission %d is closed: %w", tranche.MissionID, ErrConflict)
		}
		return tx.Model(&tranche).Update(column, value).Error
	})
	if err != nil {
		return nil, err
	}
	return &tranche, nil
}

// UpdateClosurePolicy change la politique de clôture d'une mission non close.
func (s *TrancheService) UpdateClosurePolicy(ctx context.Context, missionID, clientID uint, policy string) (*models.Mission, error) {
	if policy != models.ClosureBilateral && policy != models.ClosureUnilateralClient {
		return nil, newValidationError(Violations{"closure_policy": "unknown_policy"})
	}
	return s.updateMissionField(ctx, missionID, clientID, "closure_policy", policy)
}

// UpdateContractTotalAmount change le montant contractuel, sans jamais
// descendre sous la somme des tranches déjà planifiées.
func (s *TrancheService) UpdateContractTotalAmount(ctx context.Context, missionID, clientID uint, amount decimal.Decimal) (*models.Mission, error) {
	if !amount.IsPositive() {
		return nil, newValidationError(Violations{"contract_total_amount": "must_be_positive"})
	}
	var mission *models.Mission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Mission
		if err := lockForUpdate(tx).First(&m, missionID).Error; err != nil {
			return fmt.Errorf("load mission %d: %w", missionID, err)
		}
		if m.ClientID != clientID {
			return ErrForbidden
		}
		if m.Statut == models.MissionClosed {
			return fmt.Errorf("mission %d is closed: %w", missionID, ErrConflict)
		}
		var tranches []models.PaymentTranche
		if err := tx.Where("mission_id = ? AND statut <> ?", missionID, models.TrancheCancelled).
			Find(&tranches).Error; err != nil {
			return fmt.Errorf("load tranches of mission %d: %w", missionID, err)
		}
		planned := decimal.Zero
		for _, t := range tranches {
			planned = planned.Add(t.MontantBrut)
		}
		if amount.LessThan(planned) {
			return newValidationError(Violations{"contract_total_amount": "below_planned_tranches"})
		}
		if err := tx.Model(&m).Update("contract_total_amount", amount).Error; err != nil {
			return err
		}
		m.ContractTotalAmount = amount
		mission = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mission, nil
}

func (s *TrancheService) updateMissionField(ctx context.Context, missionID, clientID uint, column string, value any) (*models.Mission, error) {
	var mission models.Mission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&mission, missionID).Error; err != nil {
			return fmt.Errorf("load mission %d: %w", missionID, err)
		}
		if mission.ClientID != clientID {
			return ErrForbidden
		}
		if mission.Statut == models.MissionClosed {
			return fmt.Errorf("mission %d is closed: %w", missionID, ErrConflict)
		}
		return tx.Model(&mission).Update(column, value).Error
	})
	if err != nil {
		return nil, err
	}
	return &mission, nil
}
