package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cycle de vie d'une mission.
const (
	MissionDraft        = "draft"
	MissionOpen         = "open"
	MissionInProgress   = "in_progress"
	MissionReadyToClose = "ready_to_close"
	MissionClosed       = "closed"
)

// Politique de clôture d'une mission.
const (
	ClosureBilateral        = "bilateral"         // confirmation des deux parties
	ClosureUnilateralClient = "unilateral_client" // le client seul peut clôturer
)

// Mode de paiement de la mission: direct (règlement immédiat au webhook)
// ou escrow (fonds retenus puis capturés après validation du livrable).
const (
	PaymentModeDirect = "direct"
	PaymentModeEscrow = "escrow"
)

type Mission struct {
	ID                  uint   `gorm:"primaryKey"`
	Titre               string `gorm:"not null"`
	ClientID            uint   `gorm:"not null;index"`
	Client              User   `gorm:"foreignKey:ClientID"`
	FreelanceID         *uint  `gorm:"index"` // freelance sélectionné, au plus un
	Statut              string `gorm:"not null;default:'draft'"`
	ClosurePolicy       string `gorm:"not null;default:'bilateral'"`
	PaymentMode         string `gorm:"not null;default:'escrow'"`
	ContractTotalAmount decimal.Decimal `gorm:"type:decimal(12,3);not null"`
	Devise              string          `gorm:"not null;default:'TND'"`
	Deadline            *time.Time
	// Confirmations de clôture indépendantes, évaluées par recalcul du statut.
	ClientCloseConfirme    bool
	FreelanceCloseConfirme bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// GetUserID expose le propriétaire (client) pour les contrôles d'accès.
func (m *Mission) GetUserID() uint { return m.ClientID }
