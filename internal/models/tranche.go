package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Statuts d'une tranche de paiement.
const (
	TranchePendingDeposit = "PENDING_DEPOSIT" // créée, en attente d'initiation de paiement
	TranchePendingPayment = "PENDING_PAYMENT" // lien de paiement émis
	TrancheFundsHeld      = "FUNDS_HELD"      // escrow: paiement confirmé, fonds retenus
	TrancheValidated      = "VALIDATED"       // livrable accepté, capture déclenchée
	TrancheSettled        = "SETTLED"         // fonds disponibles pour le freelance
	TrancheCancelled      = "CANCELLED"       // terminal, aucun mouvement de fonds
	TrancheFailed         = "FAILED"          // terminal, paiement ou capture en échec définitif
)

// Rails de paiement externes.
const (
	RailFlouci = "flouci" // rail direct
	RailPaymee = "paymee" // rail escrow
)

// PaymentTranche est l'unité de mouvement d'argent d'une mission.
// Jamais supprimée physiquement: une tranche annulée est marquée CANCELLED
// pour conserver la piste d'audit.
type PaymentTranche struct {
	ID        uint    `gorm:"primaryKey"`
	MissionID uint    `gorm:"not null;index;uniqueIndex:idx_tranches_mission_ordre"`
	Mission   Mission `gorm:"foreignKey:MissionID"`
	Ordre     int     `gorm:"not null;uniqueIndex:idx_tranches_mission_ordre"` // séquence 1-based, unique par mission
	Titre     string

	MontantBrut          decimal.Decimal `gorm:"type:decimal(12,3);not null"`
	CommissionPlateforme decimal.Decimal `gorm:"type:decimal(12,3);not null"`
	// Toujours recalculé côté serveur: brut - commission, jamais accepté en entrée.
	MontantNetFreelance decimal.Decimal `gorm:"type:decimal(12,3);not null"`
	Devise              string          `gorm:"not null"`

	Statut   string `gorm:"not null;index"`
	Required bool   // doit être réglée avant la clôture de la mission
	Finale   bool   // marque la dernière tranche du contrat

	// Corrélation avec le rail: référence idempotente émise par nous,
	// token opaque retourné par le rail, URL de paiement.
	PaymentRail  string
	PaymentRef   string `gorm:"index"`
	PaymentToken string `gorm:"index"`
	PaymentURL   string

	// Lien exclusif et optionnel vers un livrable: un livrable au plus par
	// tranche, une tranche au plus par livrable (index unique).
	LivrableID *uint     `gorm:"uniqueIndex"`
	Livrable   *Livrable `gorm:"foreignKey:LivrableID"`

	// Suivi des tentatives de capture pour le scheduler de relance.
	CaptureAttempts  int
	LastCaptureError string
	LastCaptureAt    *time.Time

	DepotAt      *time.Time // paiement confirmé par le rail
	ValidationAt *time.Time // livrable accepté
	VersementAt  *time.Time // fonds réglés au solde freelance

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal signale un statut dont on ne sort plus.
func (t *PaymentTranche) Terminal() bool {
	return t.Statut == TrancheSettled || t.Statut == TrancheCancelled || t.Statut == TrancheFailed
}
