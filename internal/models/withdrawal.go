package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Types de destination de versement.
const (
	WithdrawalMethodWallet = "wallet"
	WithdrawalMethodBank   = "bank"
)

// Statuts d'une demande de retrait.
const (
	WithdrawalRequested  = "requested"
	WithdrawalProcessing = "processing"
	WithdrawalPaid       = "paid"
	WithdrawalFailed     = "failed"
)

// WithdrawalMethod est une destination de versement d'un freelance.
type WithdrawalMethod struct {
	ID          uint   `gorm:"primaryKey"`
	FreelanceID uint   `gorm:"not null;index"`
	Freelance   User   `gorm:"foreignKey:FreelanceID"`
	Type        string `gorm:"not null"` // wallet ou bank
	WalletID    string // identifiant wallet (rail direct)
	RIB         string // référence bancaire (rail escrow)
	Libelle     string
	Valide      bool `gorm:"not null;default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetUserID expose le propriétaire pour les contrôles d'accès.
func (m *WithdrawalMethod) GetUserID() uint { return m.FreelanceID }

// WithdrawalRequest est une demande de retrait tirée sur le solde réglé.
// Créée par le pipeline de versement, mutée par le scheduler de relance
// ou par le webhook du rail.
type WithdrawalRequest struct {
	ID          uint             `gorm:"primaryKey"`
	FreelanceID uint             `gorm:"not null;index"`
	MethodID    uint             `gorm:"not null"`
	Method      WithdrawalMethod `gorm:"foreignKey:MethodID"`
	Montant     decimal.Decimal  `gorm:"type:decimal(12,3);not null"`
	Devise      string           `gorm:"not null"`
	Statut      string           `gorm:"not null;index"`

	// Référence idempotente transmise au rail, identifiant retourné.
	PayoutRef string `gorm:"index"`
	PayoutID  string

	Attempts  int
	LastError string

	PaidAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetUserID expose le propriétaire pour les contrôles d'accès.
func (r *WithdrawalRequest) GetUserID() uint { return r.FreelanceID }

// Terminal signale un statut dont on ne sort plus.
func (r *WithdrawalRequest) Terminal() bool {
	return r.Statut == WithdrawalPaid || r.Statut == WithdrawalFailed
}
