package models

import "time"

// Types de notification émis par le moteur.
const (
	NotifTrancheSettled   = "tranche_settled"
	NotifCaptureFailed    = "capture_failed"
	NotifPayoutPaid       = "payout_paid"
	NotifPayoutFailed     = "payout_failed"
	NotifDeadlineReminder = "deadline_reminder"
)

// Notification est un enregistrement fire-and-forget: un échec de
// notification ne remet jamais en cause une transition financière.
type Notification struct {
	ID      uint   `gorm:"primaryKey"`
	UserID  uint   `gorm:"not null;index"`
	Type    string `gorm:"not null"`
	// Entité concernée, ex: "PaymentTranche", "WithdrawalRequest", "Mission".
	RefType   string
	RefID     uint
	Message   string
	Lu        bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}
