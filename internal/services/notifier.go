package services

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/internal/models"
)

// Notifier enregistre des notifications fire-and-forget. Un échec
// d'écriture est journalisé et n'est jamais propagé: une notification
// perdue ne remet pas en cause une transition financière.
type Notifier struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewNotifier(db *gorm.DB, logger *zap.Logger) *Notifier {
	return &Notifier{db: db, logger: logger}
}

func (n *Notifier) Notify(userID uint, typ, refType string, refID uint, message string) {
	notif := models.Notification{
		UserID:  userID,
		Type:    typ,
		RefType: refType,
		RefID:   refID,
		Message: message,
	}
	if err := n.db.Create(&notif).Error; err != nil {
		n.logger.Warn("notification write failed",
			zap.Uint("user_id", userID),
			zap.String("type", typ),
			zap.Error(err))
	}
}
