// Package scheduler porte les balayages périodiques de réconciliation:
// relance des captures bloquées, relance des versements sans
// confirmation, rappels d'échéance. Chaque balayage isole ses erreurs
// par élément: une tranche coincée n'arrête jamais le reste du lot.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/internal/models"
	"github.com/freelanci/escrow-engine/internal/services"
)

// Config règle les intervalles et bornes des balayages.
type Config struct {
	CaptureRetryInterval time.Duration
	PayoutRetryInterval  time.Duration
	DeadlineInterval     time.Duration
	// Fenêtre de grâce avant qu'une capture en échec soit candidate.
	CaptureGrace time.Duration
	// Délai au-delà duquel un versement sans confirmation est relancé.
	PayoutGrace time.Duration
	// Bornes de tentatives avant passage en échec définitif.
	MaxCaptureAttempts int
	MaxPayoutAttempts  int
}

// DefaultConfig reflète les valeurs d'environnement par défaut.
func DefaultConfig() Config {
	return Config{
		CaptureRetryInterval: 5 * time.Minute,
		PayoutRetryInterval:  5 * time.Minute,
		DeadlineInterval:     time.Hour,
		CaptureGrace:         10 * time.Minute,
		PayoutGrace:          30 * time.Minute,
		MaxCaptureAttempts:   3,
		MaxPayoutAttempts:    3,
	}
}

// Scheduler exécute les trois balayages sur tickers, concurremment au
// service HTTP. Aucune coordination en mémoire: tout passe par l'état
// persisté, le déploiement multi-instance reste possible.
type Scheduler struct {
	cfg      Config
	db       *gorm.DB
	escrow   *services.EscrowService
	payout   *services.PayoutService
	notifier *services.Notifier
	logger   *zap.Logger
}

func New(cfg Config, db *gorm.DB, escrow *services.EscrowService, payout *services.PayoutService, notifier *services.Notifier, logger *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, db: db, escrow: escrow, payout: payout, notifier: notifier, logger: logger}
}

// Run démarre les boucles et bloque jusqu'à annulation du contexte.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, "capture_retry", s.cfg.CaptureRetryInterval, s.CaptureRetrySweep)
	go s.loop(ctx, "payout_retry", s.cfg.PayoutRetryInterval, s.PayoutRetrySweep)
	go s.loop(ctx, "deadline_reminder", s.cfg.DeadlineInterval, s.DeadlineReminderSweep)
	<-ctx.Done()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("scheduler loop started",
		zap.String("sweep", name),
		zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped", zap.String("sweep", name))
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// CaptureRetrySweep relance les tranches FUNDS_HELD dont une capture a
// échoué et dont la fenêtre de grâce est écoulée.
func (s *Scheduler) CaptureRetrySweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.CaptureGrace)
	var tranches []models.PaymentTranche
	err := s.db.WithContext(ctx).
		Where("statut = ? AND capture_attempts >= 1 AND last_capture_at < ?",
			models.TrancheFundsHeld, cutoff).
		Order("id asc").
		Find(&tranches).Error
	if err != nil {
		s.logger.Error("capture retry sweep query failed", zap.Error(err))
		return
	}
	for _, t := range tranches {
		if err := s.escrow.RetryCapture(ctx, t.ID, s.cfg.MaxCaptureAttempts); err != nil {
			s.logger.Error("capture retry failed",
				zap.Uint("tranche_id", t.ID), zap.Error(err))
		}
	}
	if len(tranches) > 0 {
		s.logger.Info("capture retry sweep done", zap.Int("candidates", len(tranches)))
	}
}

// PayoutRetrySweep relance les demandes requested jamais parties et les
// demandes processing restées sans confirmation du rail.
func (s *Scheduler) PayoutRetrySweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PayoutGrace)
	var requests []models.WithdrawalRequest
	err := s.db.WithContext(ctx).
		Where("statut IN ? AND updated_at < ?",
			[]string{models.WithdrawalRequested, models.WithdrawalProcessing}, cutoff).
		Order("id asc").
		Find(&requests).Error
	if err != nil {
		s.logger.Error("payout retry sweep query failed", zap.Error(err))
		return
	}
	for _, r := range requests {
		if err := s.payout.RetryPayout(ctx, r.ID, s.cfg.MaxPayoutAttempts); err != nil {
			s.logger.Error("payout retry failed",
				zap.Uint("withdrawal_id", r.ID), zap.Error(err))
		}
	}
	if len(requests) > 0 {
		s.logger.Info("payout retry sweep done", zap.Int("candidates", len(requests)))
	}
}

// DeadlineReminderSweep prévient le freelance quand l'échéance de
// livraison d'une mission tombe sous 48 heures. Lecture seule sur le
// registre des tranches; au plus un rappel par mission par 24 heures.
func (s *Scheduler) DeadlineReminderSweep(ctx context.Context) {
	now := time.Now()
	horizon := now.Add(48 * time.Hour)
	var missions []models.Mission
	err := s.db.WithContext(ctx).
		Where("deadline IS NOT NULL AND deadline > ? AND deadline <= ?", now, horizon).
		Where("statut IN ?", []string{models.MissionOpen, models.MissionInProgress}).
		Where("freelance_id IS NOT NULL").
		Find(&missions).Error
	if err != nil {
		s.logger.Error("deadline reminder sweep query failed", zap.Error(err))
		return
	}
	for _, m := range missions {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Notification{}).
			Where("user_id = ? AND type = ? AND ref_type = ? AND ref_id = ? AND created_at > ?",
				*m.FreelanceID, models.NotifDeadlineReminder, "Mission", m.ID, now.Add(-24*time.Hour)).
			Count(&count).Error
		if err != nil {
			s.logger.Error("deadline reminder dedup query failed",
				zap.Uint("mission_id", m.ID), zap.Error(err))
			continue
		}
		if count > 0 {
			continue
		}
		s.notifier.Notify(*m.FreelanceID, models.NotifDeadlineReminder, "Mission", m.ID,
			"L'échéance de la mission "+m.Titre+" est dans moins de 48 heures.")
	}
}
