package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/models"
)

// settleTranche règle une tranche directe de bout en bout pour créditer
// le solde du freelance.
func settleTranche(t *testing.T, f *fixture, ordre int, brut, commission int64) {
	t.Helper()
	ctx := context.Background()
	tranche := f.createTranche(t, ordre, brut, commission, false)
	tranche, err := f.escrow.InitPaiementDirect(ctx, tranche.ID, f.client.ID)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.escrow.HandleWebhook(ctx, models.RailFlouci, tranche.PaymentToken, "paid"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
}

func addWalletMethod(t *testing.T, f *fixture) *models.WithdrawalMethod {
	t.Helper()
	method, err := f.payout.AddMethod(context.Background(), f.worker.ID, AddMethodInput{
		Type: models.WithdrawalMethodWallet, WalletID: "wallet-123", Libelle: "Mon wallet",
	})
	if err != nil {
		t.Fatalf("add method: %v", err)
	}
	return method
}

func TestAddMethodValidation(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	ctx := context.Background()
	if _, err := f.payout.AddMethod(ctx, f.worker.ID, AddMethodInput{Type: "cheque"}); err == nil {
		t.Fatal("expected rejection of unknown method type")
	}
	if _, err := f.payout.AddMethod(ctx, f.worker.ID, AddMethodInput{Type: models.WithdrawalMethodBank}); err == nil {
		t.Fatal("expected rejection of bank method without rib")
	}
}

func TestListMethodsScoped(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	addWalletMethod(t, f)
	methods, err := f.payout.ListMethods(context.Background(), f.worker.ID)
	if err != nil || len(methods) != 1 {
		t.Fatalf("expected 1 method, got %d err=%v", len(methods), err)
	}
	other, err := f.payout.ListMethods(context.Background(), f.client.ID)
	if err != nil || len(other) != 0 {
		t.Fatalf("methods leaked across users: %d", len(other))
	}
}

func TestAvailableBalance(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 100) // net 900
	settleTranche(t, f, 2, 500, 0)    // net 500

	balance, err := f.payout.AvailableBalance(context.Background(), f.worker.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(1400)) {
		t.Fatalf("expected 1400 got %s", balance)
	}
}

func TestRequestWithdrawalOverBalance(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 100)
	method := addWalletMethod(t, f)

	_, err := f.payout.RequestWithdrawal(context.Background(), f.worker.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(1000), Devise: "TND",
	})
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError got %v", err)
	}
	if ve.Violations["montant"] != "exceeds_available_balance" {
		t.Fatalf("unexpected violations %v", ve.Violations)
	}
	// aucun enregistrement créé sur rejet de solde
	var count int64
	if err := f.db.Model(&models.WithdrawalRequest{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no withdrawal request, got %d", count)
	}
}

func TestRequestWithdrawalHappyPath(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 100)
	method := addWalletMethod(t, f)

	request, err := f.payout.RequestWithdrawal(context.Background(), f.worker.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(600), Devise: "TND",
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if request.Statut != models.WithdrawalProcessing {
		t.Fatalf("expected processing got %s", request.Statut)
	}
	if request.PayoutID == "" {
		t.Fatal("expected payout id from rail")
	}
	// le montant en cours gèle le solde
	balance, err := f.payout.AvailableBalance(context.Background(), f.worker.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected 300 got %s", balance)
	}
}

func TestRequestWithdrawalSynchronousRejection(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 0)
	method := addWalletMethod(t, f)
	f.direct.payoutErr = fmt.Errorf("invalid wallet: %w", gateway.ErrRejected)

	request, err := f.payout.RequestWithdrawal(context.Background(), f.worker.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(500), Devise: "TND",
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if request.Statut != models.WithdrawalFailed {
		t.Fatalf("expected failed got %s", request.Statut)
	}
	// l'échec libère immédiatement le solde
	balance, err := f.payout.AvailableBalance(context.Background(), f.worker.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000 got %s", balance)
	}
}

func TestRequestWithdrawalGatewayUnavailable(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 0)
	method := addWalletMethod(t, f)
	f.direct.payoutErr = fmt.Errorf("timeout: %w", gateway.ErrUnavailable)

	request, err := f.payout.RequestWithdrawal(context.Background(), f.worker.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(500), Devise: "TND",
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	// en attente du scheduler, pas d'échec dur
	if request.Statut != models.WithdrawalRequested {
		t.Fatalf("expected requested got %s", request.Statut)
	}

	// le rail revient: la relance aboutit sous la même référence
	f.direct.payoutErr = nil
	if err := f.payout.RetryPayout(context.Background(), request.ID, 3); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var reloaded models.WithdrawalRequest
	if err := f.db.First(&reloaded, request.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Statut != models.WithdrawalProcessing {
		t.Fatalf("expected processing got %s", reloaded.Statut)
	}
	if reloaded.PayoutRef != request.PayoutRef {
		t.Fatal("payout reference must not change across retries")
	}
}

func TestRetryPayoutExhaustion(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 0)
	method := addWalletMethod(t, f)
	f.direct.payoutErr = fmt.Errorf("timeout: %w", gateway.ErrUnavailable)

	request, err := f.payout.RequestWithdrawal(context.Background(), f.worker.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(500), Devise: "TND",
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.payout.RetryPayout(context.Background(), request.ID, 3); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	if err := f.payout.RetryPayout(context.Background(), request.ID, 3); err != nil {
		t.Fatalf("final retry: %v", err)
	}
	var reloaded models.WithdrawalRequest
	if err := f.db.First(&reloaded, request.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Statut != models.WithdrawalFailed {
		t.Fatalf("expected failed after exhausted retries got %s", reloaded.Statut)
	}
	// fonds rendus au solde disponible
	balance, err := f.payout.AvailableBalance(context.Background(), f.worker.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000 got %s", balance)
	}
}

func TestPayoutWebhookConfirmation(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 0)
	method := addWalletMethod(t, f)
	ctx := context.Background()

	request, err := f.payout.RequestWithdrawal(ctx, f.worker.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(500), Devise: "TND",
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if err := f.escrow.HandleWebhook(ctx, models.RailFlouci, request.PayoutID, "paid"); err != nil {
		t.Fatalf("payout webhook: %v", err)
	}
	var reloaded models.WithdrawalRequest
	if err := f.db.First(&reloaded, request.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Statut != models.WithdrawalPaid || reloaded.PaidAt == nil {
		t.Fatalf("expected paid got %s", reloaded.Statut)
	}
	// relecture du même webhook: no-op
	if err := f.escrow.HandleWebhook(ctx, models.RailFlouci, request.PayoutID, "paid"); err != nil {
		t.Fatalf("payout webhook replay: %v", err)
	}
}

// Deux demandes simultanées portant chacune sur tout le solde: une
// seule peut passer, le total gelé ne dépasse jamais le disponible.
func TestConcurrentWithdrawalsSingleWinner(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 0)
	method := addWalletMethod(t, f)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.payout.RequestWithdrawal(context.Background(), f.worker.ID, RequestWithdrawalInput{
				MethodID: method.ID, Montant: decimal.NewFromInt(1000), Devise: "TND",
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		default:
			ve, ok := AsValidationError(err)
			if !ok || ve.Violations["montant"] != "exceeds_available_balance" {
				t.Fatalf("unexpected error: %v", err)
			}
			losses++
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected 1 winner and 1 loser, got wins=%d losses=%d", wins, losses)
	}

	var requests []models.WithdrawalRequest
	if err := f.db.Where("freelance_id = ? AND statut <> ?", f.worker.ID, models.WithdrawalFailed).
		Find(&requests).Error; err != nil {
		t.Fatalf("load requests: %v", err)
	}
	frozen := decimal.Zero
	for _, r := range requests {
		frozen = frozen.Add(r.Montant)
	}
	if !frozen.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("frozen total exceeds settled balance: %s", frozen)
	}
}

func TestRequestWithdrawalForeignMethod(t *testing.T) {
	f := newFixture(t, models.PaymentModeDirect)
	settleTranche(t, f, 1, 1000, 0)
	method := addWalletMethod(t, f)
	_, err := f.payout.RequestWithdrawal(context.Background(), f.client.ID, RequestWithdrawalInput{
		MethodID: method.ID, Montant: decimal.NewFromInt(100), Devise: "TND",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}
}
