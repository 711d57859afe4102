package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/auth"
	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/models"
	"github.com/freelanci/escrow-engine/internal/services"
)

func setupRouter(t *testing.T) (http.Handler, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Mission{}, &models.Livrable{},
		&models.PaymentTranche{}, &models.WithdrawalMethod{}, &models.WithdrawalRequest{},
		&models.Notification{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := zap.NewNop()
	verifier := gateway.TrustAllVerifier{}
	flouci := gateway.NewFlouciGateway(gateway.FlouciConfig{BaseURL: "http://unused"}, verifier, logger)
	paymee := gateway.NewPaymeeGateway(gateway.PaymeeConfig{BaseURL: "http://unused"}, verifier, logger)
	notifier := services.NewNotifier(db, logger)
	escrow := services.NewEscrowService(db, flouci, paymee, notifier, logger)
	payout := services.NewPayoutService(db, flouci, paymee, notifier, logger)
	handler := New(Deps{
		DB:       db,
		Flouci:   flouci,
		Paymee:   paymee,
		Tranches: services.NewTrancheService(db, logger),
		Escrow:   escrow,
		Payout:   payout,
		Logger:   logger,
	})
	return handler, db
}

func createUser(t *testing.T, db *gorm.DB, email, role string) models.User {
	t.Helper()
	u := models.User{Email: email, Password: "x", Role: role}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("user: %v", err)
	}
	return u
}

// sessionCookie forge un cookie de session signé pour l'utilisateur.
func sessionCookie(u models.User) *http.Cookie {
	rec := httptest.NewRecorder()
	auth.CreateSession(rec, u.ID, u.Role)
	return rec.Result().Cookies()[0]
}

func TestHealthEndpoints(t *testing.T) {
	handler, _ := setupRouter(t)
	for _, path := range []string{"/health", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, rec.Code)
		}
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	handler, _ := setupRouter(t)
	paths := []string{
		"/missions/tranches",
		"/tranches/init-paiement",
		"/missions/confirm-close",
		"/livrables/valider",
		"/withdrawals",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", path, rec.Code)
		}
	}
}

func TestStaleSessionRejected(t *testing.T) {
	handler, db := setupRouter(t)
	u := createUser(t, db, "ghost@test", models.RoleClient)
	cookie := sessionCookie(u)
	if err := db.Delete(&models.User{}, u.ID).Error; err != nil {
		t.Fatalf("delete user: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/missions/tranches?mission_id=1", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for deleted user got %d", rec.Code)
	}
}

func TestWithdrawalRoutesRejectClients(t *testing.T) {
	handler, db := setupRouter(t)
	client := createUser(t, db, "client@test", models.RoleClient)
	cookie := sessionCookie(client)

	for _, path := range []string{"/withdrawal-methods", "/withdrawals", "/withdrawals/balance"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for client role got %d", path, rec.Code)
		}
	}
}

func TestWithdrawalBalanceForFreelance(t *testing.T) {
	handler, db := setupRouter(t)
	worker := createUser(t, db, "free@test", models.RoleFreelance)
	cookie := sessionCookie(worker)

	req := httptest.NewRequest(http.MethodGet, "/withdrawals/balance", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "0") {
		t.Fatalf("expected zero balance payload got %s", rec.Body.String())
	}
}

func TestTrancheLifecycleOverHTTP(t *testing.T) {
	handler, db := setupRouter(t)
	client := createUser(t, db, "client@test", models.RoleClient)
	worker := createUser(t, db, "free@test", models.RoleFreelance)
	mission := models.Mission{
		Titre: "App mobile", ClientID: client.ID, FreelanceID: &worker.ID,
		Statut: models.MissionInProgress, ClosurePolicy: models.ClosureBilateral,
		PaymentMode: models.PaymentModeDirect,
		ContractTotalAmount: decimal.NewFromInt(3000), Devise: "TND",
	}
	if err := db.Create(&mission).Error; err != nil {
		t.Fatalf("mission: %v", err)
	}
	cookie := sessionCookie(client)

	body := `{"ordre":1,"titre":"Acompte","montant_brut":"1000","commission_plateforme":"100","devise":"TND","required":true}`
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/missions/tranches?mission_id=%d", mission.ID), strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/missions/tranches?mission_id=%d", mission.ID), nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "PENDING_DEPOSIT") {
		t.Fatalf("expected pending tranche in listing: %s", rec.Body.String())
	}

	// le freelance ne peut pas créer de tranche sur la mission du client
	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/missions/tranches?mission_id=%d", mission.ID), strings.NewReader(body))
	req.AddCookie(sessionCookie(worker))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign create: expected 403 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, db := setupRouter(t)
	client := createUser(t, db, "client@test", models.RoleClient)

	req := httptest.NewRequest(http.MethodDelete, "/tranches/cancel", nil)
	req.AddCookie(sessionCookie(client))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow: POST got %q", rec.Header().Get("Allow"))
	}
}
