package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/freelanci/escrow-engine/auth"
	"github.com/freelanci/escrow-engine/httpx"
	"github.com/freelanci/escrow-engine/internal/gateway"
	"github.com/freelanci/escrow-engine/internal/handlers"
	"github.com/freelanci/escrow-engine/internal/models"
	"github.com/freelanci/escrow-engine/internal/services"
)

// Deps regroupe les dépendances construites au démarrage. Tout est
// injecté explicitement: pas de registre global.
type Deps struct {
	DB       *gorm.DB
	Flouci   gateway.PaymentGateway
	Paymee   gateway.PaymentGateway
	Tranches *services.TrancheService
	Escrow   *services.EscrowService
	Payout   *services.PayoutService
	Logger   *zap.Logger
}

// New constructs the root http.Handler with all routes and middlewares applied.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	// Configure a user verifier so RequireAuth can ensure the user still exists.
	auth.SetUserVerifier(func(_ context.Context, uid uint) bool {
		var count int64
		if err := d.DB.Model(&models.User{}).Where("id = ?", uid).Limit(1).Count(&count).Error; err != nil {
			return false
		}
		return count > 0
	})

	// --- Health endpoints ---
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.DB.Exec("SELECT 1").Error; err != nil {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Webhooks: pas d'authentification de session, la signature du rail
	// fait foi. Toujours 200 une fois l'événement traité ou abandonné.
	wh := handlers.NewWebhookHandler(d.Escrow, d.Flouci, d.Paymee, d.Logger)
	mux.HandleFunc("/webhooks/flouci", onlyMethod(http.MethodPost, wh.HandleFlouci))
	mux.HandleFunc("/webhooks/paymee", onlyMethod(http.MethodPost, wh.HandlePaymee))

	authed := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(auth.RequireAuth(h))
	}

	// Registre des tranches et initiation de paiement
	th := handlers.NewTrancheHandler(d.Tranches, d.Escrow)
	mux.Handle("/missions/tranches", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			th.List(w, r)
		case http.MethodPost:
			th.Create(w, r)
		default:
			w.Header().Set("Allow", "GET,POST")
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
	}))
	mux.Handle("/tranches/init-paiement", authed(onlyMethod(http.MethodPost, th.InitPaiement)))
	mux.Handle("/tranches/init-paiement-direct", authed(onlyMethod(http.MethodPost, th.InitPaiementDirect)))
	mux.Handle("/tranches/cancel", authed(onlyMethod(http.MethodPost, th.Cancel)))
	mux.Handle("/tranches/finale", authed(onlyMethod(http.MethodPost, th.Finale)))
	mux.Handle("/tranches/required", authed(onlyMethod(http.MethodPost, th.Required)))

	// Clôture de mission et validation de livrable
	mh := handlers.NewMissionHandler(d.Tranches, d.Escrow)
	mux.Handle("/missions/confirm-close", authed(onlyMethod(http.MethodPost, mh.ConfirmClose)))
	mux.Handle("/missions/closure-policy", authed(onlyMethod(http.MethodPost, mh.ClosurePolicy)))
	mux.Handle("/missions/contract-total", authed(onlyMethod(http.MethodPost, mh.ContractTotal)))
	mux.Handle("/livrables/valider", authed(onlyMethod(http.MethodPost, mh.ValiderLivrable)))

	// Pipeline de versement, réservé au rôle freelance
	ph := handlers.NewPayoutHandler(d.Payout)
	freelance := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(auth.RequireAuth(auth.RequireRole(models.RoleFreelance, h)))
	}
	mux.Handle("/withdrawal-methods", freelance(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ph.ListMethods(w, r)
		case http.MethodPost:
			ph.AddMethod(w, r)
		default:
			w.Header().Set("Allow", "GET,POST")
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
	}))
	mux.Handle("/withdrawals", freelance(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ph.ListWithdrawals(w, r)
		case http.MethodPost:
			ph.RequestWithdrawal(w, r)
		default:
			w.Header().Set("Allow", "GET,POST")
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
	}))
	mux.Handle("/withdrawals/balance", freelance(onlyMethod(http.MethodGet, ph.Balance)))

	return mux
}

func onlyMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
			return
		}
		h(w, r)
	}
}
