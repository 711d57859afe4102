// Package gateway expose une interface uniforme au-dessus des deux rails
// de paiement externes: Flouci (règlement direct) et Paymee (escrow avec
// capture). Les clients sont les seuls points de sortie HTTP du moteur.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/shopspring/decimal"
)

// Erreurs sentinelles du contrat: Unavailable couvre les échecs de
// transport et les 5xx (retentés par les schedulers), Rejected les refus
// de validation du rail (définitifs).
var (
	ErrUnavailable = errors.New("payment gateway unavailable")
	ErrRejected    = errors.New("payment gateway rejected request")
)

// PaymentLink corrèle un paiement distant: token opaque réutilisé pour
// toute la suite des échanges, URL de checkout présentée au client.
type PaymentLink struct {
	Token string
	URL   string
}

// PaymentGateway est le contrat commun aux deux rails.
type PaymentGateway interface {
	// Rail retourne l'identifiant du rail (flouci, paymee).
	Rail() string
	// CreatePaymentLink crée un paiement distant. Idempotent par
	// reference côté rail quand le rail le permet.
	CreatePaymentLink(ctx context.Context, montant decimal.Decimal, devise, reference string) (PaymentLink, error)
	// Capture libère des fonds retenus vers le compte de règlement.
	// No-op en succès pour les rails qui règlent à la création du lien.
	Capture(ctx context.Context, token string) error
	// Payout initie un virement sortant. Asynchrone: la confirmation
	// arrive par webhook ou par le balayage de réconciliation.
	Payout(ctx context.Context, montant decimal.Decimal, devise, beneficiaire, reference string) (string, error)
	// VerifyWebhook authentifie un webhook entrant.
	VerifyWebhook(signature string, body []byte) bool
}

// WebhookVerifier décide de l'authenticité d'un webhook. Le choix entre
// vérification HMAC et mode sandbox est fait à la construction, dans la
// configuration, jamais dans la logique métier.
type WebhookVerifier interface {
	Verify(signature string, body []byte) bool
}

// HMACVerifier vérifie une signature hex HMAC-SHA256 du corps brut.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// TrustAllVerifier accepte tout webhook. Réservé au mode simulation des
// rails sandbox qui ne signent pas leurs callbacks.
type TrustAllVerifier struct{}

func (TrustAllVerifier) Verify(string, []byte) bool { return true }
