package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newFlouciTestGateway(t *testing.T, handler http.Handler) *FlouciGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewFlouciGateway(FlouciConfig{
		BaseURL:   server.URL,
		AppToken:  "app-token",
		AppSecret: "app-secret",
	}, TrustAllVerifier{}, zap.NewNop())
}

func TestFlouciCreatePaymentLink(t *testing.T) {
	var received flouciPaymentRequest
	gw := newFlouciTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate_payment" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"payment_id": "pay-42",
				"link":       "https://flouci.example/pay-42",
			},
		})
	}))

	link, err := gw.CreatePaymentLink(context.Background(), decimal.NewFromInt(1000), "TND", "ref-1")
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.Token != "pay-42" || link.URL != "https://flouci.example/pay-42" {
		t.Fatalf("unexpected link %+v", link)
	}
	if received.AppToken != "app-token" || received.TrackingID != "ref-1" {
		t.Fatalf("credentials or reference not forwarded: %+v", received)
	}
	if received.Amount != "1000" {
		t.Fatalf("unexpected amount %q", received.Amount)
	}
}

func TestFlouciServerErrorIsUnavailable(t *testing.T) {
	gw := newFlouciTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := gw.CreatePaymentLink(context.Background(), decimal.NewFromInt(10), "TND", "ref-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable got %v", err)
	}
}

func TestFlouciClientErrorIsRejected(t *testing.T) {
	gw := newFlouciTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
	}))
	_, err := gw.CreatePaymentLink(context.Background(), decimal.NewFromInt(-1), "TND", "ref-1")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected got %v", err)
	}
}

func TestFlouciUnreachableIsUnavailable(t *testing.T) {
	gw := NewFlouciGateway(FlouciConfig{
		BaseURL: "http://127.0.0.1:1", // rien n'écoute
	}, TrustAllVerifier{}, zap.NewNop())
	_, err := gw.CreatePaymentLink(context.Background(), decimal.NewFromInt(10), "TND", "ref-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable got %v", err)
	}
}

func TestFlouciCaptureIsNoOp(t *testing.T) {
	// rail direct: aucune requête ne doit partir à la capture
	gw := newFlouciTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("unexpected http call during capture")
	}))
	if err := gw.Capture(context.Background(), "pay-42"); err != nil {
		t.Fatalf("capture: %v", err)
	}
}

func TestFlouciPayout(t *testing.T) {
	gw := newFlouciTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payouts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"payout_id": "out-7"},
		})
	}))
	id, err := gw.Payout(context.Background(), decimal.NewFromInt(500), "TND", "wallet-1", "ref-9")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if id != "out-7" {
		t.Fatalf("unexpected payout id %q", id)
	}
}

func TestFlouciEmptyPaymentIDIsRejected(t *testing.T) {
	gw := newFlouciTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{}})
	}))
	_, err := gw.CreatePaymentLink(context.Background(), decimal.NewFromInt(10), "TND", "ref-1")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected got %v", err)
	}
}

func TestHMACVerifier(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"payment_id":"pay-42","status":"paid"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	v := NewHMACVerifier(secret)
	if !v.Verify(signature, body) {
		t.Fatal("valid signature refused")
	}
	if v.Verify(signature, []byte(`{"payment_id":"pay-42","status":"failed"}`)) {
		t.Fatal("tampered body accepted")
	}
	if v.Verify("", body) {
		t.Fatal("empty signature accepted")
	}
	if v.Verify("deadbeef", body) {
		t.Fatal("wrong signature accepted")
	}
}

func TestTrustAllVerifier(t *testing.T) {
	if !(TrustAllVerifier{}).Verify("", []byte("anything")) {
		t.Fatal("sandbox verifier must accept everything")
	}
}
