package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexuscore/agentengine/internal/observability"
)

type stubSigner struct {
	address        string
	erc8128Headers map[string]string
	x402Payload    []byte
	err            error
}

func (s *stubSigner) Address() string { return s.address }

func (s *stubSigner) SignX402Payment(_ context.Context, _ PaymentRequirement) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.x402Payload, nil
}

func (s *stubSigner) SignERC8128(_ context.Context, _, _ string, _ []byte) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.erc8128Headers, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{})
}

func TestDoCustomEndpoint_PassesThroughUnmodified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Fatal("expected no Authorization header in custom endpoint mode")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.Client(), nil, testLogger(), Config{Mode: ModeCustomEndpoint})
	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	resp, info, err := client.Do(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if info != nil {
		t.Fatal("expected no payment info in custom endpoint mode")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestDoCredits_SessionTokenSucceeds(t *testing.T) {
	var sawToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/credits/session" {
			_ = json.NewEncoder(w).Encode(creditsSessionResponse{Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour).Unix()})
			return
		}
		sawToken = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	signer := &stubSigner{address: "0xabc"}
	cache := NewSessionCache(srv.Client(), signer, testLogger())
	client := New(srv.Client(), signer, testLogger(), Config{Mode: ModeCredits, CreditsSession: cache})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/infer", nil)
	resp, info, err := client.Do(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if info != nil {
		t.Fatal("credits mode never returns x402 payment info")
	}
	if sawToken != "Bearer tok-1" {
		t.Fatalf("expected bearer token attached, got %q", sawToken)
	}
}

func TestDoCredits_InvalidatesAndRetriesOn401(t *testing.T) {
	sessionCalls := 0
	var tokensSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/credits/session" {
			sessionCalls++
			tok := "tok-" + string(rune('0'+sessionCalls))
			_ = json.NewEncoder(w).Encode(creditsSessionResponse{Token: tok, ExpiresAt: time.Now().Add(time.Hour).Unix()})
			return
		}
		auth := r.Header.Get("Authorization")
		tokensSeen = append(tokensSeen, auth)
		if auth == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	signer := &stubSigner{address: "0xabc"}
	cache := NewSessionCache(srv.Client(), signer, testLogger())
	client := New(srv.Client(), signer, testLogger(), Config{Mode: ModeCredits, CreditsSession: cache})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/infer", nil)
	resp, _, err := client.Do(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual success, got %d", resp.StatusCode)
	}
	if sessionCalls != 2 {
		t.Fatalf("expected session re-established once after 401, got %d calls", sessionCalls)
	}
	if len(tokensSeen) != 2 || tokensSeen[1] != "Bearer tok-2" {
		t.Fatalf("unexpected token sequence: %v", tokensSeen)
	}
}

func TestDoCredits_FailsWithInsufficientCreditsOn402(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := New(srv.Client(), nil, testLogger(), Config{Mode: ModeCredits})
	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	_, _, err := client.Do(context.Background(), req, nil)
	if observability.KindOf(err) != observability.KindInsufficientCredits {
		t.Fatalf("expected InsufficientCredits, got %v", err)
	}
}

func TestDoX402_SignsAndRetriesOn402(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("X-PAYMENT") == "" {
			pr := PaymentRequired{Accepts: []PaymentRequirement{{Asset: "USDC", PayTo: "0xdef", MaxAmountRequired: "1000000", Scheme: "exact", Network: "base"}}}
			body, _ := json.Marshal(pr)
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(body)
			return
		}
		w.Header().Set("x-transaction-hash", "0xhash")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	signer := &stubSigner{address: "0xabc", x402Payload: []byte(`{"signature":"sig"}`)}
	client := New(srv.Client(), signer, testLogger(), Config{Mode: ModeX402, AssetLimits: AssetLimits{"USDC": 2000000}})

	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	resp, info, err := client.Do(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if calls != 2 {
		t.Fatalf("expected initial + paid retry, got %d calls", calls)
	}
	if info == nil || info.TxHash != "0xhash" {
		t.Fatalf("expected payment info with tx hash, got %+v", info)
	}
}

func TestDoX402_RejectsAmountAboveLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr := PaymentRequired{Accepts: []PaymentRequirement{{Asset: "USDC", MaxAmountRequired: "5000000"}}}
		body, _ := json.Marshal(pr)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	signer := &stubSigner{address: "0xabc"}
	client := New(srv.Client(), signer, testLogger(), Config{Mode: ModeX402, AssetLimits: AssetLimits{"USDC": 1000000}})

	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	_, _, err := client.Do(context.Background(), req, nil)
	if observability.KindOf(err) != observability.KindPaymentRequired {
		t.Fatalf("expected PaymentRequired, got %v", err)
	}
}

func TestParsePaymentRequiredHeader_RoundTrips(t *testing.T) {
	pr := PaymentRequired{Accepts: []PaymentRequirement{{Asset: "USDC", MaxAmountRequired: "100"}}}
	raw, _ := json.Marshal(pr)
	encoded := base64.StdEncoding.EncodeToString(raw)

	decoded, err := ParsePaymentRequiredHeader(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if decoded.Accepts[0].Asset != "USDC" {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}

func TestTokenExpiry_ReadsJWTExpClaim(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got := tokenExpiry(signed)
	if !got.Equal(exp) {
		t.Fatalf("expected %v, got %v", exp, got)
	}
}
