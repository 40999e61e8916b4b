package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexuscore/agentengine/internal/observability"
)

// creditsSessionResponse is the body of POST <base>/credits/session.
type creditsSessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type cachedSession struct {
	token     string
	expiresAt time.Time
}

// SessionCache caches a Bearer credit-session token per base URL, keyed by
// the signer's wallet address so distinct wallets never share a cached
// token. A per-key mutex serializes session establishment so concurrent
// requests to the same host don't stampede the session endpoint.
type SessionCache struct {
	http   *http.Client
	signer Signer
	log    *observability.Logger

	mu       sync.Mutex
	sessions map[string]*cachedSession
	keyLocks map[string]*sync.Mutex
}

// NewSessionCache constructs a SessionCache. httpClient may be nil to use
// http.DefaultClient.
func NewSessionCache(httpClient *http.Client, signer Signer, log *observability.Logger) *SessionCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SessionCache{
		http:     httpClient,
		signer:   signer,
		log:      log,
		sessions: make(map[string]*cachedSession),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *SessionCache) cacheKey(host string) string {
	return s.signer.Address() + "|" + host
}

func (s *SessionCache) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// GetToken returns a cached token for baseURL if still valid, else
// establishes a new session via an ERC-8128-signed POST to
// <baseURL>/credits/session.
func (s *SessionCache) GetToken(ctx context.Context, baseURL string) (string, error) {
	key := s.cacheKey(baseURL)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cached, ok := s.sessions[key]
	s.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	token, expiresAt, err := s.establishSession(ctx, baseURL)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[key] = &cachedSession{token: token, expiresAt: expiresAt}
	s.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token for baseURL, forcing the next GetToken
// to establish a fresh session.
func (s *SessionCache) Invalidate(baseURL string) {
	key := s.cacheKey(baseURL)
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *SessionCache) establishSession(ctx context.Context, baseURL string) (string, time.Time, error) {
	url := baseURL + "/credits/session"
	headers, err := s.signer.SignERC8128(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, observability.NewError(observability.KindInternal, "failed to sign credits session request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", time.Time{}, observability.NewError(observability.KindInternal, "failed to build credits session request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", time.Time{}, observability.NewError(observability.KindUpstreamUnavailable, "credits session request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, observability.NewError(observability.KindInternal, "failed to read credits session response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, observability.NewError(observability.KindUpstreamUnavailable, "credits session endpoint returned non-200", nil)
	}

	var sessionResp creditsSessionResponse
	if err := json.Unmarshal(body, &sessionResp); err != nil {
		return "", time.Time{}, observability.NewError(observability.KindValidation, "invalid credits session response", err)
	}

	expiresAt := time.Unix(sessionResp.ExpiresAt, 0)
	if sessionResp.ExpiresAt == 0 {
		expiresAt = tokenExpiry(sessionResp.Token)
	}
	return sessionResp.Token, expiresAt, nil
}

// tokenExpiry reads the `exp` claim from the session JWT without verifying
// its signature — the token was just issued to us by the server we're
// about to present it back to, so there's nothing to verify against
// client-side; this only recovers an expiry when the server didn't also
// send expires_at explicitly.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(time.Hour)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		return exp.Time
	}
	return time.Now().Add(time.Hour)
}
