// Package payment implements the Payment Client (C7): an HTTP client for
// outbound calls that may require an internal credit-session Bearer token,
// per-request ERC-8128-signed headers, or an x402 402-challenge/retry flow.
// Wallet key derivation and on-chain signing themselves are injected via
// Signer; this package never touches private key material directly.
package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/nexuscore/agentengine/internal/observability"
)

// Mode selects which payment protocol a Client speaks for a given base URL.
type Mode string

const (
	// ModeCredits is used for the engine's own inference provider: Bearer
	// session token first, ERC-8128 signed headers second. Never falls
	// through to on-chain x402.
	ModeCredits Mode = "credits"
	// ModeCustomEndpoint passes requests through unmodified (plain API-key
	// auth handled by the caller).
	ModeCustomEndpoint Mode = "custom_endpoint"
	// ModeX402 negotiates on-chain payment via the 402-challenge flow,
	// used by tool-level outbound calls.
	ModeX402 Mode = "x402"
)

// PaymentRequirement is one accepted payment option from a 402 challenge.
type PaymentRequirement struct {
	Scheme             string `json:"scheme"`
	Network            string `json:"network"`
	Asset              string `json:"asset"`
	PayTo              string `json:"pay_to"`
	MaxAmountRequired  string `json:"max_amount_required"`
}

// PaymentRequired is the decoded body (or header payload) of a 402 response.
type PaymentRequired struct {
	Accepts []PaymentRequirement `json:"accepts"`
}

// ParsePaymentRequiredHeader decodes a base64-encoded payment-required
// header value into a PaymentRequired.
func ParsePaymentRequiredHeader(value string) (*PaymentRequired, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, observability.NewError(observability.KindValidation, "invalid payment-required header encoding", err)
	}
	var pr PaymentRequired
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, observability.NewError(observability.KindValidation, "invalid payment-required header payload", err)
	}
	return &pr, nil
}

// PaymentInfo describes a completed or pending payment, surfaced back to
// the dispatcher for a PauseForPayment/PauseForTx transition or for display
// once a payment has succeeded.
type PaymentInfo struct {
	Asset        string
	PayTo        string
	AmountRaw    string
	TxHash       string
}

// Signer performs the cryptographic operations a Client needs without
// owning key material itself — wallet key derivation lives outside this
// package entirely.
type Signer interface {
	// Address returns the signer's wallet address, used for credit-session
	// cache keys and logging.
	Address() string
	// SignX402Payment signs an EIP-712 payment authorization for req and
	// returns the raw (pre-base64) PaymentPayload JSON bytes.
	SignX402Payment(ctx context.Context, req PaymentRequirement) ([]byte, error)
	// SignERC8128 signs an HTTP request per ERC-8128 and returns the
	// headers to attach (content-digest, signature-input, signature).
	SignERC8128(ctx context.Context, method, url string, body []byte) (map[string]string, error)
}

// AssetLimits caps the maximum amount (in the asset's raw integer units,
// compared as decimal strings) a Client will auto-pay per asset in x402
// mode, without needing arbitrary-precision math for amounts that fit in
// an int64.
type AssetLimits map[string]int64

// exceeds reports whether amount (as a decimal string) is above the
// configured limit for asset. No limit configured means no auto-pay.
func (l AssetLimits) exceeds(asset, amount string) bool {
	limit, ok := l[asset]
	if !ok {
		return true
	}
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return true
	}
	return n > limit
}

// Config configures a Client.
type Config struct {
	Mode        Mode
	AssetLimits AssetLimits
	// CreditsSession is consulted in ModeCredits for Bearer-token caching.
	// May be nil, in which case Credits mode skips straight to ERC-8128.
	CreditsSession *SessionCache
}

// Client is the Payment Client.
type Client struct {
	http   *http.Client
	signer Signer
	log    *observability.Logger
	cfg    Config

	mu                 sync.Mutex
	erc8128CreditsHost map[string]bool
}

// New constructs a Client. httpClient may be nil to use http.DefaultClient.
func New(httpClient *http.Client, signer Signer, log *observability.Logger, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:               httpClient,
		signer:             signer,
		log:                log,
		cfg:                cfg,
		erc8128CreditsHost: make(map[string]bool),
	}
}

// Do sends req (whose body, if any, must be fully buffered in bodyBytes so
// it can be replayed across retries) according to the Client's configured
// Mode, handling credit-session/ERC-8128/x402 negotiation transparently.
func (c *Client) Do(ctx context.Context, req *http.Request, bodyBytes []byte) (*http.Response, *PaymentInfo, error) {
	switch c.cfg.Mode {
	case ModeCustomEndpoint:
		return c.doPlain(req, bodyBytes)
	case ModeX402:
		return c.doX402(ctx, req, bodyBytes)
	default:
		return c.doCredits(ctx, req, bodyBytes)
	}
}

func (c *Client) doPlain(req *http.Request, bodyBytes []byte) (*http.Response, *PaymentInfo, error) {
	resp, err := c.send(req, bodyBytes)
	if err != nil {
		return nil, nil, observability.NewError(observability.KindUpstreamUnavailable, "request failed", err)
	}
	return resp, nil, nil
}

func (c *Client) send(req *http.Request, bodyBytes []byte) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if bodyBytes != nil {
		clone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		clone.ContentLength = int64(len(bodyBytes))
	}
	return c.http.Do(clone)
}

func (c *Client) markERC8128Host(host string) {
	c.mu.Lock()
	c.erc8128CreditsHost[host] = true
	c.mu.Unlock()
}

func (c *Client) isKnownERC8128Host(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.erc8128CreditsHost[host]
}

const erc8128CreditsHeader = "x-erc8128-credits"

func hasERC8128CreditsHeader(resp *http.Response) bool {
	return resp.Header.Get(erc8128CreditsHeader) != ""
}

// doCredits implements ModeCredits: Bearer session token first (invalidate
// and retry once on 401), ERC-8128 signed headers second, InsufficientCredits
// otherwise. Never falls through to x402.
func (c *Client) doCredits(ctx context.Context, req *http.Request, bodyBytes []byte) (*http.Response, *PaymentInfo, error) {
	host := req.URL.Scheme + "://" + req.URL.Host

	if c.cfg.CreditsSession != nil {
		resp, err := c.tryCreditsSession(ctx, req, bodyBytes, host)
		if err == nil {
			return resp, nil, nil
		}
		c.log.Warn(ctx, "credits session path failed, trying ERC-8128 fallback", "error", err)
	}

	if c.signer != nil && c.isKnownERC8128Host(host) {
		resp, err := c.trySignedERC8128(ctx, req, bodyBytes)
		if err == nil {
			return resp, nil, nil
		}
	}

	resp, err := c.send(req, bodyBytes)
	if err != nil {
		return nil, nil, observability.NewError(observability.KindUpstreamUnavailable, "request failed", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil, nil
	}

	if c.signer != nil && hasERC8128CreditsHeader(resp) {
		resp.Body.Close()
		c.markERC8128Host(host)
		retryResp, err := c.trySignedERC8128(ctx, req, bodyBytes)
		if err != nil {
			return nil, nil, observability.NewError(observability.KindInsufficientCredits, "insufficient credits after ERC-8128 retry", err)
		}
		return retryResp, nil, nil
	}

	resp.Body.Close()
	return nil, nil, observability.NewError(observability.KindInsufficientCredits, "endpoint returned 402 without ERC-8128 credits support", nil)
}

func (c *Client) tryCreditsSession(ctx context.Context, req *http.Request, bodyBytes []byte, host string) (*http.Response, error) {
	token, err := c.cfg.CreditsSession.GetToken(ctx, host)
	if err != nil {
		return nil, err
	}

	attempt := func(tok string) (*http.Response, error) {
		clone := req.Clone(ctx)
		clone.Header.Set("Authorization", "Bearer "+tok)
		return c.send(clone, bodyBytes)
	}

	resp, err := attempt(token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.cfg.CreditsSession.Invalidate(host)
		token, err = c.cfg.CreditsSession.GetToken(ctx, host)
		if err != nil {
			return nil, err
		}
		resp, err = attempt(token)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		resp.Body.Close()
		return nil, observability.NewError(observability.KindInsufficientCredits, "credits session exhausted", nil)
	}
	return resp, nil
}

func (c *Client) trySignedERC8128(ctx context.Context, req *http.Request, bodyBytes []byte) (*http.Response, error) {
	headers, err := c.signer.SignERC8128(ctx, req.Method, req.URL.String(), bodyBytes)
	if err != nil {
		return nil, err
	}
	clone := req.Clone(ctx)
	for k, v := range headers {
		clone.Header.Set(k, v)
	}
	resp, err := c.send(clone, bodyBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		resp.Body.Close()
		return nil, observability.NewError(observability.KindInsufficientCredits, "ERC-8128 signed request still got 402", nil)
	}
	return resp, nil
}

// doX402 implements ModeX402: send unpaid, on 402 parse the payment
// requirement, enforce AssetLimits, sign, retry with X-PAYMENT, and surface
// any transaction hash the paid response carries.
func (c *Client) doX402(ctx context.Context, req *http.Request, bodyBytes []byte) (*http.Response, *PaymentInfo, error) {
	resp, err := c.send(req, bodyBytes)
	if err != nil {
		return nil, nil, observability.NewError(observability.KindUpstreamUnavailable, "request failed", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil, nil
	}
	defer resp.Body.Close()

	pr, err := parsePaymentRequired(resp)
	if err != nil {
		return nil, nil, err
	}
	if len(pr.Accepts) == 0 {
		return nil, nil, observability.Validation("402 response carried no payment options")
	}
	requirement := pr.Accepts[0]

	if c.cfg.AssetLimits.exceeds(requirement.Asset, requirement.MaxAmountRequired) {
		return nil, nil, observability.NewError(observability.KindPaymentRequired, "payment amount exceeds configured limit for asset "+requirement.Asset, nil)
	}
	if c.signer == nil {
		return nil, nil, observability.NewError(observability.KindPaymentRequired, "x402 payment required but no signer configured", nil)
	}

	payload, err := c.signer.SignX402Payment(ctx, requirement)
	if err != nil {
		return nil, nil, observability.NewError(observability.KindInternal, "failed to sign x402 payment", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	retry := req.Clone(ctx)
	retry.Header.Set("X-PAYMENT", encoded)
	paidResp, err := c.send(retry, bodyBytes)
	if err != nil {
		return nil, nil, observability.NewError(observability.KindUpstreamUnavailable, "paid retry failed", err)
	}

	info := &PaymentInfo{
		Asset:     requirement.Asset,
		PayTo:     requirement.PayTo,
		AmountRaw: requirement.MaxAmountRequired,
	}
	if txHash := paidResp.Header.Get("x-transaction-hash"); txHash != "" {
		info.TxHash = txHash
	} else if txHash := paidResp.Header.Get("x-payment-transaction"); txHash != "" {
		info.TxHash = txHash
	}

	return paidResp, info, nil
}

func parsePaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if header := resp.Header.Get("payment-required"); header != "" {
		return ParsePaymentRequiredHeader(header)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, observability.NewError(observability.KindInternal, "failed to read 402 response body", err)
	}
	var pr PaymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, observability.NewError(observability.KindValidation, "failed to parse 402 response body", err)
	}
	return &pr, nil
}
