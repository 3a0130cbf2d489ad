package polymarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/candlebot/internal/crypto"
	"github.com/alanyoungcy/candlebot/internal/domain"
)

// Balance asset types accepted by the balance-allowance endpoint.
const (
	AssetTypeCollateral  = "COLLATERAL"
	AssetTypeConditional = "CONDITIONAL"
)

// zeroAddress is the null taker for open orders.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order signing, placement, cancellation,
// balance queries, and price history.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	sigType    int
	funder     string // maker address (Safe address for sigType 2, EOA otherwise)

	limiter       domain.RateLimiter
	limitPerSec   int
	limiterWindow time.Duration
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// funder is the address holding funds: the Safe address for signature type 2,
// otherwise the signer's own address.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth, sigType int, funder string) *ClobClient {
	if funder == "" && signer != nil {
		funder = signer.Address().Hex()
	}
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
		sigType:  sigType,
		funder:   funder,
	}
}

// BuildOrder converts a price/size/side triple into a signed CLOB order
// payload. Amounts are expressed in 6-decimal base units: a BUY makes
// collateral and takes outcome tokens, a SELL the reverse.
func (c *ClobClient) BuildOrder(tokenID string, side domain.OrderSide, price, size float64) (crypto.OrderPayload, error) {
	if c.signer == nil {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: no signer configured")
	}
	if price <= 0 || price >= 1 {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: price %.4f out of (0,1)", domain.ErrInvalidOrder, price)
	}
	if size <= 0 {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: size %.4f", domain.ErrInvalidOrder, size)
	}

	tokenUnits := int64(math.Round(size * 1e6))
	collateralUnits := int64(math.Round(price * size * 1e6))

	var makerAmt, takerAmt int64
	var sideNum int
	switch side {
	case domain.OrderSideBuy:
		makerAmt, takerAmt, sideNum = collateralUnits, tokenUnits, 0
	case domain.OrderSideSell:
		makerAmt, takerAmt, sideNum = tokenUnits, collateralUnits, 1
	default:
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: side %q", domain.ErrInvalidOrder, side)
	}

	salt, err := randomSalt()
	if err != nil {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: salt: %w", err)
	}

	payload := crypto.OrderPayload{
		Salt:          salt,
		Maker:         c.funder,
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   strconv.FormatInt(makerAmt, 10),
		TakerAmount:   strconv.FormatInt(takerAmt, 10),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideNum,
		SignatureType: c.sigType,
	}

	return payload, nil
}

// PostOrder signs and submits an order payload to the CLOB API.
func (c *ClobClient) PostOrder(ctx context.Context, payload crypto.OrderPayload, orderType domain.OrderType) (domain.OrderResult, error) {
	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          sideString(payload.Side),
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     c.hmacKey(),
		"orderType": string(orderType),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := apiResult.ToDomainOrderResult()
	if !result.Success {
		return result, fmt.Errorf("polymarket/clob: order rejected: %w", classifyOrderError(apiResult.ErrorMsg))
	}

	return result, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{
		"orderID": orderID,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Canceled []string `json:"canceled"`
		Success  bool     `json:"success"`
		ErrorMsg string   `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success && len(result.Canceled) == 0 {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}

	return nil
}

// CancelAll cancels all open orders for the authenticated wallet.
func (c *ClobClient) CancelAll(ctx context.Context) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel-all response: %w", err)
	}
	if !result.Success && result.ErrorMsg != "" {
		return fmt.Errorf("polymarket/clob: cancel-all failed: %s", result.ErrorMsg)
	}

	return nil
}

// GetOrder retrieves a single order by ID.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	path := fmt.Sprintf("/data/order/%s", orderID)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}

	return apiOrder.ToDomainOrder(), nil
}

// GetOpenOrders returns all open orders for the authenticated wallet.
func (c *ClobClient) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get open orders: %w", err)
	}

	var apiOrders []APIOrder
	if err := json.Unmarshal(respBody, &apiOrders); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(apiOrders))
	for i := range apiOrders {
		orders = append(orders, apiOrders[i].ToDomainOrder())
	}

	return orders, nil
}

// PlaceOrder builds, signs, and submits a limit order in one step.
func (c *ClobClient) PlaceOrder(ctx context.Context, tokenID string, side domain.OrderSide, price, size float64, orderType domain.OrderType) (domain.OrderResult, error) {
	payload, err := c.BuildOrder(tokenID, side, price, size)
	if err != nil {
		return domain.OrderResult{}, err
	}
	return c.PostOrder(ctx, payload, orderType)
}

// GetBalance returns the wallet balance for the given asset as reported by
// the exchange, without unit normalization. assetType is AssetTypeCollateral
// (USDC) or AssetTypeConditional (an outcome token, in which case tokenID is
// required).
func (c *ClobClient) GetBalance(ctx context.Context, assetType, tokenID string) (float64, error) {
	params := url.Values{}
	params.Set("asset_type", assetType)
	params.Set("signature_type", strconv.Itoa(c.sigType))
	if assetType == AssetTypeConditional {
		params.Set("token_id", tokenID)
	}
	path := "/balance-allowance?" + params.Encode()

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: get balance: %w", err)
	}

	var bal APIBalanceAllowance
	if err := json.Unmarshal(respBody, &bal); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode balance: %w", err)
	}

	raw, err := strconv.ParseFloat(bal.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: parse balance %q: %w", bal.Balance, err)
	}
	return raw, nil
}

// GetPriceHistory returns price samples for a token between from and to.
// Used as close/open evidence when reconstructing candles.
func (c *ClobClient) GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time) ([]domain.PricePoint, error) {
	params := url.Values{}
	params.Set("market", tokenID)
	params.Set("startTs", strconv.FormatInt(from.Unix(), 10))
	params.Set("endTs", strconv.FormatInt(to.Unix(), 10))
	params.Set("fidelity", "1")
	path := "/prices-history?" + params.Encode()

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: price history: %w", err)
	}

	var hist APIPriceHistory
	if err := json.Unmarshal(respBody, &hist); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode price history: %w", err)
	}

	points := make([]domain.PricePoint, 0, len(hist.History))
	for _, p := range hist.History {
		points = append(points, domain.PricePoint{
			TokenID: tokenID,
			Price:   p.P,
			At:      time.Unix(p.T, 0).UTC(),
		})
	}
	return points, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's hmacAuth
// field.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest sends an HMAC-signed request against the CLOB API.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.doRequest(ctx, method, path, body, true)
}

// SetRateLimiter installs a distributed rate limiter in front of every
// outbound request. limit requests per window are shared across all bot
// instances pointing at the same Redis.
func (c *ClobClient) SetRateLimiter(rl domain.RateLimiter, limit int, window time.Duration) {
	c.limiter = rl
	c.limitPerSec = limit
	c.limiterWindow = window
}

// throttle blocks until the limiter admits the request. Limiter failures are
// fail-open: a Redis outage must not halt trading.
func (c *ClobClient) throttle(ctx context.Context) {
	if c.limiter == nil {
		return
	}
	for {
		allowed, err := c.limiter.Allow(ctx, "clob", c.limitPerSec, c.limiterWindow)
		if err != nil || allowed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// doRequest builds, optionally signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body any, auth bool) ([]byte, error) {
	c.throttle(ctx)

	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth && c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		headers := c.hmacAuth.L2Headers(address, method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", classifyOrderError(bodyStr), bodyStr)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout, http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrUpstreamTimeout, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// classifyOrderError maps the CLOB's stable rejection messages to domain
// sentinels so callers can branch without string matching of their own.
func classifyOrderError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "balance") || strings.Contains(lower, "allowance"):
		return domain.ErrInsufficientBalance
	case strings.Contains(lower, "not accepting") || strings.Contains(lower, "closed") || strings.Contains(lower, "market is paused"):
		return domain.ErrMarketClosed
	default:
		return domain.ErrInvalidOrder
	}
}

// sideString maps the numeric EIP-712 side to the REST side string.
func sideString(side int) string {
	if side == 1 {
		return "SELL"
	}
	return "BUY"
}

// hmacKey returns the API key used as the order owner field.
func (c *ClobClient) hmacKey() string {
	if c.hmacAuth == nil {
		return ""
	}
	return c.hmacAuth.Key
}

// randomSalt returns a random uint64 rendered as a decimal string.
func randomSalt() (string, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return "", err
	}
	return n.String(), nil
}
