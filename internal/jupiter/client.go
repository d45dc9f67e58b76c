package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownToken = errors.New("token is not in the registry")
	ErrNoRoute      = errors.New("no route available for the pair")
	ErrStaleQuote   = errors.New("quote has expired")
)

const (
	defaultTimeout = 30 * time.Second
	priceCacheTTL  = time.Minute
	// quoteTTL bounds how long a quote may be reused before the route is
	// considered stale and must be re-fetched.
	quoteTTL = 30 * time.Second
)

// Quote is one priced route from source to destination. Amounts are in base
// units; Raw keeps the full aggregator response for transaction building.
type Quote struct {
	SourceMint     string
	DestMint       string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64
	PriceImpactPct decimal.Decimal
	SlippageBps    int
	FetchedAt      time.Time
	Raw            json.RawMessage
}

// Expired reports whether the quote is too old to submit against.
func (q *Quote) Expired(now time.Time) bool {
	return now.Sub(q.FetchedAt) > quoteTTL
}

// SwapTransaction is an unsigned, base64-encoded transaction built from a quote.
type SwapTransaction struct {
	Transaction          string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Client talks to the Jupiter aggregator quote, swap and price APIs.
type Client struct {
	baseURL    string
	priceURL   string
	httpClient *http.Client
	redis      *redis.Client
	logger     logrus.FieldLogger
}

func NewClient(baseURL, priceURL string, redisClient *redis.Client, logger logrus.FieldLogger) *Client {
	return &Client{
		baseURL:    baseURL,
		priceURL:   priceURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		redis:      redisClient,
		logger:     logger.WithField("service", "jupiter"),
	}
}

type quoteResponse struct {
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
}

// GetQuote fetches the best route for swapping amount base units of the
// source mint. Transient network failures are retried with backoff; a priced
// route with zero output is reported as ErrNoRoute.
func (c *Client) GetQuote(ctx context.Context, sourceMint, destMint string, amount uint64, slippageBps int) (*Quote, error) {
	if amount == 0 {
		return nil, fmt.Errorf("quote amount must be positive")
	}

	params := url.Values{}
	params.Set("inputMint", sourceMint)
	params.Set("outputMint", destMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	body, err := c.getWithRetry(ctx, fmt.Sprintf("%s/quote?%s", c.baseURL, params.Encode()))
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	if resp.OutAmount == "" {
		return nil, fmt.Errorf("quote response missing outAmount: %w", ErrNoRoute)
	}

	outAmount, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid outAmount %q: %w", resp.OutAmount, err)
	}
	if outAmount == 0 {
		return nil, fmt.Errorf("aggregator returned zero output: %w", ErrNoRoute)
	}

	minOut := outAmount
	if resp.OtherAmountThreshold != "" {
		if parsed, err := strconv.ParseUint(resp.OtherAmountThreshold, 10, 64); err == nil {
			minOut = parsed
		}
	}

	impact := decimal.Zero
	if resp.PriceImpactPct != "" {
		if parsed, err := decimal.NewFromString(resp.PriceImpactPct); err == nil {
			impact = parsed
		}
	}

	quote := &Quote{
		SourceMint:     sourceMint,
		DestMint:       destMint,
		InAmount:       amount,
		OutAmount:      outAmount,
		MinOutAmount:   minOut,
		PriceImpactPct: impact,
		SlippageBps:    slippageBps,
		FetchedAt:      time.Now(),
		Raw:            body,
	}

	c.logger.WithFields(logrus.Fields{
		"source_mint": sourceMint,
		"dest_mint":   destMint,
		"in_amount":   amount,
		"out_amount":  outAmount,
		"impact_pct":  impact.String(),
	}).Info("fetched quote")

	return quote, nil
}

// BuildSwapTransaction asks the aggregator to build an unsigned transaction
// for the quote, payable by wallet. Stale quotes are rejected up front so a
// delayed execution never submits against an expired route.
func (c *Client) BuildSwapTransaction(ctx context.Context, wallet string, quote *Quote) (*SwapTransaction, error) {
	if len(wallet) < 32 {
		return nil, fmt.Errorf("invalid wallet address: %s", wallet)
	}
	if quote.Expired(time.Now()) {
		return nil, fmt.Errorf("quote fetched at %s: %w", quote.FetchedAt.Format(time.RFC3339), ErrStaleQuote)
	}

	payload, err := json.Marshal(map[string]any{
		"quoteResponse":                 quote.Raw,
		"userPublicKey":                 wallet,
		"wrapAndUnwrapSol":              true,
		"computeUnitPriceMicroLamports": "auto",
		"dynamicComputeUnitLimit":       true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap request: %w", err)
	}

	body, err := c.postWithRetry(ctx, fmt.Sprintf("%s/swap", c.baseURL), payload)
	if err != nil {
		return nil, err
	}

	var tx SwapTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode swap response: %w", err)
	}
	if tx.Transaction == "" {
		return nil, fmt.Errorf("swap response missing transaction")
	}
	return &tx, nil
}

// GetTokenPrice returns the token's USD price, served from the redis cache
// when a fresh entry exists.
func (c *Client) GetTokenPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	mint, err := ResolveMint(token)
	if err != nil {
		return decimal.Zero, err
	}

	cacheKey := fmt.Sprintf("jupiter_price:%s", mint)
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, cacheKey).Result(); err == nil {
			if price, err := decimal.NewFromString(cached); err == nil {
				return price, nil
			}
		}
	}

	body, err := c.getWithRetry(ctx, fmt.Sprintf("%s/price?ids=%s", c.priceURL, url.QueryEscape(mint)))
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Data map[string]struct {
			Price json.Number `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	entry, ok := resp.Data[mint]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrUnknownToken, token)
	}
	price, err := decimal.NewFromString(entry.Price.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", entry.Price, err)
	}

	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKey, price.String(), priceCacheTTL).Err(); err != nil {
			c.logger.WithError(err).Warn("failed to cache token price")
		}
	}
	return price, nil
}

// ToBaseUnits converts a user-facing amount to base units of the mint.
func ToBaseUnits(amount decimal.Decimal, mint string) (uint64, error) {
	scaled := amount.Shift(MintDecimals(mint))
	if scaled.IsNegative() || !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %s out of range for %s", amount, mint)
	}
	return scaled.BigInt().Uint64(), nil
}

// FromBaseUnits converts base units of the mint to a user-facing amount.
func FromBaseUnits(amount uint64, mint string) decimal.Decimal {
	return decimal.NewFromUint64(amount).Shift(-MintDecimals(mint))
}

func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	return c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
}

func (c *Client) postWithRetry(ctx context.Context, rawURL string, payload []byte) ([]byte, error) {
	return c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// doWithRetry retries timeouts and 5xx responses with exponential backoff.
// 4xx responses are the aggregator's final word and are not retried.
func (c *Client) doWithRetry(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("aggregator request failed: %w", err))
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read aggregator response: %w", err))
		}

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("aggregator server error: %d", resp.StatusCode))
		case resp.StatusCode == http.StatusBadRequest:
			return parseAPIError(body, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("aggregator error: %d: %s", resp.StatusCode, truncate(body, 200))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func parseAPIError(body []byte, status int) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Error != "" {
			msg = apiErr.Error
		} else {
			msg = apiErr.Message
		}
	}
	if msg == "" {
		return fmt.Errorf("aggregator rejected request: %d: %s", status, truncate(body, 200))
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "liquidity") || strings.Contains(lower, "no route") {
		return fmt.Errorf("%s: %w", msg, ErrNoRoute)
	}
	return fmt.Errorf("aggregator rejected request: %s", msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
