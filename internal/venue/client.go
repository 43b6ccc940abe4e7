// Package venue implements the per-DEX HTTP client.
//
// Every configured venue speaks the same wire:
//   - GET  /quote?fromToken&toToken&amount — price a swap, 404 = unknown pair
//   - POST /swap  {fromToken,toToken,amount,minOutput} — execute, 400 = validation
//   - GET  /token/{address} — token metadata
//
// Every call enforces a 30s total deadline. Transport errors, 5xx, and 429
// are retried up to 3 attempts with linear back-off (1s × attempt); other
// 4xx are returned immediately. A per-venue token bucket smooths the
// aggregator's fan-out.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/GoYakushev/notlike/pkg/types"
)

// Sentinel errors mapped from venue HTTP statuses. The aggregator
// enumerates these per venue; they never reach users raw.
var (
	ErrPairNotFound = errors.New("pair not found on venue")
	ErrUnauthorized = errors.New("venue rejected credentials")
)

const (
	callTimeout = 30 * time.Second
	maxAttempts = 3
)

// Client talks to a single DEX venue on a single network.
type Client struct {
	network types.Network
	name    string
	http    *resty.Client
	rl      *TokenBucket
	logger  *slog.Logger
}

// New creates a venue client with retry and rate limiting.
func New(network types.Network, name, baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(callTimeout).
		SetRetryCount(maxAttempts - 1).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			attempt := 1
			if resp != nil && resp.Request != nil {
				attempt = resp.Request.Attempt
			}
			return time.Duration(attempt) * time.Second, nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		network: network,
		name:    name,
		http:    httpClient,
		rl:      NewTokenBucket(20, 10),
		logger:  logger.With("component", "venue", "venue", name, "network", string(network)),
	}
}

// Name returns the venue identifier used for ranking and metrics.
func (c *Client) Name() string { return c.name }

// Network returns the chain this client is configured for.
func (c *Client) Network() types.Network { return c.network }

type quoteResponse struct {
	OutputAmount string   `json:"outputAmount"`
	Route        []string `json:"route"`
	PriceImpact  float64  `json:"priceImpact,omitempty"`
}

type swapRequest struct {
	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`
	Amount    string `json:"amount"`
	MinOutput string `json:"minOutput"`
}

type swapResponse struct {
	TxHash       string `json:"txHash"`
	OutputAmount string `json:"outputAmount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Quote prices a swap of amount fromToken into toToken.
func (c *Client) Quote(ctx context.Context, fromToken, toToken string, amount string) (*types.Quote, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fromToken": fromToken,
			"toToken":   toToken,
			"amount":    amount,
		}).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("%s quote: %w", c.name, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s quote %s/%s: %w", c.name, fromToken, toToken, ErrPairNotFound)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%s quote: %w", c.name, ErrUnauthorized)
	default:
		return nil, fmt.Errorf("%s quote: status %d: %s", c.name, resp.StatusCode(), resp.String())
	}

	in, err := types.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	out, err := types.ParseAmount(result.OutputAmount)
	if err != nil {
		return nil, fmt.Errorf("%s quote: bad outputAmount %q", c.name, result.OutputAmount)
	}

	return &types.Quote{
		Venue:        c.name,
		Network:      c.network,
		InputAmount:  in,
		OutputAmount: out,
		Route:        result.Route,
		Timestamp:    time.Now(),
	}, nil
}

// Swap executes a swap with a minimum acceptable output. The venue's 400
// carries an {error} body; it is surfaced verbatim and never retried.
func (c *Client) Swap(ctx context.Context, fromToken, toToken, amount, minOutput string) (*types.SwapResult, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result swapResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(swapRequest{
			FromToken: fromToken,
			ToToken:   toToken,
			Amount:    amount,
			MinOutput: minOutput,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("%s swap: %w", c.name, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, types.Validationf("%s swap rejected: %s", c.name, apiErr.Error)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%s swap: %w", c.name, ErrUnauthorized)
	default:
		return nil, fmt.Errorf("%s swap: status %d: %s", c.name, resp.StatusCode(), resp.String())
	}

	out, err := types.ParseAmount(result.OutputAmount)
	if err != nil {
		return nil, fmt.Errorf("%s swap: bad outputAmount %q", c.name, result.OutputAmount)
	}

	c.logger.Info("swap executed", "tx", result.TxHash, "out", out.String())

	return &types.SwapResult{
		Venue:        c.name,
		TxHash:       result.TxHash,
		OutputAmount: out,
	}, nil
}

// TokenInfo fetches metadata for a token address.
func (c *Client) TokenInfo(ctx context.Context, address string) (*types.TokenInfo, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.TokenInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/token/" + address)
	if err != nil {
		return nil, fmt.Errorf("%s token info: %w", c.name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, types.NotFoundf("token %s on %s", address, c.name)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s token info: status %d: %s", c.name, resp.StatusCode(), resp.String())
	}
	return &result, nil
}
