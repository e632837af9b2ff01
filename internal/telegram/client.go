// Package telegram is the outbound Bot API transport.
//
// It only knows how to issue one method call for one bot token and how to
// translate the API's response shape into typed errors; method selection
// and retry policy live in the dispatch layer.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	logx "tgsender/pkg/logx"
)

const maxResponseSize = 1 << 20 // 1MB; API replies are small JSON

// Result is the subset of a successful send result the dispatcher needs.
type Result struct {
	MessageID int `json:"message_id"`
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"` // seconds
}

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration // only set on 429
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api %d: %s", e.Code, e.Description)
}

// RateLimited reports a 429 with an advisory retry-after window.
func (e *APIError) RateLimited() bool { return e.Code == http.StatusTooManyRequests }

// RecipientUnavailable reports that the recipient cannot be reached at all
// (blocked the bot, deactivated, never started a conversation).
func (e *APIError) RecipientUnavailable() bool { return e.Code == http.StatusForbidden }

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int  // process-local anti-flood in front of the shared limiter
	Breaker    bool // trip after sustained transport failures
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*apiResponse]
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 30
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
	if cfg.Breaker {
		c.breaker = gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
			Name:    "telegram",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 3 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		})
	}
	return c
}

// SetHTTPClient swaps the underlying transport (tests).
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// Call issues one method for one bot token and decodes the result.
// A non-ok response comes back as *APIError.
func (c *Client) Call(ctx context.Context, token, method string, payload any) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	var resp *apiResponse
	var err error
	if c.breaker != nil {
		resp, err = c.breaker.Execute(func() (*apiResponse, error) {
			return c.post(ctx, token, method, payload)
		})
	} else {
		resp, err = c.post(ctx, token, method, payload)
	}
	if err != nil {
		return Result{}, err
	}

	if !resp.OK {
		apiErr := &APIError{Code: resp.ErrorCode, Description: resp.Description}
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		return Result{}, apiErr
	}

	var res Result
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return Result{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, token, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		// Never echo the URL: it embeds the bot token.
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("telegram %s: status %d, undecodable body", method, httpResp.StatusCode)
	}
	return &resp, nil
}

// MaskToken redacts the secret part of a bot token for logs and events.
func MaskToken(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i] + ":***"
	}
	if len(token) > 6 {
		return token[:6] + "***"
	}
	return "***"
}
