// Package client is an HTTP client for the cartfee JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
)

const defaultTimeout = 30 * time.Second

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cartfee: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Quote is a cart calculation result.
type Quote struct {
	Lines     []core.FeeLine  `json:"lines"`
	Total     decimal.Decimal `json:"total"`
	Decisions []core.Decision `json:"decisions,omitempty"`
}

func (c *Client) CreateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error) {
	var out core.FeeRule
	if err := c.do(ctx, http.MethodPost, "/v1/fees", rule, &out); err != nil {
		return core.FeeRule{}, err
	}
	return out, nil
}

func (c *Client) UpdateFeeRule(ctx context.Context, rule core.FeeRule) (core.FeeRule, error) {
	if rule.ID == "" {
		return core.FeeRule{}, errors.New("cartfee: fee rule id is required")
	}
	var out core.FeeRule
	if err := c.do(ctx, http.MethodPut, "/v1/fees/"+url.PathEscape(rule.ID), rule, &out); err != nil {
		return core.FeeRule{}, err
	}
	return out, nil
}

func (c *Client) GetFeeRule(ctx context.Context, id string) (core.FeeRule, error) {
	var out core.FeeRule
	if err := c.do(ctx, http.MethodGet, "/v1/fees/"+url.PathEscape(id), nil, &out); err != nil {
		return core.FeeRule{}, err
	}
	return out, nil
}

func (c *Client) ListFeeRules(ctx context.Context) ([]core.FeeRule, error) {
	var out []core.FeeRule
	if err := c.do(ctx, http.MethodGet, "/v1/fees", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteFeeRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/fees/"+url.PathEscape(id), nil, nil)
}

// Calculate quotes the fees for reqCtx. With explain set the server also
// returns one decision per rule.
func (c *Client) Calculate(ctx context.Context, reqCtx core.RequestContext, explain bool) (Quote, error) {
	path := "/v1/cart/fees"
	if explain {
		path += "?explain=true"
	}
	var out Quote
	if err := c.do(ctx, http.MethodPost, path, reqCtx, &out); err != nil {
		return Quote{}, err
	}
	return out, nil
}

func (c *Client) ListConditions(ctx context.Context) ([]catalog.Group, error) {
	var out []catalog.Group
	if err := c.do(ctx, http.MethodGet, "/v1/conditions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cartfee: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("cartfee: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cartfee: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cartfee: decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} bodies and falls back to raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
