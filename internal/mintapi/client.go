// Package mintapi talks to the mint's HTTP API: creating mining-share quotes on
// the mint side and reading quote status on the pool side.
package mintapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/pkg/circuit"
	"github.com/bardlex/ehashpool/pkg/errors"
	"github.com/bardlex/ehashpool/pkg/retry"
)

const quotePath = "/v1/mint/quote/mining_share"

// ErrQuoteNotFound is returned for a 404 on the status endpoint; the mint does
// not know the quote yet.
var ErrQuoteNotFound = errors.New(errors.ErrorTypeMint, "quote_status", "quote not found").NonRetryable()

// Config configures the client
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   *retry.Config
	Breaker *circuit.Config
}

// Client is a mint HTTP API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *retry.Config
	breaker    *circuit.Breaker
}

// New creates a client
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid mint url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.MintAPIConfig()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuit.DefaultConfig()
		cfg.Breaker.Name = "mint_api"
	}

	return &Client{
		baseURL:    base.String(),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      cfg.Retry,
		breaker:    circuit.New(cfg.Breaker),
	}, nil
}

type createQuoteRequest struct {
	Amount      uint64  `json:"amount"`
	Unit        string  `json:"unit"`
	HeaderHash  string  `json:"header_hash"`
	Description *string `json:"description,omitempty"`
	Pubkey      string  `json:"pubkey"`
}

type quoteResponse struct {
	Quote        string  `json:"quote"`
	Amount       *uint64 `json:"amount,omitempty"`
	AmountIssued *uint64 `json:"amount_issued,omitempty"`
	State        string  `json:"state"`
	Expiry       *int64  `json:"expiry,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

func (r *quoteResponse) toDomain(fallbackID string) *cashu.MintQuote {
	q := &cashu.MintQuote{ID: r.Quote, State: cashu.ParseQuoteState(r.State)}
	if q.ID == "" {
		q.ID = fallbackID
	}
	if r.Amount != nil {
		q.Amount = *r.Amount
	}
	if r.AmountIssued != nil {
		q.AmountIssued = *r.AmountIssued
	}
	if r.Expiry != nil {
		q.Expiry = *r.Expiry
	}
	return q
}

// IssueQuote creates a mining-share quote. The POST is not idempotent on the
// mint, so it is sent once: a retry after a lost response would issue a second
// quote for the same share.
func (c *Client) IssueQuote(ctx context.Context, req *cashu.MiningShareQuoteRequest) (*cashu.MintQuote, error) {
	if req.Pubkey == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "issue_quote", "locking key is required")
	}
	body, err := jsoniter.Marshal(&createQuoteRequest{
		Amount:      req.Amount,
		Unit:        req.Unit,
		HeaderHash:  hex.EncodeToString(req.HeaderHash[:]),
		Description: req.Description,
		Pubkey:      hex.EncodeToString(req.Pubkey.SerializeCompressed()),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "issue_quote", "failed to encode request")
	}

	var resp quoteResponse
	if err := c.once(ctx, http.MethodPost, c.baseURL+quotePath, body, &resp); err != nil {
		return nil, err
	}
	if resp.Quote == "" {
		return nil, errors.New(errors.ErrorTypeMint, "issue_quote", "mint returned an empty quote id")
	}

	quote := resp.toDomain("")
	if resp.Amount == nil {
		quote.Amount = req.Amount
	}
	return quote, nil
}

// QuoteStatus reads a quote's state. A 404 yields ErrQuoteNotFound.
func (c *Client) QuoteStatus(ctx context.Context, quoteID string) (*cashu.MintQuote, error) {
	var resp quoteResponse
	endpoint := c.baseURL + quotePath + "/" + url.PathEscape(quoteID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(quoteID), nil
}

// do retries transport failures with backoff. Only for idempotent requests.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.once(ctx, method, endpoint, body, out)
	})
}

// once sends a single request through the breaker
func (c *Client) once(ctx context.Context, method, endpoint string, body []byte, out any) error {
	notFound := false
	err := c.breaker.Execute(ctx, func() error {
		err := c.roundTrip(ctx, method, endpoint, body, out)
		// an unknown quote is an answer, not a mint failure
		if errors.Is(err, ErrQuoteNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if notFound {
		return ErrQuoteNotFound
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "mint_api", "failed to build request").NonRetryable()
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "mint_api", "request failed").
			WithContext("method", method)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "mint_api", "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return ErrQuoteNotFound
	case resp.StatusCode >= 500:
		return errors.New(errors.ErrorTypeNetwork, "mint_api",
			fmt.Sprintf("mint returned %d: %s", resp.StatusCode, errorDetail(data))).
			WithContext("status", resp.StatusCode)
	case resp.StatusCode >= 300:
		return errors.New(errors.ErrorTypeMint, "mint_api", errorDetail(data)).
			WithContext("status", resp.StatusCode)
	}

	if err := jsoniter.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMint, "mint_api", "malformed response body").NonRetryable()
	}
	return nil
}

func errorDetail(data []byte) string {
	var e errorResponse
	if err := jsoniter.Unmarshal(data, &e); err == nil && e.Detail != "" {
		if e.Code != 0 {
			return fmt.Sprintf("%s (code %d)", e.Detail, e.Code)
		}
		return e.Detail
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "empty response"
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// BreakerState exposes the circuit breaker state for health reporting
func (c *Client) BreakerState() circuit.State {
	return c.breaker.GetState()
}
