// Package horizon fetches account state and history from a Stellar
// Horizon server and maps the responses onto typed records.
package horizon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/mbd888/stellarcredit/internal/metrics"
)

var (
	// ErrNotFound is returned when Horizon has no record of the account.
	ErrNotFound = errors.New("horizon: not found")

	// ErrUnavailable is returned when Horizon cannot be reached or answers
	// with a server error after retries.
	ErrUnavailable = errors.New("horizon: service unavailable")
)

// Paging limits of the Horizon API.
const (
	MaxPageLimit     = 200
	DefaultPageLimit = 200
	DefaultMaxPages  = 5
)

// Client talks to one Horizon server.
type Client struct {
	baseURL  string
	http     *retryablehttp.Client
	limiter  *rate.Limiter
	maxPages int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps outbound requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithRetry sets the retry budget for idempotent GETs.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// WithMaxPages caps how many history pages FetchWalletData reads.
func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the time source used for FetchedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for the Horizon server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil
	// Hand the final response back so status codes can be mapped.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     rc,
		maxPages: DefaultMaxPages,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Account loads the current state of an account.
func (c *Client) Account(ctx context.Context, address string) (*Account, error) {
	var raw rawAccount
	if err := c.get(ctx, "account", "/accounts/"+url.PathEscape(address), nil, &raw); err != nil {
		return nil, err
	}
	return raw.toAccount(), nil
}

// PageRequest selects one page of a history endpoint.
type PageRequest struct {
	Cursor string
	Limit  int
	Asc    bool
}

func (p PageRequest) query() url.Values {
	q := url.Values{}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))
	if p.Asc {
		q.Set("order", "asc")
	} else {
		q.Set("order", "desc")
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	// Horizon omits failed transactions unless asked; punctuality needs them.
	q.Set("include_failed", "true")
	return q
}

// Transactions returns one page of the account's transactions. A missing
// account yields an empty page.
func (c *Client) Transactions(ctx context.Context, address string, req PageRequest) (*TransactionPage, error) {
	var raw page[rawTransaction]
	err := c.get(ctx, "transactions", "/accounts/"+url.PathEscape(address)+"/transactions", req.query(), &raw)
	if errors.Is(err, ErrNotFound) {
		return &TransactionPage{Records: []Transaction{}}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &TransactionPage{Records: make([]Transaction, 0, len(raw.Embedded.Records))}
	for _, r := range raw.Embedded.Records {
		out.Records = append(out.Records, r.toTransaction())
	}
	if n := len(out.Records); n > 0 {
		out.NextCursor = out.Records[n-1].PagingToken
	}
	return out, nil
}

// Operations returns one page of the account's operations and the cursor
// for the next page.
func (c *Client) Operations(ctx context.Context, address string, req PageRequest) ([]Operation, string, error) {
	var raw page[rawOperation]
	err := c.get(ctx, "operations", "/accounts/"+url.PathEscape(address)+"/operations", req.query(), &raw)
	if errors.Is(err, ErrNotFound) {
		return []Operation{}, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	ops := make([]Operation, 0, len(raw.Embedded.Records))
	for _, r := range raw.Embedded.Records {
		ops = append(ops, r.toOperation())
	}
	next := ""
	if n := len(ops); n > 0 {
		next = ops[n-1].PagingToken
	}
	return ops, next, nil
}

// FetchWalletData loads the account, its transactions and operations
// newer than since (newest first, paging until the window is covered or
// the page cap is hit), and the account's first transaction.
func (c *Client) FetchWalletData(ctx context.Context, address string, since time.Time) (*WalletData, error) {
	data := &WalletData{
		Address:      address,
		Transactions: []Transaction{},
		Operations:   []Operation{},
		FetchedAt:    c.now().UTC(),
	}

	acc, err := c.Account(ctx, address)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("account not found on ledger", "address", address)
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	data.Exists = true
	data.Account = acc

	cursor := ""
	exhausted := false
	for i := 0; i < c.maxPages; i++ {
		pg, err := c.Transactions(ctx, address, PageRequest{Cursor: cursor, Limit: MaxPageLimit})
		if err != nil {
			return nil, fmt.Errorf("fetch transactions: %w", err)
		}
		data.Transactions = append(data.Transactions, pg.Records...)
		if len(pg.Records) < MaxPageLimit {
			exhausted = true
			break
		}
		if pg.Records[len(pg.Records)-1].CreatedAt.Before(since) {
			break
		}
		if i == c.maxPages-1 {
			data.Truncated = true
		}
		cursor = pg.NextCursor
	}

	cursor = ""
	for i := 0; i < c.maxPages; i++ {
		ops, next, err := c.Operations(ctx, address, PageRequest{Cursor: cursor, Limit: MaxPageLimit})
		if err != nil {
			return nil, fmt.Errorf("fetch operations: %w", err)
		}
		data.Operations = append(data.Operations, ops...)
		if len(ops) < MaxPageLimit || ops[len(ops)-1].CreatedAt.Before(since) {
			break
		}
		if i == c.maxPages-1 {
			data.Truncated = true
		}
		cursor = next
	}

	// Account age needs the very first transaction, which a windowed
	// newest-first fetch may not reach.
	if !exhausted {
		first, err := c.Transactions(ctx, address, PageRequest{Limit: 1, Asc: true})
		if err != nil {
			return nil, fmt.Errorf("fetch first transaction: %w", err)
		}
		if len(first.Records) == 1 {
			data.Oldest = &first.Records[0]
		}
	}

	return data, nil
}

// Ping checks that the server answers its root endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "root", "/", nil, nil)
}

// get performs a GET and decodes the JSON body into out (skipped when nil).
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("horizon: build request: %w", err)
	}
	req.Header.Set("Accept", "application/hal+json, application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.HorizonRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HorizonRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()
	metrics.HorizonRequestsTotal.WithLabelValues(endpoint, metrics.StatusBucket(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, endpoint, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("horizon: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("horizon: decode %s: %w", endpoint, err)
	}
	return nil
}
