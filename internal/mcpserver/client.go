package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the credit API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Network string // default network for analyses; empty lets the server decide
	Timeout time.Duration
}

// CreditClient is a pure HTTP client for the credit API.
type CreditClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewCreditClient creates a new client for the credit API. Wallet analysis
// waits for the contract write, so the default timeout is generous.
func NewCreditClient(cfg Config) *CreditClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &CreditClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is an error response from the credit API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// doRequest makes an HTTP request and decodes a successful body into out.
func (c *CreditClient) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AnalyzeWallet runs the full analysis for address.
func (c *CreditClient) AnalyzeWallet(ctx context.Context, address, network string) (*Analysis, error) {
	if network == "" {
		network = c.cfg.Network
	}
	body := map[string]string{"address": address}
	if network != "" {
		body["network"] = network
	}
	var out Analysis
	if err := c.doRequest(ctx, http.MethodPost, "/api/analyze-wallet", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetScore returns the stored score for address.
func (c *CreditClient) GetScore(ctx context.Context, address string) (*Score, error) {
	var out Score
	if err := c.doRequest(ctx, http.MethodGet, "/api/score/"+url.PathEscape(address), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLoanOffers returns the offers available at score.
func (c *CreditClient) GetLoanOffers(ctx context.Context, score int) ([]Offer, error) {
	var out struct {
		Offers []Offer `json:"offers"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/loan-offers/"+strconv.Itoa(score), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

// RequestLoan files a loan request for address.
func (c *CreditClient) RequestLoan(ctx context.Context, address string, amount float64, months int) (*Loan, error) {
	body := map[string]any{
		"address":         address,
		"amount":          amount,
		"duration_months": months,
	}
	var out Loan
	if err := c.doRequest(ctx, http.MethodPost, "/api/request-loan", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLoan returns a loan by id.
func (c *CreditClient) GetLoan(ctx context.Context, id uint32) (*Loan, error) {
	var out Loan
	path := "/api/loan/" + strconv.FormatUint(uint64(id), 10)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats returns aggregate statistics over analyzed wallets.
func (c *CreditClient) GetStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.doRequest(ctx, http.MethodGet, "/api/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
