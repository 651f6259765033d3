package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

// ErrModelUnavailable is returned when the scoring model cannot be reached
// or answers with a server error.
var ErrModelUnavailable = errors.New("scoring: model unavailable")

// ModelStrategy delegates scoring to an external model service that
// exposes POST /analyze-wallet.
type ModelStrategy struct {
	baseURL string
	http    *retryablehttp.Client
}

// NewModelStrategy creates a client for the model service at baseURL.
func NewModelStrategy(baseURL string, timeout time.Duration) *ModelStrategy {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &ModelStrategy{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// Name implements Strategy.
func (*ModelStrategy) Name() string { return string(SourceModel) }

type modelRequest struct {
	Address string                      `json:"address"`
	Network string                      `json:"network"`
	Metrics walletmetrics.WalletMetrics `json:"metrics"`
}

type modelResponse struct {
	Score           *float64 `json:"score"`
	RiskLevel       string   `json:"risk_level"`
	Recommendations []string `json:"recommendations"`
}

// Score implements Strategy. The model's score, risk level and
// recommendations are trusted as returned; a missing risk level is derived
// from the score.
func (s *ModelStrategy) Score(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(modelRequest{Address: req.Address, Network: req.Network, Metrics: req.Metrics})
	if err != nil {
		return nil, fmt.Errorf("scoring: encode model request: %w", err)
	}

	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/analyze-wallet", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scoring: build model request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scoring: model returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("scoring: decode model response: %w", err)
	}
	if out.Score == nil {
		return nil, errors.New("scoring: model response has no score")
	}
	score := int(*out.Score)
	if *out.Score < MinScore || *out.Score > MaxScore {
		return nil, fmt.Errorf("scoring: model score %v out of range", *out.Score)
	}

	risk := RiskLevel(strings.ToUpper(out.RiskLevel))
	if !risk.Valid() {
		risk = RiskLevelFor(score)
	}
	recs := out.Recommendations
	if len(recs) > MaxRecommendations {
		recs = recs[:MaxRecommendations]
	}
	if recs == nil {
		recs = []string{}
	}

	return &Result{
		Address:         req.Address,
		Score:           score,
		RiskLevel:       risk,
		Metrics:         req.Metrics,
		Recommendations: recs,
		Source:          SourceModel,
	}, nil
}
