package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/stellarcredit/internal/circuitbreaker"
	"github.com/mbd888/stellarcredit/internal/logging"
	"github.com/mbd888/stellarcredit/internal/metrics"
)

// Strategy computes a score for a request.
type Strategy interface {
	Name() string
	Score(ctx context.Context, req Request) (*Result, error)
}

const modelBreakerKey = "scoring-model"

// Engine selects between a primary strategy (usually the model service)
// and the heuristic fallback. Primary failures are logged and counted but
// never returned: ComputeScore always produces a result.
type Engine struct {
	primary  Strategy
	fallback Strategy
	breaker  *circuitbreaker.Breaker
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBreaker guards the primary strategy with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) EngineOption {
	return func(e *Engine) { e.breaker = b }
}

// WithEngineClock overrides the time source for result timestamps.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithFallback replaces the heuristic fallback.
func WithFallback(s Strategy) EngineOption {
	return func(e *Engine) { e.fallback = s }
}

// NewEngine creates an engine. primary may be nil, in which case every
// score comes from the fallback.
func NewEngine(primary Strategy, opts ...EngineOption) *Engine {
	e := &Engine{
		primary:  primary,
		fallback: HeuristicStrategy{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasPrimary reports whether a primary strategy is configured.
func (e *Engine) HasPrimary() bool {
	return e.primary != nil
}

// ComputeScore scores req. The primary strategy is skipped when the wallet
// has no history or the breaker is open, and any primary error falls back
// to the heuristic.
func (e *Engine) ComputeScore(ctx context.Context, req Request, hasHistory bool) *Result {
	var res *Result

	if e.primary != nil && hasHistory {
		res = e.tryPrimary(ctx, req)
	} else if e.primary != nil {
		metrics.ScoringStrategyTotal.WithLabelValues(e.primary.Name(), "skipped").Inc()
	}

	if res == nil {
		var err error
		res, err = e.fallback.Score(ctx, req)
		if err != nil || res == nil {
			// Only a custom fallback can fail; the heuristic cannot.
			logging.L(ctx).Error("fallback scoring failed, using heuristic", "error", err)
			res, _ = HeuristicStrategy{}.Score(ctx, req)
		}
		metrics.ScoringStrategyTotal.WithLabelValues(e.fallback.Name(), "ok").Inc()
	}

	res.Metrics = req.Metrics
	res.Address = req.Address
	res.AnalysisTimestamp = e.now().UTC()
	metrics.ScoreValues.WithLabelValues(string(res.Source)).Observe(float64(res.Score))
	return res
}

func (e *Engine) tryPrimary(ctx context.Context, req Request) *Result {
	name := e.primary.Name()
	call := func() (*Result, error) { return e.primary.Score(ctx, req) }

	var (
		res *Result
		err error
	)
	if e.breaker != nil {
		err = e.breaker.Execute(modelBreakerKey, func() error {
			var callErr error
			res, callErr = call()
			return callErr
		})
	} else {
		res, err = call()
	}

	log := logging.L(ctx)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.ScoringStrategyTotal.WithLabelValues(name, "skipped").Inc()
		log.Debug("scoring model circuit open, using fallback")
		return nil
	case err != nil:
		metrics.ScoringStrategyTotal.WithLabelValues(name, "error").Inc()
		log.Warn("scoring model failed, using fallback", "error", err)
		return nil
	}

	metrics.ScoringStrategyTotal.WithLabelValues(name, "ok").Inc()
	return res
}
