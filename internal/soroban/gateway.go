// Package soroban stores and reads credit scores and loans through the
// credit contract. Writes run the full lifecycle (simulate, prepare,
// sign, submit, confirm); reads only simulate.
package soroban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/mbd888/stellarcredit/internal/logging"
	"github.com/mbd888/stellarcredit/internal/metrics"
	"github.com/mbd888/stellarcredit/internal/retry"
	"github.com/mbd888/stellarcredit/internal/syncutil"
	"github.com/mbd888/stellarcredit/internal/traces"
	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

// Contract function names.
const (
	FnStoreScore    = "store_score"
	FnGetScore      = "get_score"
	FnRequestLoan   = "request_loan"
	FnGetLoan       = "get_loan"
	FnGetLoanOffers = "get_loan_offers"
	FnApproveLoan   = "approve_loan"
	FnRejectLoan    = "reject_loan"
)

// Defaults for the confirmation loop: 10 polls 2s apart, about 20s total.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 10
	DefaultSubmitAttempts  = 3
)

// Config for the gateway.
type Config struct {
	ContractID      string
	PollInterval    time.Duration
	MaxPollAttempts int
	SubmitAttempts  int
}

// Gateway is the contract client used by the orchestrator.
type Gateway struct {
	backend Backend
	signer  Signer // nil in read-only mode
	cfg     Config
	clock   Clock
	locks   *syncutil.KeyedMutex
	logger  *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used for polling.
func WithClock(c Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway. A nil signer puts it in read-only mode.
func NewGateway(backend Backend, signer Signer, cfg Config, opts ...Option) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = DefaultSubmitAttempts
	}
	g := &Gateway{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		clock:   SystemClock{},
		locks:   syncutil.NewKeyedMutex(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ReadOnly reports whether writes are disabled.
func (g *Gateway) ReadOnly() bool {
	return g.signer == nil || g.cfg.ContractID == ""
}

// ContractID returns the configured contract.
func (g *Gateway) ContractID() string {
	return g.cfg.ContractID
}

// Health checks the backend.
func (g *Gateway) Health(ctx context.Context) error {
	return g.backend.Health(ctx)
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// StoreScore persists the scaled metrics for address. The contract
// computes its own on-chain score, available through Receipt.Uint32.
func (g *Gateway) StoreScore(ctx context.Context, address string, m walletmetrics.WalletMetrics) (*Receipt, error) {
	if MicroSaturates(m.TotalVolume3M) || MicroSaturates(m.AvgBalance) {
		g.log(ctx).Info("score arguments exceed u32 range, on-chain record is capped",
			"address", address,
			"total_volume_3m", m.TotalVolume3M,
			"avg_balance", m.AvgBalance,
			"cap", UnscaleMicro(math.MaxUint32),
		)
	}
	return g.invoke(ctx, address, FnStoreScore,
		AddressArg(address),
		U32Arg(ScaleMicro(m.TotalVolume3M)),
		U32Arg(ScalePercent(m.PaymentPunctuality)),
		U32Arg(ScaleCount(m.UsageFrequency)),
		U32Arg(ScalePercent(m.DiversificationScore)),
		U32Arg(ScaleMicro(m.AvgBalance)),
	)
}

// GetScore returns the stored score for address, or nil when none exists.
func (g *Gateway) GetScore(ctx context.Context, address string) (*ScoreRecord, error) {
	raw, err := g.query(ctx, FnGetScore, AddressArg(address))
	if isEmptyMarker(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var rec ScoreRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("soroban: decode %s: %w", FnGetScore, err)
	}
	return &rec, nil
}

// RequestLoan asks the contract for a loan of amount (in USDC) and returns
// the new loan id.
func (g *Gateway) RequestLoan(ctx context.Context, borrower string, amount float64, durationMonths uint32) (uint32, *Receipt, error) {
	rcpt, err := g.invoke(ctx, borrower, FnRequestLoan,
		AddressArg(borrower),
		U32Arg(ScaleMicro(amount)),
		U32Arg(durationMonths),
	)
	if err != nil {
		return 0, nil, err
	}
	id, err := rcpt.Uint32()
	if err != nil {
		return 0, rcpt, fmt.Errorf("soroban: decode loan id: %w", err)
	}
	return id, rcpt, nil
}

// GetLoan returns a loan, or nil when the id is unknown.
func (g *Gateway) GetLoan(ctx context.Context, id uint32) (*LoanRecord, error) {
	raw, err := g.query(ctx, FnGetLoan, U32Arg(id))
	if isEmptyMarker(err) || ErrorCode(err) == CodeLoanNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var rec LoanRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("soroban: decode %s: %w", FnGetLoan, err)
	}
	return &rec, nil
}

// GetLoanOffers returns the contract's offers for score. Any contract
// failure, including read-only mode without a contract, falls back to
// OfferSchedule; this method never fails.
func (g *Gateway) GetLoanOffers(ctx context.Context, score int) []LoanOffer {
	if score < 0 {
		score = 0
	}
	raw, err := g.query(ctx, FnGetLoanOffers, U32Arg(uint32(score)))
	if err == nil {
		var tuples [][3]uint32
		if err = json.Unmarshal(raw, &tuples); err == nil {
			return offersFromContract(tuples)
		}
	}
	if !errors.Is(err, ErrNotConfigured) {
		g.log(ctx).Warn("loan offers from contract failed, using local schedule", "score", score, "error", err)
	}
	return OfferSchedule(score)
}

// ApproveLoan marks a PENDING loan APPROVED. Requires the admin key.
func (g *Gateway) ApproveLoan(ctx context.Context, id uint32) (*Receipt, error) {
	return g.invoke(ctx, loanKey(id), FnApproveLoan, U32Arg(id))
}

// RejectLoan marks a PENDING loan REJECTED. Requires the admin key.
func (g *Gateway) RejectLoan(ctx context.Context, id uint32) (*Receipt, error) {
	return g.invoke(ctx, loanKey(id), FnRejectLoan, U32Arg(id))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// invoke runs the write lifecycle while holding the lock for lockKey.
// Every signed write also holds the signer's lock from prepare through
// confirmation: all writes share the signer's sequence number, so two
// writes for different keys must not be prepared concurrently.
func (g *Gateway) invoke(ctx context.Context, lockKey, fn string, args ...Arg) (_ *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "soroban."+fn, traces.ContractFunction(fn))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()
	log := g.log(ctx).With("function", fn)

	unlock, err := g.locks.Lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	g.enter(log, fn, PhaseBuilding)
	if g.cfg.ContractID == "" {
		return nil, fmt.Errorf("%w: no contract id", ErrNotConfigured)
	}
	inv := Invocation{ContractID: g.cfg.ContractID, Function: fn, Args: args}
	if g.signer != nil {
		inv.Source = g.signer.PublicKey()
	}

	g.enter(log, fn, PhaseSimulating)
	sim, err := g.simulate(ctx, inv)
	if err != nil {
		g.enter(log, fn, PhaseFailed)
		return nil, err
	}

	g.enter(log, fn, PhasePreparing)
	if g.signer == nil {
		return nil, fmt.Errorf("%w: no signing key (read-only mode)", ErrNotConfigured)
	}
	unlockSigner, err := g.locks.Lock(ctx, signerKey(inv.Source))
	if err != nil {
		return nil, err
	}
	defer unlockSigner()

	unsigned, err := g.backend.Prepare(ctx, inv, sim)
	if err != nil {
		g.enter(log, fn, PhaseFailed)
		return nil, fmt.Errorf("soroban: prepare %s: %w", fn, err)
	}

	g.enter(log, fn, PhaseSigning)
	signed, err := g.signer.Sign(unsigned)
	if err != nil {
		g.enter(log, fn, PhaseFailed)
		return nil, fmt.Errorf("soroban: sign %s: %w", fn, err)
	}

	g.enter(log, fn, PhaseSubmitting)
	hash, err := g.submit(ctx, fn, signed)
	if err != nil {
		g.enter(log, fn, PhaseFailed)
		return nil, err
	}
	span.SetAttributes(traces.TxHash(hash))
	log = log.With("tx_hash", hash)

	g.enter(log, fn, PhaseConfirming)
	rcpt, err := g.confirm(ctx, log, fn, hash)
	switch {
	case errors.Is(err, ErrConfirmationTimeout):
		g.enter(log, fn, PhaseTimeout)
		return nil, err
	case err != nil:
		g.enter(log, fn, PhaseFailed)
		return nil, err
	}
	g.enter(log, fn, PhaseSuccess)
	return rcpt, nil
}

func (g *Gateway) simulate(ctx context.Context, inv Invocation) (*Simulation, error) {
	sim, err := g.backend.Simulate(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("soroban: simulate %s: %w", inv.Function, err)
	}
	if sim.Error != "" {
		return nil, &SimulationError{Function: inv.Function, Code: sim.Error, Message: sim.ErrorMessage}
	}
	return sim, nil
}

var errTryAgainLater = errors.New("soroban: network asked to try again later")

// submit sends the transaction, retrying TRY_AGAIN_LATER and transport
// errors. Resubmitting the same signed transaction is safe: the network
// answers DUPLICATE.
func (g *Gateway) submit(ctx context.Context, fn string, tx *SignedTx) (string, error) {
	var hash string
	policy := retry.Policy{
		MaxAttempts: g.cfg.SubmitAttempts,
		BaseDelay:   g.cfg.PollInterval,
		NoJitter:    true,
		Sleep:       g.clock.Sleep,
	}
	err := policy.Do(ctx, func(int) error {
		res, err := g.backend.Submit(ctx, tx)
		if err != nil {
			return err
		}
		switch res.Status {
		case SubmitPending, SubmitDuplicate:
			hash = res.Hash
			if hash == "" {
				hash = tx.Hash
			}
			return nil
		case SubmitTryAgainLater:
			return errTryAgainLater
		default:
			return retry.Permanent(&TransactionFailedError{
				Function: fn, Hash: tx.Hash, Phase: PhaseSubmitting, Result: res.ErrorResult,
			})
		}
	})
	if err != nil {
		var tf *TransactionFailedError
		if errors.As(err, &tf) || ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("soroban: submit %s: %w", fn, err)
	}
	return hash, nil
}

// confirm polls immediately and then every PollInterval, at most
// MaxPollAttempts times. Poll errors use up attempts like PENDING answers.
// Cancellation stops polling; the submitted transaction is not affected.
func (g *Gateway) confirm(ctx context.Context, log *slog.Logger, fn, hash string) (*Receipt, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxPollAttempts; attempt++ {
		if attempt > 1 {
			if err := g.clock.Sleep(ctx, g.cfg.PollInterval); err != nil {
				return nil, err
			}
		}

		info, err := g.backend.GetTransaction(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Debug("transaction status poll failed", "attempt", attempt, "error", err)
			continue
		}

		switch info.Status {
		case TxSuccess:
			metrics.ContractConfirmAttempts.Observe(float64(attempt))
			return &Receipt{
				Function:    fn,
				Hash:        hash,
				Status:      TxSuccess,
				Ledger:      info.Ledger,
				ReturnValue: info.ReturnValue,
				Attempts:    attempt,
				ConfirmedAt: g.clock.Now().UTC(),
			}, nil
		case TxFailed:
			metrics.ContractConfirmAttempts.Observe(float64(attempt))
			return nil, &TransactionFailedError{Function: fn, Hash: hash, Phase: PhaseConfirming, Result: info.ResultXDR}
		}
	}

	metrics.ContractConfirmAttempts.Observe(float64(g.cfg.MaxPollAttempts))
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts (last error: %v)", ErrConfirmationTimeout, hash, g.cfg.MaxPollAttempts, lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrConfirmationTimeout, hash, g.cfg.MaxPollAttempts)
}

// query runs a read: simulation only.
func (g *Gateway) query(ctx context.Context, fn string, args ...Arg) (json.RawMessage, error) {
	if g.cfg.ContractID == "" {
		return nil, ErrNotConfigured
	}
	ctx, span := traces.StartSpan(ctx, "soroban."+fn, traces.ContractFunction(fn))
	defer span.End()

	inv := Invocation{ContractID: g.cfg.ContractID, Function: fn, Args: args}
	if g.signer != nil {
		inv.Source = g.signer.PublicKey()
	}
	sim, err := g.simulate(ctx, inv)
	traces.RecordError(span, err)
	if err != nil {
		return nil, err
	}
	return sim.Result, nil
}

func (g *Gateway) enter(log *slog.Logger, fn string, p Phase) {
	metrics.ContractPhaseTotal.WithLabelValues(fn, string(p)).Inc()
	log.Debug("contract phase", "phase", string(p))
}

func (g *Gateway) log(ctx context.Context) *slog.Logger {
	if l := logging.FromContext(ctx); l != slog.Default() {
		return logging.L(ctx)
	}
	return g.logger
}

func isEmptyMarker(err error) bool {
	code := ErrorCode(err)
	return code == CodeNoScore || code == CodeNotFound
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func loanKey(id uint32) string {
	return "loan:" + strconv.FormatUint(uint64(id), 10)
}

func signerKey(publicKey string) string {
	return "signer:" + publicKey
}
