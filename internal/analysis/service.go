package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/stellarcredit/internal/horizon"
	"github.com/mbd888/stellarcredit/internal/idgen"
	"github.com/mbd888/stellarcredit/internal/logging"
	"github.com/mbd888/stellarcredit/internal/metrics"
	"github.com/mbd888/stellarcredit/internal/scoring"
	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/strkey"
	"github.com/mbd888/stellarcredit/internal/traces"
	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

// History page limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = horizon.MaxPageLimit
)

// MaxLoanMonths caps loan duration requests.
const MaxLoanMonths = 60

// Service runs wallet analyses and the loan operations around them.
// It is safe for concurrent use; analyses of different addresses share
// no mutable state.
type Service struct {
	ledgers        map[string]Ledger
	calculator     *walletmetrics.Calculator
	scorer         Scorer
	contract       Contract
	notifier       Notifier
	history        HistoryStore
	defaultNetwork string
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the push event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithHistory sets the analysis history store.
func WithHistory(h HistoryStore) Option {
	return func(s *Service) { s.history = h }
}

// WithDefaultNetwork sets the network used when a request names none.
func WithDefaultNetwork(network string) Option {
	return func(s *Service) { s.defaultNetwork = network }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service. ledgers is keyed by network name
// ("testnet", "mainnet").
func NewService(ledgers map[string]Ledger, calc *walletmetrics.Calculator, scorer Scorer, contract Contract, opts ...Option) *Service {
	s := &Service{
		ledgers:        ledgers,
		calculator:     calc,
		scorer:         scorer,
		contract:       contract,
		history:        NewMemoryHistory(0),
		defaultNetwork: NetworkTestnet,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeAddress trims and upper-cases addr and checks its strkey
// encoding. Both account (G...) and contract (C...) ids are accepted.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if !strkey.IsValidAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return addr, nil
}

// NormalizeNetwork maps a requested network onto a canonical name. Empty
// means the default network; "public" is an alias of mainnet.
func (s *Service) NormalizeNetwork(network string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(network))
	switch n {
	case "":
		n = s.defaultNetwork
	case "public":
		n = NetworkMainnet
	}
	if _, ok := s.ledgers[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
	return n, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, s.logger)
	}
	return logging.L(ctx)
}

// AnalyzeWallet runs the full pipeline for address. Fetch failures abort
// the analysis; a failure to persist the score does not, and leaves
// ContractTransaction nil.
func (s *Service) AnalyzeWallet(ctx context.Context, address, network string) (_ *Result, err error) {
	address, err = NormalizeAddress(address)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	network, err = s.NormalizeNetwork(network)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx = logging.WithAddress(ctx, address)
	ctx, span := traces.StartSpan(ctx, "analysis.AnalyzeWallet", traces.WalletAddr(address), traces.Network(network))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()
	log := s.log(ctx)
	started := s.now()

	data, err := s.ledgers[network].FetchWalletData(ctx, address, started.Add(-walletmetrics.Window))
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("error").Inc()
		log.Error("wallet data fetch failed", "network", network, "error", err)
		s.notify(ctx, EventAnalysisError, address, map[string]any{
			"stage": "fetch",
			"error": "ledger data unavailable",
		})
		return nil, fmt.Errorf("fetch wallet data: %w", err)
	}
	s.notify(ctx, EventWalletDataReady, address, map[string]any{
		"network":      network,
		"exists":       data.Exists,
		"transactions": len(data.Transactions),
		"operations":   len(data.Operations),
	})

	m := s.calculator.Calculate(address, data)
	scored := s.scorer.ComputeScore(ctx, scoring.Request{Address: address, Network: network, Metrics: m}, data.HasHistory())
	span.SetAttributes(traces.Score(scored.Score))
	s.notify(ctx, EventScoreCalculated, address, map[string]any{
		"score":      scored.Score,
		"risk_level": scored.RiskLevel,
		"source":     scored.Source,
	})

	res := &Result{
		Address:           address,
		Network:           network,
		Score:             scored.Score,
		RiskLevel:         scored.RiskLevel,
		Metrics:           m,
		Recommendations:   scored.Recommendations,
		AnalysisTimestamp: scored.AnalysisTimestamp,
		ScoreSource:       scored.Source,
	}
	if res.Recommendations == nil {
		res.Recommendations = []string{}
	}

	receipt, storeErr := s.contract.StoreScore(ctx, address, m)
	switch {
	case errors.Is(storeErr, soroban.ErrNotConfigured):
		log.Debug("score not persisted, contract is read-only")
	case storeErr != nil:
		log.Warn("score persistence failed", "error", storeErr, "code", soroban.ErrorCode(storeErr))
	default:
		hash := receipt.Hash
		res.ContractTransaction = &hash
		if onChain, err := receipt.Uint32(); err == nil {
			res.OnChainScore = &onChain
		}
	}

	res.LoanOffers = s.contract.GetLoanOffers(ctx, res.Score)
	if res.LoanOffers == nil {
		res.LoanOffers = []soroban.LoanOffer{}
	}

	s.record(ctx, res, m)
	metrics.AnalysesTotal.WithLabelValues("success").Inc()
	log.Info("wallet analyzed",
		"network", network,
		"score", res.Score,
		"risk_level", res.RiskLevel,
		"source", res.ScoreSource,
		"persisted", res.ContractTransaction != nil,
		"duration_ms", s.now().Sub(started).Milliseconds(),
	)
	return res, nil
}

func (s *Service) record(ctx context.Context, res *Result, m walletmetrics.WalletMetrics) {
	if s.history == nil {
		return
	}
	sum := &Summary{
		ID:               idgen.New(),
		Address:          res.Address,
		Network:          res.Network,
		Score:            res.Score,
		RiskLevel:        res.RiskLevel,
		Source:           res.ScoreSource,
		TotalVolume:      m.TotalVolume3M,
		TransactionCount: m.TransactionCount3M,
		CreatedAt:        res.AnalysisTimestamp,
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.now().UTC()
	}
	if res.ContractTransaction != nil {
		sum.ContractTx = *res.ContractTransaction
	}
	if err := s.history.Record(ctx, sum); err != nil {
		s.log(ctx).Warn("failed to record analysis history", "error", err)
	}
}

func (s *Service) notify(ctx context.Context, eventType, address string, data map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, eventType, address, data); err != nil {
		s.log(ctx).Debug("push notification not delivered", "type", eventType, "error", err)
	}
}

// GetScore returns the stored score of address: the contract record when
// one exists, otherwise the most recent recorded analysis.
func (s *Service) GetScore(ctx context.Context, address string) (*ScoreView, error) {
	address, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	rec, err := s.contract.GetScore(ctx, address)
	switch {
	case err != nil:
		s.log(ctx).Warn("contract score lookup failed, trying history", "address", address, "error", err)
	case rec != nil:
		score := int(rec.Score)
		return &ScoreView{
			Address:   address,
			Score:     score,
			RiskLevel: scoring.RiskLevelFor(score),
			Metrics: &walletmetrics.WalletMetrics{
				TotalVolume3M:        soroban.UnscaleMicro(rec.TransactionVolume),
				PaymentPunctuality:   soroban.UnscalePercent(rec.PaymentPunctuality),
				UsageFrequency:       float64(rec.UsageFrequency),
				DiversificationScore: soroban.UnscalePercent(rec.Diversification),
				AvgBalance:           soroban.UnscaleMicro(rec.AvgBalance),
			},
			Source:     "contract",
			LastLedger: rec.LastUpdated,
		}, nil
	}

	if s.history != nil {
		last, herr := s.history.Latest(ctx, address)
		if herr != nil {
			return nil, fmt.Errorf("score history: %w", herr)
		}
		if last != nil {
			at := last.CreatedAt
			return &ScoreView{
				Address:     address,
				Score:       last.Score,
				RiskLevel:   last.RiskLevel,
				Source:      "history",
				LastUpdated: &at,
			}, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("contract score lookup: %w", err)
	}
	return nil, ErrScoreNotFound
}

// RequestLoan files a loan request with the contract and returns the stored
// loan. Contract rejections come back as *soroban.SimulationError.
func (s *Service) RequestLoan(ctx context.Context, address string, amount float64, months int) (*Loan, error) {
	address, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || months < 1 || months > MaxLoanMonths {
		return nil, fmt.Errorf("%w: amount must be positive and duration between 1 and %d months", ErrInvalidLoanRequest, MaxLoanMonths)
	}

	id, receipt, err := s.contract.RequestLoan(ctx, address, amount, uint32(months))
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("loan requested", "address", address, "loan_id", id, "amount", amount, "months", months, "tx", receipt.Hash)

	loan, err := s.GetLoan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read back loan %d: %w", id, err)
	}
	loan.TxHash = receipt.Hash
	return loan, nil
}

// GetLoan returns a loan by id.
func (s *Service) GetLoan(ctx context.Context, id uint32) (*Loan, error) {
	rec, err := s.contract.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrLoanNotFound
	}
	return loanFromRecord(rec), nil
}

// LoanOffers returns the offers available at score.
func (s *Service) LoanOffers(ctx context.Context, score int) []soroban.LoanOffer {
	offers := s.contract.GetLoanOffers(ctx, score)
	if offers == nil {
		return []soroban.LoanOffer{}
	}
	return offers
}

// ApproveLoan approves a pending loan (admin).
func (s *Service) ApproveLoan(ctx context.Context, id uint32) (*Loan, error) {
	return s.decide(ctx, id, s.contract.ApproveLoan)
}

// RejectLoan rejects a pending loan (admin).
func (s *Service) RejectLoan(ctx context.Context, id uint32) (*Loan, error) {
	return s.decide(ctx, id, s.contract.RejectLoan)
}

func (s *Service) decide(ctx context.Context, id uint32, op func(context.Context, uint32) (*soroban.Receipt, error)) (*Loan, error) {
	receipt, err := op(ctx, id)
	if err != nil {
		if soroban.ErrorCode(err) == soroban.CodeLoanNotFound {
			return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, id)
		}
		return nil, err
	}
	loan, err := s.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	loan.TxHash = receipt.Hash
	s.log(ctx).Info("loan decided", "loan_id", id, "status", loan.Status, "tx", receipt.Hash)
	return loan, nil
}

// TransactionHistory returns one page of transactions of address, newest
// first. limit is clamped to [1, MaxHistoryLimit]; 0 means the default.
func (s *Service) TransactionHistory(ctx context.Context, address, network string, limit int, cursor string) (*horizon.TransactionPage, error) {
	address, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	network, err = s.NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	page, err := s.ledgers[network].Transactions(ctx, address, horizon.PageRequest{Cursor: cursor, Limit: limit})
	if errors.Is(err, horizon.ErrNotFound) {
		return &horizon.TransactionPage{Records: []horizon.Transaction{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction history: %w", err)
	}
	return page, nil
}

// Stats aggregates the analysis history.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	if s.history == nil {
		return &Stats{ScoreDistribution: newDistribution(make([]int, len(distributionBuckets)), 0), Network: s.defaultNetwork}, nil
	}
	st, err := s.history.Stats(ctx, s.now().Add(-walletmetrics.Window))
	if err != nil {
		return nil, fmt.Errorf("analysis stats: %w", err)
	}
	st.Network = s.defaultNetwork
	return st, nil
}
