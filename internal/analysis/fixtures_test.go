package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stellarcredit/internal/horizon"
	"github.com/mbd888/stellarcredit/internal/logging"
	"github.com/mbd888/stellarcredit/internal/scoring"
	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

const (
	walletAddr = "GAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB7JZX"
	peerAddr   = "GAEQSCIJBEEQSCIJBEEQSCIJBEEQSCIJBEEQSCIJBEEQSCIJBEEQSH7S"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// fakeLedger serves canned wallet data.
type fakeLedger struct {
	mu       sync.Mutex
	data     *horizon.WalletData
	err      error
	page     *horizon.TransactionPage
	pageReqs []horizon.PageRequest
	fetches  int
}

func (f *fakeLedger) FetchWalletData(_ context.Context, address string, _ time.Time) (*horizon.WalletData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	if f.data == nil {
		return &horizon.WalletData{Address: address, Transactions: []horizon.Transaction{}, Operations: []horizon.Operation{}}, nil
	}
	return f.data, nil
}

func (f *fakeLedger) Transactions(_ context.Context, _ string, req horizon.PageRequest) (*horizon.TransactionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageReqs = append(f.pageReqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.page == nil {
		return &horizon.TransactionPage{Records: []horizon.Transaction{}}, nil
	}
	return f.page, nil
}

// activeWallet has a month of steady XLM and USDC payments.
func activeWallet() *horizon.WalletData {
	data := &horizon.WalletData{
		Address: walletAddr,
		Exists:  true,
		Account: &horizon.Account{
			ID: walletAddr,
			Balances: []horizon.Balance{
				{AssetType: "native", Amount: decimal.NewFromInt(5000)},
				{AssetType: "credit_alphanum4", AssetCode: "USDC", Amount: decimal.NewFromInt(250)},
			},
		},
	}
	for i := 0; i < 30; i++ {
		at := testNow.Add(-time.Duration(i) * 24 * time.Hour)
		data.Transactions = append(data.Transactions, horizon.Transaction{
			ID: "tx", Hash: "h", Successful: i != 0, CreatedAt: at, SourceAccount: walletAddr,
		})
		asset, code := "native", ""
		if i%3 == 0 {
			asset, code = "credit_alphanum4", "USDC"
		}
		data.Operations = append(data.Operations, horizon.Operation{
			Type: horizon.OpPayment, CreatedAt: at, TransactionSuccessful: true,
			From: walletAddr, To: peerAddr, Amount: decimal.NewFromInt(100),
			AssetType: asset, AssetCode: code,
		})
	}
	return data
}

// fakeContract records calls and answers from in-memory state.
type fakeContract struct {
	mu       sync.Mutex
	storeErr error
	stored   map[string]walletmetrics.WalletMetrics
	score    *soroban.ScoreRecord
	scoreErr error
	loans    map[uint32]*soroban.LoanRecord
	loanErr  error
	nextLoan uint32
}

func newFakeContract() *fakeContract {
	return &fakeContract{
		stored: make(map[string]walletmetrics.WalletMetrics),
		loans:  make(map[uint32]*soroban.LoanRecord),
	}
}

func (f *fakeContract) StoreScore(_ context.Context, address string, m walletmetrics.WalletMetrics) (*soroban.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	f.stored[address] = m
	return &soroban.Receipt{Function: soroban.FnStoreScore, Hash: "feedbeef", Status: soroban.TxSuccess, ReturnValue: json.RawMessage(`480`)}, nil
}

func (f *fakeContract) GetScore(context.Context, string) (*soroban.ScoreRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.score, f.scoreErr
}

func (f *fakeContract) RequestLoan(_ context.Context, borrower string, amount float64, months uint32) (uint32, *soroban.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loanErr != nil {
		return 0, nil, f.loanErr
	}
	f.nextLoan++
	f.loans[f.nextLoan] = &soroban.LoanRecord{
		ID: f.nextLoan, Borrower: borrower, Amount: soroban.ScaleMicro(amount),
		InterestRate: 40_000, DurationMonths: months, Status: soroban.LoanPending, CreatedAt: 7, RequiredScore: 520,
	}
	return f.nextLoan, &soroban.Receipt{Function: soroban.FnRequestLoan, Hash: "loan-tx"}, nil
}

func (f *fakeContract) GetLoan(_ context.Context, id uint32) (*soroban.LoanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.loans[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeContract) GetLoanOffers(_ context.Context, score int) []soroban.LoanOffer {
	return soroban.OfferSchedule(score)
}

func (f *fakeContract) ApproveLoan(_ context.Context, id uint32) (*soroban.Receipt, error) {
	return f.setStatus(id, soroban.LoanApproved)
}

func (f *fakeContract) RejectLoan(_ context.Context, id uint32) (*soroban.Receipt, error) {
	return f.setStatus(id, soroban.LoanRejected)
}

func (f *fakeContract) setStatus(id uint32, status string) (*soroban.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.loans[id]
	if !ok {
		return nil, &soroban.SimulationError{Code: soroban.CodeLoanNotFound}
	}
	if rec.Status != soroban.LoanPending {
		return nil, &soroban.SimulationError{Code: soroban.CodeInvalidStatus}
	}
	rec.Status = status
	return &soroban.Receipt{Hash: "decide-tx"}, nil
}

type event struct {
	Type    string
	Address string
	Data    map[string]any
}

// recordingNotifier captures events; err is returned from every Notify.
type recordingNotifier struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, eventType, address string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{eventType, address, data})
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	svc      *Service
	ledger   *fakeLedger
	contract *fakeContract
	notifier *recordingNotifier
	history  *MemoryHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:   &fakeLedger{},
		contract: newFakeContract(),
		notifier: &recordingNotifier{},
		history:  NewMemoryHistory(0),
	}
	h.svc = NewService(
		map[string]Ledger{NetworkTestnet: h.ledger},
		walletmetrics.NewCalculator(walletmetrics.WithClock(fixedNow)),
		scoring.NewEngine(nil, scoring.WithEngineClock(fixedNow)),
		h.contract,
		WithNotifier(h.notifier),
		WithHistory(h.history),
		WithClock(fixedNow),
		WithLogger(logging.Discard()),
	)
	return h
}

var errBoom = errors.New("boom")
