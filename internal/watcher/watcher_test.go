package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stellarcredit/internal/horizon"
	"github.com/mbd888/stellarcredit/internal/logging"
)

const addr = "GAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB7JZX"

type fakeLedger struct {
	mu       sync.Mutex
	txs      []horizon.Transaction // newest first
	balances []horizon.Balance
	missing  bool
	err      error
}

func (f *fakeLedger) Account(context.Context, string) (*horizon.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return nil, horizon.ErrNotFound
	}
	return &horizon.Account{ID: addr, Balances: append([]horizon.Balance(nil), f.balances...)}, nil
}

func (f *fakeLedger) Transactions(_ context.Context, _ string, req horizon.PageRequest) (*horizon.TransactionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	recs := f.txs
	if len(recs) > req.Limit {
		recs = recs[:req.Limit]
	}
	return &horizon.TransactionPage{Records: append([]horizon.Transaction(nil), recs...)}, nil
}

func (f *fakeLedger) push(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := horizon.Transaction{Hash: "h" + token, PagingToken: token, Successful: true, CreatedAt: time.Unix(0, 0)}
	f.txs = append([]horizon.Transaction{tx}, f.txs...)
}

func (f *fakeLedger) setXLM(amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = []horizon.Balance{{AssetType: horizon.AssetTypeNative, Amount: decimal.NewFromInt(amount)}}
}

type staticSource []string

func (s staticSource) WatchedAddresses() []string { return s }

type sentEvent struct {
	typ  string
	data map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recorder) Notify(_ context.Context, eventType, _ string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{eventType, data})
	return nil
}

func (r *recorder) take() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newTestWatcher(ledger Ledger, source AddressSource, rec Notifier) *Watcher {
	return New(Config{PollInterval: time.Hour, PageSize: 3}, ledger, source, rec, logging.Discard())
}

func TestPoll_FirstPollIsBaseline(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.push("1")
	ledger.setXLM(100)
	rec := &recorder{}
	w := newTestWatcher(ledger, staticSource{addr}, rec)

	w.Poll(context.Background())
	assert.Empty(t, rec.take())
}

func TestPoll_NewTransactionsOldestFirst(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.push("1")
	rec := &recorder{}
	w := newTestWatcher(ledger, staticSource{addr}, rec)
	w.Poll(context.Background())

	ledger.push("2")
	ledger.push("3")
	w.Poll(context.Background())

	events := rec.take()
	require.Len(t, events, 2)
	assert.Equal(t, EventNewTransaction, events[0].typ)
	assert.Equal(t, "h2", events[0].data["hash"])
	assert.Equal(t, "h3", events[1].data["hash"])

	w.Poll(context.Background())
	assert.Empty(t, rec.take(), "no repeats")
}

func TestPoll_TokenScrolledOffEmitsWholePage(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.push("1")
	rec := &recorder{}
	w := newTestWatcher(ledger, staticSource{addr}, rec)
	w.Poll(context.Background())

	for _, tok := range []string{"2", "3", "4", "5"} {
		ledger.push(tok)
	}
	w.Poll(context.Background())
	assert.Len(t, rec.take(), 3, "bounded by the page size")
}

func TestPoll_BalanceUpdated(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.setXLM(100)
	rec := &recorder{}
	w := newTestWatcher(ledger, staticSource{addr}, rec)
	w.Poll(context.Background())

	w.Poll(context.Background())
	assert.Empty(t, rec.take(), "unchanged balance")

	ledger.setXLM(250)
	w.Poll(context.Background())
	events := rec.take()
	require.Len(t, events, 1)
	assert.Equal(t, EventBalanceUpdated, events[0].typ)
	assert.Equal(t, map[string]any{"asset": "XLM", "previous": "100", "balance": "250"}, events[0].data)
}

func TestPoll_MergedAccountReportsZero(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.setXLM(100)
	rec := &recorder{}
	w := newTestWatcher(ledger, staticSource{addr}, rec)
	w.Poll(context.Background())

	ledger.mu.Lock()
	ledger.missing = true
	ledger.mu.Unlock()
	w.Poll(context.Background())

	events := rec.take()
	require.Len(t, events, 1)
	assert.Equal(t, "0", events[0].data["balance"])
}

func TestPoll_LedgerErrorKeepsState(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.push("1")
	rec := &recorder{}
	w := newTestWatcher(ledger, staticSource{addr}, rec)
	w.Poll(context.Background())

	ledger.mu.Lock()
	ledger.err = errors.New("horizon down")
	ledger.mu.Unlock()
	ledger.push("2")
	w.Poll(context.Background())
	assert.Empty(t, rec.take())

	ledger.mu.Lock()
	ledger.err = nil
	ledger.mu.Unlock()
	w.Poll(context.Background())
	assert.Len(t, rec.take(), 1)
}

func TestPoll_UnwatchedAddressForgotten(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.push("1")
	rec := &recorder{}
	source := &mutableSource{addrs: []string{addr}}
	w := newTestWatcher(ledger, source, rec)
	w.Poll(context.Background())

	source.set(nil)
	w.Poll(context.Background())
	w.mu.Lock()
	assert.Empty(t, w.state)
	w.mu.Unlock()

	// Re-watching starts a fresh baseline.
	ledger.push("2")
	source.set([]string{addr})
	w.Poll(context.Background())
	assert.Empty(t, rec.take())
}

func TestStartStop(t *testing.T) {
	w := New(Config{PollInterval: time.Millisecond}, &fakeLedger{}, staticSource{}, &recorder{}, logging.Discard())
	w.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	w.Stop()
	w.Stop()
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{PageSize: 10_000}, &fakeLedger{}, staticSource{}, &recorder{}, logging.Discard())
	assert.Equal(t, DefaultConfig(), w.config)
}

type mutableSource struct {
	mu    sync.Mutex
	addrs []string
}

func (m *mutableSource) WatchedAddresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addrs
}

func (m *mutableSource) set(a []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs = a
}
