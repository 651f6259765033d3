// Package watcher polls the ledger for addresses that push subscribers are
// watching and emits new_transaction and balance_updated events.
//
// The first poll of an address only records a baseline; events are emitted
// for changes seen after that.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/stellarcredit/internal/horizon"
)

// Event types emitted by the watcher.
const (
	EventNewTransaction = "new_transaction"
	EventBalanceUpdated = "balance_updated"
)

// AddressSource lists the addresses to watch.
type AddressSource interface {
	WatchedAddresses() []string
}

// Ledger is the subset of the Horizon client the watcher needs.
type Ledger interface {
	Account(ctx context.Context, address string) (*horizon.Account, error)
	Transactions(ctx context.Context, address string, req horizon.PageRequest) (*horizon.TransactionPage, error)
}

// Notifier receives the emitted events.
type Notifier interface {
	Notify(ctx context.Context, eventType, address string, data map[string]any) error
}

// Config for the watcher
type Config struct {
	PollInterval time.Duration
	// PageSize is how many recent transactions are compared per poll.
	PageSize int
	// MaxAddresses caps how many addresses one poll visits.
	MaxAddresses int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		PageSize:     20,
		MaxAddresses: 500,
	}
}

type addressState struct {
	lastToken string
	balances  map[string]decimal.Decimal
}

// Watcher polls the ledger on an interval.
type Watcher struct {
	ledger   Ledger
	source   AddressSource
	notifier Notifier
	config   Config
	logger   *slog.Logger

	mu    sync.Mutex
	state map[string]*addressState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a watcher.
func New(cfg Config, ledger Ledger, source AddressSource, notifier Notifier, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PageSize <= 0 || cfg.PageSize > horizon.MaxPageLimit {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxAddresses <= 0 {
		cfg.MaxAddresses = def.MaxAddresses
	}
	return &Watcher{
		ledger:   ledger,
		source:   source,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		state:    make(map[string]*addressState),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("ledger watcher started", "interval", w.config.PollInterval)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the loop to exit. Safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll checks every watched address once.
func (w *Watcher) Poll(ctx context.Context) {
	addrs := w.source.WatchedAddresses()
	if len(addrs) > w.config.MaxAddresses {
		w.logger.Warn("too many watched addresses, polling a subset", "watched", len(addrs), "max", w.config.MaxAddresses)
		addrs = addrs[:w.config.MaxAddresses]
	}
	w.forget(addrs)

	for _, addr := range addrs {
		if ctx.Err() != nil {
			return
		}
		if err := w.checkAddress(ctx, addr); err != nil {
			w.logger.Warn("watch poll failed", "address", addr, "error", err)
		}
	}
}

// forget drops state for addresses nobody watches any more.
func (w *Watcher) forget(watched []string) {
	keep := make(map[string]struct{}, len(watched))
	for _, a := range watched {
		keep[a] = struct{}{}
	}
	w.mu.Lock()
	for a := range w.state {
		if _, ok := keep[a]; !ok {
			delete(w.state, a)
		}
	}
	w.mu.Unlock()
}

func (w *Watcher) checkAddress(ctx context.Context, addr string) error {
	page, err := w.ledger.Transactions(ctx, addr, horizon.PageRequest{Limit: w.config.PageSize})
	if err != nil {
		return fmt.Errorf("transactions: %w", err)
	}
	acc, err := w.ledger.Account(ctx, addr)
	if err != nil && !errors.Is(err, horizon.ErrNotFound) {
		return fmt.Errorf("account: %w", err)
	}

	w.mu.Lock()
	st, primed := w.state[addr]
	if !primed {
		st = &addressState{balances: map[string]decimal.Decimal{}}
		w.state[addr] = st
	}
	newTxs := unseen(page.Records, st.lastToken)
	if len(page.Records) > 0 {
		st.lastToken = page.Records[0].PagingToken
	}
	changes := diffBalances(st.balances, acc)
	w.mu.Unlock()

	if !primed {
		return nil
	}
	// Oldest first, so subscribers see them in ledger order.
	for i := len(newTxs) - 1; i >= 0; i-- {
		tx := newTxs[i]
		w.notify(ctx, EventNewTransaction, addr, map[string]any{
			"hash":            tx.Hash,
			"successful":      tx.Successful,
			"source_account":  tx.SourceAccount,
			"operation_count": tx.OperationCount,
			"created_at":      tx.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	for _, c := range changes {
		w.notify(ctx, EventBalanceUpdated, addr, map[string]any{
			"asset":    c.asset,
			"previous": c.previous.String(),
			"balance":  c.current.String(),
		})
	}
	return nil
}

func (w *Watcher) notify(ctx context.Context, eventType, addr string, data map[string]any) {
	if err := w.notifier.Notify(ctx, eventType, addr, data); err != nil {
		w.logger.Debug("watch event not delivered", "type", eventType, "address", addr, "error", err)
	}
}

// unseen returns the records (newest first) that precede lastToken. With no
// lastToken, or when lastToken has scrolled off the page, all are unseen.
func unseen(records []horizon.Transaction, lastToken string) []horizon.Transaction {
	for i, r := range records {
		if r.PagingToken == lastToken {
			return records[:i]
		}
	}
	return records
}

type balanceChange struct {
	asset             string
	previous, current decimal.Decimal
}

// diffBalances updates known in place and returns the assets whose balance
// changed. Assets that disappeared report a current balance of zero.
func diffBalances(known map[string]decimal.Decimal, acc *horizon.Account) []balanceChange {
	current := make(map[string]decimal.Decimal)
	var order []string
	if acc != nil {
		for _, b := range acc.Balances {
			key := assetKey(b)
			current[key] = b.Amount
			order = append(order, key)
		}
	}

	var changes []balanceChange
	for _, key := range order {
		prev, ok := known[key]
		if !ok || !prev.Equal(current[key]) {
			changes = append(changes, balanceChange{asset: key, previous: prev, current: current[key]})
		}
	}
	for key, prev := range known {
		if _, ok := current[key]; !ok {
			changes = append(changes, balanceChange{asset: key, previous: prev, current: decimal.Zero})
		}
	}

	clear(known)
	for k, v := range current {
		known[k] = v
	}
	return changes
}

func assetKey(b horizon.Balance) string {
	if b.AssetType == horizon.AssetTypeNative {
		return "XLM"
	}
	if b.AssetIssuer == "" {
		return b.AssetCode
	}
	return b.AssetCode + ":" + b.AssetIssuer
}
