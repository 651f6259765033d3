package chainsim

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/stellarcredit/internal/soroban"
)

// ErrDuplicateTx is returned by InsertTx for a hash that is already known.
var ErrDuplicateTx = errors.New("chainsim: duplicate transaction")

// Meta is the contract's instance state.
type Meta struct {
	Admin       string
	LoanCounter uint32
	Ledger      uint32 // sequence of the last closed ledger
}

// Tx is a submitted transaction and, once applied, its outcome.
type Tx struct {
	Hash        string
	Function    string
	Invocation  soroban.Invocation
	Signer      string
	Status      soroban.TxStatus
	ReturnValue json.RawMessage
	ResultCode  string
	Ledger      uint32
	SubmittedAt time.Time
	AppliedAt   time.Time
}

// Batch is the set of writes produced by closing one ledger. Apply
// persists all of it or none of it.
type Batch struct {
	Meta  Meta
	Score *soroban.ScoreRecord
	Loan  *soroban.LoanRecord
	Tx    *Tx
}

// Store persists contract state. Lookups of unknown keys return nil, nil.
type Store interface {
	Meta(ctx context.Context) (Meta, error)
	Score(ctx context.Context, address string) (*soroban.ScoreRecord, error)
	Loan(ctx context.Context, id uint32) (*soroban.LoanRecord, error)
	Tx(ctx context.Context, hash string) (*Tx, error)
	InsertTx(ctx context.Context, tx *Tx) error
	Apply(ctx context.Context, b Batch) error
	Ping(ctx context.Context) error
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	meta   Meta
	scores map[string]soroban.ScoreRecord
	loans  map[uint32]soroban.LoanRecord
	txs    map[string]Tx
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores: make(map[string]soroban.ScoreRecord),
		loans:  make(map[uint32]soroban.LoanRecord),
		txs:    make(map[string]Tx),
	}
}

func (m *MemoryStore) Meta(_ context.Context) (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta, nil
}

func (m *MemoryStore) Score(_ context.Context, address string) (*soroban.ScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scores[address]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Loan(_ context.Context, id uint32) (*soroban.LoanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.loans[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Tx(_ context.Context, hash string) (*Tx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[hash]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (m *MemoryStore) InsertTx(_ context.Context, tx *Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.Hash]; ok {
		return ErrDuplicateTx
	}
	m.txs[tx.Hash] = *tx
	return nil
}

func (m *MemoryStore) Apply(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = b.Meta
	if b.Score != nil {
		m.scores[b.Score.Address] = *b.Score
	}
	if b.Loan != nil {
		m.loans[b.Loan.ID] = *b.Loan
	}
	if b.Tx != nil {
		m.txs[b.Tx.Hash] = *b.Tx
	}
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}
