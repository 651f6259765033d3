// Package chainsim runs the credit contract in-process behind the same
// backend interface the gateway uses for a remote relay. Submitted
// transactions stay PENDING until the next ledger closes, signatures are
// verified, and state lives in a Store (memory or PostgreSQL).
package chainsim

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/strkey"
)

// Defaults.
const (
	DefaultCloseTime  = 5 * time.Second
	DefaultPassphrase = "Test SDF Network ; September 2015"
	BaseFee           = 100
)

// Submission rejection codes, reported in SubmitResult.ErrorResult.
const (
	ResultMalformed = "tx_malformed"
	ResultBadAuth   = "tx_bad_auth"
	ResultNoAccount = "tx_no_source_account"
)

// ErrUnknownContract is returned for invocations addressed to another contract.
var ErrUnknownContract = errors.New("chainsim: unknown contract")

// Compile-time check that Contract implements soroban.Backend.
var _ soroban.Backend = (*Contract)(nil)

// Contract is the in-process credit contract.
//
// Authorization follows the relayer model: the admin key may act for any
// address, otherwise the signer must be the address itself. Simulations
// without a source account record auth instead of enforcing it.
type Contract struct {
	id         string
	admin      string
	store      Store
	closeTime  time.Duration
	passphrase string
	now        func() time.Time
	logger     *slog.Logger

	mu sync.Mutex // serializes ledger closes
}

// Option configures a Contract.
type Option func(*Contract)

// WithClock sets the time source used to decide when a ledger closes.
func WithClock(now func() time.Time) Option {
	return func(c *Contract) { c.now = now }
}

// WithCloseTime sets how long a submitted transaction waits for its ledger.
// Zero applies it on the first status poll.
func WithCloseTime(d time.Duration) Option {
	return func(c *Contract) { c.closeTime = d }
}

// WithPassphrase sets the network passphrase mixed into transaction hashes.
func WithPassphrase(p string) Option {
	return func(c *Contract) { c.passphrase = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Contract) { c.logger = l }
}

// New opens the contract on store, initializing it with admin on first use.
// A store initialized by a different admin is rejected.
func New(ctx context.Context, store Store, admin string, opts ...Option) (*Contract, error) {
	if !strkey.IsValidAccountID(admin) {
		return nil, fmt.Errorf("chainsim: admin %q is not a G... address", admin)
	}
	id, err := ContractID(admin)
	if err != nil {
		return nil, err
	}
	c := &Contract{
		id:         id,
		admin:      admin,
		store:      store,
		closeTime:  DefaultCloseTime,
		passphrase: DefaultPassphrase,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	meta, err := store.Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainsim: load state: %w", err)
	}
	switch meta.Admin {
	case admin:
	case "":
		meta.Admin = admin
		if err := store.Apply(ctx, Batch{Meta: meta}); err != nil {
			return nil, fmt.Errorf("chainsim: initialize: %w", err)
		}
		c.logger.Info("credit contract initialized", "contract_id", id, "admin", admin)
	default:
		return nil, fmt.Errorf("chainsim: contract already initialized by %s", meta.Admin)
	}
	return c, nil
}

// ContractID derives the contract address deployed by admin.
func ContractID(admin string) (string, error) {
	sum := sha256.Sum256([]byte("stellarcredit/credit-contract/" + admin))
	return strkey.Encode(strkey.VersionContract, sum[:])
}

// ID returns the contract address.
func (c *Contract) ID() string { return c.id }

// Admin returns the admin address.
func (c *Contract) Admin() string { return c.admin }

// -----------------------------------------------------------------------------
// soroban.Backend
// -----------------------------------------------------------------------------

// Simulate dry-runs inv against the latest closed ledger. Nothing is written.
func (c *Contract) Simulate(ctx context.Context, inv soroban.Invocation) (*soroban.Simulation, error) {
	if inv.ContractID != c.id {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, inv.ContractID)
	}
	meta, err := c.store.Meta(ctx)
	if err != nil {
		return nil, err
	}

	sim := &soroban.Simulation{
		MinResourceFee: resourceFee(inv),
		Footprint:      footprint(inv),
		LatestLedger:   meta.Ledger,
	}
	result, _, err := c.execute(ctx, meta, inv, inv.Source, meta.Ledger+1)
	var ce *contractError
	switch {
	case errors.As(err, &ce):
		sim.Error = ce.Code
		sim.ErrorMessage = ce.Message
	case err != nil:
		return nil, err
	default:
		sim.Result = result
	}
	return sim, nil
}

// envelope is the serialized transaction body that gets hashed and signed.
type envelope struct {
	Invocation soroban.Invocation `json:"invocation"`
	Source     string             `json:"source"`
	Fee        int64              `json:"fee"`
	Nonce      string             `json:"nonce"`
	Footprint  string             `json:"footprint,omitempty"`
}

// Prepare attaches fee and footprint from sim and returns the transaction
// to sign.
func (c *Contract) Prepare(_ context.Context, inv soroban.Invocation, sim *soroban.Simulation) (*soroban.UnsignedTx, error) {
	if inv.ContractID != c.id {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, inv.ContractID)
	}
	if !strkey.IsValidAccountID(inv.Source) {
		return nil, fmt.Errorf("chainsim: source account %q is not a G... address", inv.Source)
	}
	env := envelope{
		Invocation: inv,
		Source:     inv.Source,
		Fee:        BaseFee,
		Nonce:      uuid.NewString(),
	}
	if sim != nil {
		env.Fee += sim.MinResourceFee
		env.Footprint = sim.Footprint
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("chainsim: encode envelope: %w", err)
	}
	return &soroban.UnsignedTx{
		Envelope: base64.StdEncoding.EncodeToString(body),
		Hash:     c.hash(body),
	}, nil
}

// Submit verifies the signature and queues the transaction for the next
// ledger.
func (c *Contract) Submit(ctx context.Context, tx *soroban.SignedTx) (*soroban.SubmitResult, error) {
	body, err := base64.StdEncoding.DecodeString(tx.Envelope)
	if err != nil {
		return rejected(tx.Hash, ResultMalformed), nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || c.hash(body) != tx.Hash {
		return rejected(tx.Hash, ResultMalformed), nil
	}
	if env.Invocation.ContractID != c.id {
		return rejected(tx.Hash, ResultMalformed), nil
	}
	if !strkey.IsValidAccountID(env.Source) {
		return rejected(tx.Hash, ResultNoAccount), nil
	}
	if err := soroban.VerifySignature(tx); err != nil || tx.PublicKey != env.Source {
		return rejected(tx.Hash, ResultBadAuth), nil
	}

	rec := &Tx{
		Hash:        tx.Hash,
		Function:    env.Invocation.Function,
		Invocation:  env.Invocation,
		Signer:      tx.PublicKey,
		Status:      soroban.TxPending,
		SubmittedAt: c.now().UTC(),
	}
	err = c.store.InsertTx(ctx, rec)
	if errors.Is(err, ErrDuplicateTx) {
		return &soroban.SubmitResult{Hash: tx.Hash, Status: soroban.SubmitDuplicate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chainsim: record transaction: %w", err)
	}
	c.logger.Debug("transaction queued", "tx_hash", tx.Hash, "function", rec.Function)
	return &soroban.SubmitResult{Hash: tx.Hash, Status: soroban.SubmitPending}, nil
}

func rejected(hash, code string) *soroban.SubmitResult {
	return &soroban.SubmitResult{Hash: hash, Status: soroban.SubmitError, ErrorResult: code}
}

// GetTransaction reports a transaction's status. A pending transaction
// whose ledger has closed is applied first.
func (c *Contract) GetTransaction(ctx context.Context, hash string) (*soroban.TxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.Tx(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &soroban.TxInfo{Status: soroban.TxNotFound}, nil
	}
	if rec.Status == soroban.TxPending {
		if c.now().Sub(rec.SubmittedAt) < c.closeTime {
			return &soroban.TxInfo{Status: soroban.TxPending}, nil
		}
		if err := c.apply(ctx, rec); err != nil {
			return nil, err
		}
	}
	return &soroban.TxInfo{
		Status:      rec.Status,
		ReturnValue: rec.ReturnValue,
		ResultXDR:   rec.ResultCode,
		Ledger:      rec.Ledger,
	}, nil
}

// Health checks the store.
func (c *Contract) Health(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// apply closes a ledger containing rec. A contract error fails the
// transaction but still consumes the ledger. Caller holds c.mu.
func (c *Contract) apply(ctx context.Context, rec *Tx) error {
	meta, err := c.store.Meta(ctx)
	if err != nil {
		return err
	}
	meta.Ledger++

	result, eff, err := c.execute(ctx, meta, rec.Invocation, rec.Signer, meta.Ledger)
	var ce *contractError
	switch {
	case errors.As(err, &ce):
		rec.Status = soroban.TxFailed
		rec.ResultCode = ce.Code
	case err != nil:
		return err
	default:
		rec.Status = soroban.TxSuccess
		rec.ReturnValue = result
	}
	rec.Ledger = meta.Ledger
	rec.AppliedAt = c.now().UTC()

	b := Batch{Meta: meta, Tx: rec}
	if eff != nil {
		b.Score = eff.score
		b.Loan = eff.loan
		if eff.loanCounter != 0 {
			b.Meta.LoanCounter = eff.loanCounter
		}
	}
	if err := c.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("chainsim: close ledger %d: %w", meta.Ledger, err)
	}
	c.logger.Debug("ledger closed",
		"ledger", meta.Ledger, "tx_hash", rec.Hash, "function", rec.Function, "status", rec.Status)
	return nil
}

func (c *Contract) hash(body []byte) string {
	h := sha256.New()
	h.Write([]byte(c.passphrase))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func resourceFee(inv soroban.Invocation) int64 {
	return 1_000 + 250*int64(len(inv.Args))
}

func footprint(inv soroban.Invocation) string {
	switch inv.Function {
	case soroban.FnStoreScore, soroban.FnGetScore:
		if len(inv.Args) > 0 {
			if addr, ok := inv.Args[0].AsAddress(); ok {
				return "Score(" + addr + ")"
			}
		}
	case soroban.FnRequestLoan:
		return "LoanCounter,Loan"
	case soroban.FnGetLoan, soroban.FnApproveLoan, soroban.FnRejectLoan:
		if len(inv.Args) > 0 {
			if id, ok := inv.Args[0].AsU32(); ok {
				return fmt.Sprintf("Loan(%d)", id)
			}
		}
	}
	return ""
}
