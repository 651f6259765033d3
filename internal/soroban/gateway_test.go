package soroban

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stellarcredit/internal/walletmetrics"
)

const (
	testSeed     = "SAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABSU2"
	testContract = "CAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABSC4"
	testAddr     = "GAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB7JZX"
)

// fakeClock advances virtual time on Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type pollAnswer struct {
	status TxStatus
	err    error
}

// fakeBackend scripts contract answers.
type fakeBackend struct {
	mu sync.Mutex

	simulate func(inv Invocation) (*Simulation, error)
	submits  []SubmitStatus
	polls    []pollAnswer
	onPoll   func(n int)

	clock       *fakeClock
	invocations []Invocation
	prepared    int
	submitted   []*SignedTx
	pollTimes   []time.Time
	inflight    int
	maxInflight int
}

func (b *fakeBackend) Simulate(_ context.Context, inv Invocation) (*Simulation, error) {
	b.mu.Lock()
	b.invocations = append(b.invocations, inv)
	b.mu.Unlock()
	if b.simulate != nil {
		return b.simulate(inv)
	}
	return &Simulation{Result: json.RawMessage(`1`)}, nil
}

func (b *fakeBackend) Prepare(_ context.Context, inv Invocation, _ *Simulation) (*UnsignedTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepared++
	b.inflight++
	if b.inflight > b.maxInflight {
		b.maxInflight = b.inflight
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", inv.Function, b.prepared)))
	return &UnsignedTx{Envelope: "env", Hash: hex.EncodeToString(sum[:])}, nil
}

func (b *fakeBackend) Submit(_ context.Context, tx *SignedTx) (*SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, tx)
	status := SubmitPending
	if len(b.submits) > 0 {
		status = b.submits[0]
		b.submits = b.submits[1:]
	}
	res := &SubmitResult{Hash: tx.Hash, Status: status}
	if status == SubmitError {
		res.ErrorResult = "tx_bad_seq"
	}
	return res, nil
}

func (b *fakeBackend) GetTransaction(_ context.Context, hash string) (*TxInfo, error) {
	b.mu.Lock()
	if b.clock != nil {
		b.pollTimes = append(b.pollTimes, b.clock.Now())
	}
	n := len(b.pollTimes)
	answer := pollAnswer{status: TxSuccess}
	if len(b.polls) > 0 {
		answer = b.polls[0]
		b.polls = b.polls[1:]
	}
	if answer.err == nil && answer.status != TxPending && answer.status != TxNotFound {
		b.inflight--
	}
	onPoll := b.onPoll
	b.mu.Unlock()

	if onPoll != nil {
		onPoll(n)
	}
	if answer.err != nil {
		return nil, answer.err
	}
	return &TxInfo{Status: answer.status, ReturnValue: json.RawMessage(`612`), Ledger: 42, ResultXDR: "failed-xdr"}, nil
}

func (b *fakeBackend) Health(context.Context) error { return nil }

func pending(n int) []pollAnswer {
	out := make([]pollAnswer, n)
	for i := range out {
		out[i] = pollAnswer{status: TxPending}
	}
	return out
}

func newTestGateway(t *testing.T, b *fakeBackend) (*Gateway, *fakeClock) {
	t.Helper()
	signer, err := NewKeypairSigner(testSeed)
	require.NoError(t, err)
	clock := newFakeClock()
	b.clock = clock
	g := NewGateway(b, signer, Config{ContractID: testContract}, WithClock(clock))
	return g, clock
}

func TestGateway_StoreScore_ConfirmsAfterThreePolls(t *testing.T) {
	b := &fakeBackend{polls: append(pending(2), pollAnswer{status: TxSuccess})}
	g, clock := newTestGateway(t, b)

	m := walletmetrics.WalletMetrics{
		TotalVolume3M:        1234.5,
		PaymentPunctuality:   0.95,
		UsageFrequency:       12.4,
		DiversificationScore: 0.42,
		AvgBalance:           99.25,
	}
	rcpt, err := g.StoreScore(context.Background(), testAddr, m)
	require.NoError(t, err)

	assert.Equal(t, 3, rcpt.Attempts)
	assert.Equal(t, TxSuccess, rcpt.Status)
	onChain, err := rcpt.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(612), onChain)

	require.Len(t, b.pollTimes, 3)
	start := b.pollTimes[0]
	assert.Equal(t, 2*time.Second, b.pollTimes[1].Sub(start))
	assert.Equal(t, 4*time.Second, b.pollTimes[2].Sub(start))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.Sleeps())

	inv := b.invocations[0]
	assert.Equal(t, FnStoreScore, inv.Function)
	assert.Equal(t, testContract, inv.ContractID)
	require.Len(t, inv.Args, 6)
	addr, _ := inv.Args[0].AsAddress()
	assert.Equal(t, testAddr, addr)
	wantU32 := []uint32{1_234_500_000, 95, 12, 42, 99_250_000}
	for i, want := range wantU32 {
		got, ok := inv.Args[i+1].AsU32()
		require.True(t, ok)
		assert.Equal(t, want, got, "arg %d", i+1)
	}

	require.Len(t, b.submitted, 1)
	assert.NoError(t, VerifySignature(b.submitted[0]))
}

func TestGateway_ConfirmationTimeout(t *testing.T) {
	b := &fakeBackend{polls: pending(DefaultMaxPollAttempts + 5)}
	g, clock := newTestGateway(t, b)

	_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Len(t, b.pollTimes, DefaultMaxPollAttempts)
	assert.Len(t, clock.Sleeps(), DefaultMaxPollAttempts-1)
}

func TestGateway_TransientPollErrorsShareBudget(t *testing.T) {
	blip := errors.New("connection reset")

	t.Run("recovers", func(t *testing.T) {
		b := &fakeBackend{polls: []pollAnswer{{err: blip}, {err: blip}, {status: TxSuccess}}}
		g, _ := newTestGateway(t, b)

		rcpt, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
		require.NoError(t, err)
		assert.Equal(t, 3, rcpt.Attempts)
	})

	t.Run("exhausts", func(t *testing.T) {
		polls := make([]pollAnswer, DefaultMaxPollAttempts)
		for i := range polls {
			polls[i] = pollAnswer{err: blip}
		}
		b := &fakeBackend{polls: polls}
		g, _ := newTestGateway(t, b)

		_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
		require.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.Contains(t, err.Error(), "connection reset")
		assert.Len(t, b.pollTimes, DefaultMaxPollAttempts)
	})
}

func TestGateway_TransactionFailed(t *testing.T) {
	b := &fakeBackend{polls: []pollAnswer{{status: TxPending}, {status: TxFailed}}}
	g, _ := newTestGateway(t, b)

	_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
	var tf *TransactionFailedError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, PhaseConfirming, tf.Phase)
	assert.Equal(t, "failed-xdr", tf.Result)
	assert.NotEmpty(t, tf.Hash)
}

func TestGateway_SimulationErrorAbortsBeforeSigning(t *testing.T) {
	b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
		return &Simulation{Error: CodeAmountExceeded, ErrorMessage: "amount above tier limit"}, nil
	}}
	g, _ := newTestGateway(t, b)

	_, _, err := g.RequestLoan(context.Background(), testAddr, 5000, 12)
	var se *SimulationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeAmountExceeded, se.Code)
	assert.Equal(t, CodeAmountExceeded, ErrorCode(err))
	assert.Zero(t, b.prepared)
	assert.Empty(t, b.submitted)
}

func TestGateway_ReadOnlyMode(t *testing.T) {
	b := &fakeBackend{simulate: func(inv Invocation) (*Simulation, error) {
		return &Simulation{Result: json.RawMessage(`{"address":"` + testAddr + `","score":640}`)}, nil
	}}
	g := NewGateway(b, nil, Config{ContractID: testContract}, WithClock(newFakeClock()))
	assert.True(t, g.ReadOnly())

	_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, b.prepared)

	rec, err := g.GetScore(context.Background(), testAddr)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint32(640), rec.Score)
}

func TestGateway_NoContractID(t *testing.T) {
	b := &fakeBackend{}
	signer, err := NewKeypairSigner(testSeed)
	require.NoError(t, err)
	g := NewGateway(b, signer, Config{}, WithClock(newFakeClock()))

	_, err = g.ApproveLoan(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotConfigured)

	offers := g.GetLoanOffers(context.Background(), 620)
	require.Len(t, offers, 2)
	assert.Equal(t, 1000.0, offers[0].Amount)
	assert.Empty(t, b.invocations)
}

func TestGateway_SubmitRetriesTryAgainLater(t *testing.T) {
	b := &fakeBackend{submits: []SubmitStatus{SubmitTryAgainLater, SubmitTryAgainLater, SubmitPending}}
	g, clock := newTestGateway(t, b)

	_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
	require.NoError(t, err)
	assert.Len(t, b.submitted, 3)
	// Two submit backoffs (2s, 4s); the default poll answer succeeds at once.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps())
}

func TestGateway_SubmitError(t *testing.T) {
	b := &fakeBackend{submits: []SubmitStatus{SubmitError}}
	g, _ := newTestGateway(t, b)

	_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
	var tf *TransactionFailedError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, PhaseSubmitting, tf.Phase)
	assert.Len(t, b.submitted, 1)
	assert.Empty(t, b.pollTimes)
}

func TestGateway_CancelDuringPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &fakeBackend{polls: pending(DefaultMaxPollAttempts)}
	b.onPoll = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	g, _ := newTestGateway(t, b)

	_, err := g.StoreScore(ctx, testAddr, walletmetrics.WalletMetrics{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, b.pollTimes, 2, "polling stops after cancellation")
	assert.Len(t, b.submitted, 1, "submitted transaction is left alone")
}

func TestGateway_GetScore(t *testing.T) {
	t.Run("no score marker", func(t *testing.T) {
		b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
			return &Simulation{Error: CodeNoScore}, nil
		}}
		g, _ := newTestGateway(t, b)
		rec, err := g.GetScore(context.Background(), testAddr)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("null result", func(t *testing.T) {
		b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
			return &Simulation{Result: json.RawMessage(`null`)}, nil
		}}
		g, _ := newTestGateway(t, b)
		rec, err := g.GetScore(context.Background(), testAddr)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("transport failure propagates", func(t *testing.T) {
		b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
			return nil, errors.New("dial tcp: refused")
		}}
		g, _ := newTestGateway(t, b)
		_, err := g.GetScore(context.Background(), testAddr)
		assert.Error(t, err)
	})

	t.Run("other contract error propagates", func(t *testing.T) {
		b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
			return &Simulation{Error: CodeUnauthorized}, nil
		}}
		g, _ := newTestGateway(t, b)
		_, err := g.GetScore(context.Background(), testAddr)
		assert.Equal(t, CodeUnauthorized, ErrorCode(err))
	})
}

func TestGateway_GetLoan(t *testing.T) {
	b := &fakeBackend{simulate: func(inv Invocation) (*Simulation, error) {
		id, _ := inv.Args[0].AsU32()
		if id != 7 {
			return &Simulation{Result: json.RawMessage(`null`)}, nil
		}
		return &Simulation{Result: json.RawMessage(`{"id":7,"borrower":"` + testAddr + `","amount":500000000,"interest_rate":40000,"duration_months":12,"status":"PENDING"}`)}, nil
	}}
	g, _ := newTestGateway(t, b)

	loan, err := g.GetLoan(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, loan)
	assert.Equal(t, 500.0, UnscaleMicro(loan.Amount))
	assert.Equal(t, LoanPending, loan.Status)

	missing, err := g.GetLoan(context.Background(), 8)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGateway_RequestLoanReturnsID(t *testing.T) {
	b := &fakeBackend{}
	g, _ := newTestGateway(t, b)

	id, rcpt, err := g.RequestLoan(context.Background(), testAddr, 200, 6)
	require.NoError(t, err)
	assert.Equal(t, uint32(612), id)
	assert.NotEmpty(t, rcpt.Hash)

	amount, _ := b.invocations[0].Args[1].AsU32()
	assert.Equal(t, uint32(200_000_000), amount)
}

func TestGateway_GetLoanOffers(t *testing.T) {
	t.Run("from contract", func(t *testing.T) {
		b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
			return &Simulation{Result: json.RawMessage(`[[1000000000,20000,12],[500000000,20000,6]]`)}, nil
		}}
		g, _ := newTestGateway(t, b)

		offers := g.GetLoanOffers(context.Background(), 720)
		require.Len(t, offers, 2)
		assert.Equal(t, 1000.0, offers[0].Amount)
		assert.InDelta(t, 0.02, offers[0].InterestRate, 1e-9)
		assert.Equal(t, 6, offers[1].DurationMonths)
	})

	t.Run("falls back on error", func(t *testing.T) {
		b := &fakeBackend{simulate: func(Invocation) (*Simulation, error) {
			return nil, errors.New("relay down")
		}}
		g, _ := newTestGateway(t, b)

		offers := g.GetLoanOffers(context.Background(), 1000)
		require.Len(t, offers, 2)
		assert.Equal(t, []float64{2000, 1000}, []float64{offers[0].Amount, offers[1].Amount})
	})
}

func TestGateway_WritesForOneAddressAreSerialized(t *testing.T) {
	b := &fakeBackend{}
	g, _ := newTestGateway(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, b.maxInflight)
	assert.Len(t, b.submitted, 8)
}

func TestGateway_WritesForDifferentKeysShareSignerLock(t *testing.T) {
	b := &fakeBackend{}
	g, _ := newTestGateway(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{})
			assert.NoError(t, err)
		}()
		go func(id uint32) {
			defer wg.Done()
			_, err := g.ApproveLoan(context.Background(), id)
			assert.NoError(t, err)
		}(uint32(i))
		go func(id uint32) {
			defer wg.Done()
			_, err := g.RejectLoan(context.Background(), id+100)
			assert.NoError(t, err)
		}(uint32(i))
	}
	wg.Wait()

	assert.Equal(t, 1, b.maxInflight)
	assert.Len(t, b.submitted, 12)
}

func TestGateway_StoreScoreLogsSaturatedArguments(t *testing.T) {
	var buf bytes.Buffer
	signer, err := NewKeypairSigner(testSeed)
	require.NoError(t, err)
	b := &fakeBackend{}
	b.clock = newFakeClock()
	g := NewGateway(b, signer, Config{ContractID: testContract},
		WithClock(b.clock),
		WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))),
	)

	_, err = g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{TotalVolume3M: 120})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "capped")

	_, err = g.StoreScore(context.Background(), testAddr, walletmetrics.WalletMetrics{TotalVolume3M: 25000})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "on-chain record is capped")
	assert.Contains(t, buf.String(), testAddr)

	require.NotEmpty(t, b.invocations)
	last := b.invocations[len(b.invocations)-1]
	assert.Equal(t, U32Arg(math.MaxUint32), last.Args[1])
}
