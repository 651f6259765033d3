package chainsim

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/strkey"
)

// contractError is a rejection raised by the contract itself.
type contractError struct {
	Code    string
	Message string
}

func (e *contractError) Error() string {
	return fmt.Sprintf("contract error %s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *contractError {
	return &contractError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// effects are the writes an invocation would make.
type effects struct {
	score       *soroban.ScoreRecord
	loan        *soroban.LoanRecord
	loanCounter uint32
}

// execute runs inv against meta and the store at ledger. It never writes;
// apply persists the returned effects. An empty signer skips auth checks.
func (c *Contract) execute(ctx context.Context, meta Meta, inv soroban.Invocation, signer string, ledger uint32) (json.RawMessage, *effects, error) {
	var (
		result any
		eff    *effects
		err    error
	)
	args := argReader{fn: inv.Function, args: inv.Args}

	switch inv.Function {
	case soroban.FnStoreScore:
		result, eff, err = c.storeScore(meta, args, signer, ledger)
	case soroban.FnGetScore:
		result, err = c.getScore(ctx, args)
	case soroban.FnRequestLoan:
		result, eff, err = c.requestLoan(ctx, meta, args, signer, ledger)
	case soroban.FnGetLoan:
		result, err = c.getLoan(ctx, args)
	case soroban.FnGetLoanOffers:
		var score uint32
		if score, err = args.u32(0, 1); err == nil {
			result = LoanOffers(score)
		}
	case soroban.FnApproveLoan:
		result, eff, err = c.setLoanStatus(ctx, meta, args, signer, soroban.LoanApproved)
	case soroban.FnRejectLoan:
		result, eff, err = c.setLoanStatus(ctx, meta, args, signer, soroban.LoanRejected)
	default:
		err = reject(soroban.CodeInvalidArgs, "unknown function %q", inv.Function)
	}
	if err != nil {
		return nil, nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("chainsim: encode %s result: %w", inv.Function, err)
	}
	return raw, eff, nil
}

func (c *Contract) storeScore(meta Meta, args argReader, signer string, ledger uint32) (any, *effects, error) {
	addr, err := args.address(0, 6)
	if err != nil {
		return nil, nil, err
	}
	var in [5]uint32
	for i := range in {
		if in[i], err = args.u32(i+1, 6); err != nil {
			return nil, nil, err
		}
	}
	if err := requireAuth(meta, signer, addr); err != nil {
		return nil, nil, err
	}

	score := CalculateScore(ScoreInputs{
		Volume: in[0], Punctuality: in[1], Frequency: in[2], Diversification: in[3], Balance: in[4],
	})
	rec := &soroban.ScoreRecord{
		Address:            addr,
		Score:              score,
		LastUpdated:        ledger,
		TransactionVolume:  in[0],
		PaymentPunctuality: in[1],
		UsageFrequency:     in[2],
		Diversification:    in[3],
		AvgBalance:         in[4],
	}
	return score, &effects{score: rec}, nil
}

func (c *Contract) getScore(ctx context.Context, args argReader) (any, error) {
	addr, err := args.address(0, 1)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.Score(ctx, addr)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Contract) requestLoan(ctx context.Context, meta Meta, args argReader, signer string, ledger uint32) (any, *effects, error) {
	borrower, err := args.address(0, 3)
	if err != nil {
		return nil, nil, err
	}
	amount, err := args.u32(1, 3)
	if err != nil {
		return nil, nil, err
	}
	months, err := args.u32(2, 3)
	if err != nil {
		return nil, nil, err
	}
	if err := requireAuth(meta, signer, borrower); err != nil {
		return nil, nil, err
	}
	if amount == 0 || months == 0 {
		return nil, nil, reject(soroban.CodeInvalidArgs, "amount and duration must be positive")
	}

	score, err := c.store.Score(ctx, borrower)
	if err != nil {
		return nil, nil, err
	}
	if score == nil {
		return nil, nil, reject(soroban.CodeNoScore, "no credit score for %s", borrower)
	}
	if maxAmount := MaxLoanAmount(score.Score); amount > maxAmount {
		return nil, nil, reject(soroban.CodeAmountExceeded, "amount %d exceeds limit %d for score %d", amount, maxAmount, score.Score)
	}

	id := meta.LoanCounter + 1
	loan := &soroban.LoanRecord{
		ID:             id,
		Borrower:       borrower,
		Amount:         amount,
		InterestRate:   InterestRate(score.Score),
		DurationMonths: months,
		Status:         soroban.LoanPending,
		CreatedAt:      ledger,
		RequiredScore:  score.Score,
	}
	return id, &effects{loan: loan, loanCounter: id}, nil
}

func (c *Contract) getLoan(ctx context.Context, args argReader) (any, error) {
	id, err := args.u32(0, 1)
	if err != nil {
		return nil, err
	}
	loan, err := c.store.Loan(ctx, id)
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (c *Contract) setLoanStatus(ctx context.Context, meta Meta, args argReader, signer, status string) (any, *effects, error) {
	id, err := args.u32(0, 1)
	if err != nil {
		return nil, nil, err
	}
	if signer != "" && signer != meta.Admin {
		return nil, nil, reject(soroban.CodeUnauthorized, "only the admin may change loan status")
	}
	loan, err := c.store.Loan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if loan == nil {
		return nil, nil, reject(soroban.CodeLoanNotFound, "loan %d not found", id)
	}
	if loan.Status != soroban.LoanPending {
		return nil, nil, reject(soroban.CodeInvalidStatus, "loan %d is %s", id, loan.Status)
	}
	loan.Status = status
	return nil, &effects{loan: loan}, nil
}

func requireAuth(meta Meta, signer, addr string) error {
	if signer == "" || signer == addr || signer == meta.Admin {
		return nil
	}
	return reject(soroban.CodeUnauthorized, "%s may not act for %s", signer, addr)
}

// argReader decodes positional arguments, rejecting wrong arity or types.
type argReader struct {
	fn   string
	args []soroban.Arg
}

func (r argReader) arity(want int) error {
	if len(r.args) != want {
		return reject(soroban.CodeInvalidArgs, "%s takes %d arguments, got %d", r.fn, want, len(r.args))
	}
	return nil
}

func (r argReader) address(i, arity int) (string, error) {
	if err := r.arity(arity); err != nil {
		return "", err
	}
	addr, ok := r.args[i].AsAddress()
	if !ok || !strkey.IsValidAddress(addr) {
		return "", reject(soroban.CodeInvalidArgs, "%s argument %d must be an address", r.fn, i)
	}
	return addr, nil
}

func (r argReader) u32(i, arity int) (uint32, error) {
	if err := r.arity(arity); err != nil {
		return 0, err
	}
	n, ok := r.args[i].AsU32()
	if !ok {
		return 0, reject(soroban.CodeInvalidArgs, "%s argument %d must be u32", r.fn, i)
	}
	return n, nil
}
