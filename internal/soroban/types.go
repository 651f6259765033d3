package soroban

import (
	"context"
	"encoding/json"
	"time"
)

// -----------------------------------------------------------------------------
// Invocation
// -----------------------------------------------------------------------------

// ArgType is the contract-level type of an argument.
type ArgType string

const (
	ArgAddress ArgType = "address"
	ArgU32     ArgType = "u32"
)

// Arg is one typed contract argument.
type Arg struct {
	Type  ArgType         `json:"type"`
	Value json.RawMessage `json:"value"`
}

// AddressArg encodes a G... or C... address.
func AddressArg(addr string) Arg {
	v, _ := json.Marshal(addr)
	return Arg{Type: ArgAddress, Value: v}
}

// U32Arg encodes an unsigned 32-bit integer.
func U32Arg(n uint32) Arg {
	v, _ := json.Marshal(n)
	return Arg{Type: ArgU32, Value: v}
}

// AsAddress decodes an address argument.
func (a Arg) AsAddress() (string, bool) {
	if a.Type != ArgAddress {
		return "", false
	}
	var s string
	if err := json.Unmarshal(a.Value, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsU32 decodes a u32 argument.
func (a Arg) AsU32() (uint32, bool) {
	if a.Type != ArgU32 {
		return 0, false
	}
	var n uint32
	if err := json.Unmarshal(a.Value, &n); err != nil {
		return 0, false
	}
	return n, true
}

// Invocation is a call of one contract function.
type Invocation struct {
	ContractID string `json:"contract_id"`
	Function   string `json:"function"`
	Args       []Arg  `json:"args"`
	Source     string `json:"source,omitempty"` // account paying for and authorizing the call
}

// Simulation is the dry-run outcome. A non-empty Error is a contract
// rejection; Result holds the would-be return value otherwise.
type Simulation struct {
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	MinResourceFee int64           `json:"min_resource_fee"`
	Footprint      string          `json:"footprint,omitempty"`
	LatestLedger   uint32          `json:"latest_ledger"`
}

// UnsignedTx is a prepared transaction with its resource footprint attached.
type UnsignedTx struct {
	Envelope string `json:"envelope"`
	Hash     string `json:"hash"` // hex, the payload that gets signed
}

// SignedTx is an UnsignedTx plus the authority's signature.
type SignedTx struct {
	Envelope  string `json:"envelope"`
	Hash      string `json:"hash"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"` // base64
}

// SubmitStatus is the network's answer to a submission.
type SubmitStatus string

const (
	SubmitPending       SubmitStatus = "PENDING"
	SubmitDuplicate     SubmitStatus = "DUPLICATE"
	SubmitTryAgainLater SubmitStatus = "TRY_AGAIN_LATER"
	SubmitError         SubmitStatus = "ERROR"
)

// SubmitResult is returned by Backend.Submit.
type SubmitResult struct {
	Hash        string       `json:"hash"`
	Status      SubmitStatus `json:"status"`
	ErrorResult string       `json:"error_result,omitempty"`
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxSuccess  TxStatus = "SUCCESS"
	TxFailed   TxStatus = "FAILED"
	TxNotFound TxStatus = "NOT_FOUND"
	TxPending  TxStatus = "PENDING"
)

// TxInfo is one status poll.
type TxInfo struct {
	Status      TxStatus        `json:"status"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	ResultXDR   string          `json:"result_xdr,omitempty"`
	Ledger      uint32          `json:"ledger,omitempty"`
}

// Backend is the contract-call collaborator: it simulates, prepares,
// submits and reports on invocations. RPCBackend talks to a remote relay;
// chainsim.Contract runs the contract in-process.
type Backend interface {
	Simulate(ctx context.Context, inv Invocation) (*Simulation, error)
	Prepare(ctx context.Context, inv Invocation, sim *Simulation) (*UnsignedTx, error)
	Submit(ctx context.Context, tx *SignedTx) (*SubmitResult, error)
	GetTransaction(ctx context.Context, hash string) (*TxInfo, error)
	Health(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Phase is a step of the write lifecycle.
type Phase string

const (
	PhaseBuilding   Phase = "BUILDING"
	PhaseSimulating Phase = "SIMULATING"
	PhasePreparing  Phase = "PREPARING"
	PhaseSigning    Phase = "SIGNING"
	PhaseSubmitting Phase = "SUBMITTING"
	PhaseConfirming Phase = "CONFIRMING"
	PhaseSuccess    Phase = "SUCCESS"
	PhaseFailed     Phase = "FAILED"
	PhaseTimeout    Phase = "TIMEOUT"
)

// Receipt describes a confirmed write.
type Receipt struct {
	Function    string          `json:"function"`
	Hash        string          `json:"hash"`
	Status      TxStatus        `json:"status"`
	Ledger      uint32          `json:"ledger,omitempty"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	Attempts    int             `json:"attempts"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// Uint32 decodes a u32 return value.
func (r *Receipt) Uint32() (uint32, error) {
	var n uint32
	if err := json.Unmarshal(r.ReturnValue, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Contract records
// -----------------------------------------------------------------------------

// ScoreRecord is the contract's stored score for an address. Money fields
// are micro-units, percentages are whole percents.
type ScoreRecord struct {
	Address            string `json:"address"`
	Score              uint32 `json:"score"`
	LastUpdated        uint32 `json:"last_updated"` // ledger sequence
	TransactionVolume  uint32 `json:"transaction_volume"`
	PaymentPunctuality uint32 `json:"payment_punctuality"`
	UsageFrequency     uint32 `json:"usage_frequency"`
	Diversification    uint32 `json:"diversification"`
	AvgBalance         uint32 `json:"avg_balance"`
}

// Loan statuses.
const (
	LoanPending   = "PENDING"
	LoanApproved  = "APPROVED"
	LoanRejected  = "REJECTED"
	LoanCompleted = "COMPLETED"
)

// LoanRecord is a loan request held by the contract. Amount is micro-units
// and InterestRate a monthly fraction in micro-units.
type LoanRecord struct {
	ID             uint32 `json:"id"`
	Borrower       string `json:"borrower"`
	Amount         uint32 `json:"amount"`
	InterestRate   uint32 `json:"interest_rate"`
	DurationMonths uint32 `json:"duration_months"`
	Status         string `json:"status"`
	CreatedAt      uint32 `json:"created_at"` // ledger sequence
	RequiredScore  uint32 `json:"required_score"`
}

// LoanOffer is a loan the borrower qualifies for.
type LoanOffer struct {
	Amount         float64 `json:"amount"`
	InterestRate   float64 `json:"interest_rate"` // monthly fraction
	DurationMonths int     `json:"duration_months"`
	Description    string  `json:"description"`
}
