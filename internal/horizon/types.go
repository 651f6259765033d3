package horizon

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Asset types as reported by Horizon.
const (
	AssetTypeNative = "native"
)

// Operation types the scoring pipeline looks at.
const (
	OpPayment       = "payment"
	OpCreateAccount = "create_account"
	OpAccountMerge  = "account_merge"
)

// Balance is one trustline (or the native balance) of an account.
type Balance struct {
	AssetType   string          `json:"asset_type"`
	AssetCode   string          `json:"asset_code,omitempty"`
	AssetIssuer string          `json:"asset_issuer,omitempty"`
	Amount      decimal.Decimal `json:"balance"`
}

// Account is the current ledger state of an address.
type Account struct {
	ID            string    `json:"id"`
	Sequence      string    `json:"sequence"`
	SubentryCount int       `json:"subentry_count"`
	Balances      []Balance `json:"balances"`
}

// Transaction is a ledger transaction touching the address.
type Transaction struct {
	ID             string    `json:"id"`
	Hash           string    `json:"hash"`
	Successful     bool      `json:"successful"`
	CreatedAt      time.Time `json:"created_at"`
	SourceAccount  string    `json:"source_account"`
	OperationCount int       `json:"operation_count"`
	FeeCharged     int64     `json:"fee_charged"`
	Memo           string    `json:"memo,omitempty"`
	PagingToken    string    `json:"paging_token"`
}

// Operation is one operation inside a transaction. Only the fields the
// metrics need are mapped; counterparty fields are empty when the
// operation type does not carry them.
type Operation struct {
	ID                    string          `json:"id"`
	Type                  string          `json:"type"`
	CreatedAt             time.Time       `json:"created_at"`
	TransactionHash       string          `json:"transaction_hash"`
	TransactionSuccessful bool            `json:"transaction_successful"`
	SourceAccount         string          `json:"source_account"`
	From                  string          `json:"from,omitempty"`
	To                    string          `json:"to,omitempty"`
	Funder                string          `json:"funder,omitempty"`
	Account               string          `json:"account,omitempty"`
	Into                  string          `json:"into,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	StartingBalance       decimal.Decimal `json:"starting_balance"`
	AssetType             string          `json:"asset_type,omitempty"`
	AssetCode             string          `json:"asset_code,omitempty"`
	AssetIssuer           string          `json:"asset_issuer,omitempty"`
	PagingToken           string          `json:"paging_token"`
}

// Counterparties returns the other addresses named by the operation,
// excluding self.
func (o Operation) Counterparties(self string) []string {
	var out []string
	for _, addr := range []string{o.From, o.To, o.Funder, o.Account, o.Into} {
		if addr == "" || addr == self {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// WalletData is everything fetched for one address. A missing account
// yields Exists=false and empty slices, not an error.
type WalletData struct {
	Address      string        `json:"address"`
	Exists       bool          `json:"exists"`
	Account      *Account      `json:"account,omitempty"`
	Transactions []Transaction `json:"transactions"`
	Operations   []Operation   `json:"operations"`
	// Oldest is the first transaction of the account, fetched separately
	// when the windowed pages do not reach back that far.
	Oldest *Transaction `json:"oldest,omitempty"`
	// Truncated is set when paging stopped at the page cap before the window was covered.
	Truncated bool      `json:"truncated"`
	FetchedAt time.Time `json:"fetched_at"`
}

// HasHistory reports whether the address has any ledger activity.
func (w *WalletData) HasHistory() bool {
	return w != nil && w.Exists && (len(w.Transactions) > 0 || len(w.Operations) > 0)
}

// TransactionPage is one cursor page of transactions.
type TransactionPage struct {
	Records    []Transaction `json:"records"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// Raw wire shapes. Horizon encodes amounts and fees as strings; they are
// mapped onto typed records by the to* helpers and never leave this package.

type rawBalance struct {
	Balance     string `json:"balance"`
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`
}

type rawAccount struct {
	ID            string       `json:"id"`
	AccountID     string       `json:"account_id"`
	Sequence      string       `json:"sequence"`
	SubentryCount int          `json:"subentry_count"`
	Balances      []rawBalance `json:"balances"`
}

type rawTransaction struct {
	ID             string `json:"id"`
	Hash           string `json:"hash"`
	Successful     bool   `json:"successful"`
	CreatedAt      string `json:"created_at"`
	SourceAccount  string `json:"source_account"`
	OperationCount int    `json:"operation_count"`
	FeeCharged     string `json:"fee_charged"`
	Memo           string `json:"memo"`
	PagingToken    string `json:"paging_token"`
}

type rawOperation struct {
	ID                    string `json:"id"`
	PagingToken           string `json:"paging_token"`
	Type                  string `json:"type"`
	CreatedAt             string `json:"created_at"`
	TransactionHash       string `json:"transaction_hash"`
	TransactionSuccessful *bool  `json:"transaction_successful"`
	SourceAccount         string `json:"source_account"`
	From                  string `json:"from"`
	To                    string `json:"to"`
	Funder                string `json:"funder"`
	Account               string `json:"account"`
	Into                  string `json:"into"`
	Amount                string `json:"amount"`
	StartingBalance       string `json:"starting_balance"`
	AssetType             string `json:"asset_type"`
	AssetCode             string `json:"asset_code"`
	AssetIssuer           string `json:"asset_issuer"`
}

type page[T any] struct {
	Embedded struct {
		Records []T `json:"records"`
	} `json:"_embedded"`
}

func parseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (r rawAccount) toAccount() *Account {
	id := r.AccountID
	if id == "" {
		id = r.ID
	}
	acc := &Account{
		ID:            id,
		Sequence:      r.Sequence,
		SubentryCount: r.SubentryCount,
		Balances:      make([]Balance, 0, len(r.Balances)),
	}
	for _, b := range r.Balances {
		acc.Balances = append(acc.Balances, Balance{
			AssetType:   b.AssetType,
			AssetCode:   b.AssetCode,
			AssetIssuer: b.AssetIssuer,
			Amount:      parseAmount(b.Balance),
		})
	}
	return acc
}

func (r rawTransaction) toTransaction() Transaction {
	fee, _ := strconv.ParseInt(r.FeeCharged, 10, 64)
	return Transaction{
		ID:             r.ID,
		Hash:           r.Hash,
		Successful:     r.Successful,
		CreatedAt:      parseTime(r.CreatedAt),
		SourceAccount:  r.SourceAccount,
		OperationCount: r.OperationCount,
		FeeCharged:     fee,
		Memo:           r.Memo,
		PagingToken:    r.PagingToken,
	}
}

func (r rawOperation) toOperation() Operation {
	// Older Horizon versions omit transaction_successful; those only
	// returned successful operations.
	successful := true
	if r.TransactionSuccessful != nil {
		successful = *r.TransactionSuccessful
	}
	return Operation{
		ID:                    r.ID,
		Type:                  r.Type,
		CreatedAt:             parseTime(r.CreatedAt),
		TransactionHash:       r.TransactionHash,
		TransactionSuccessful: successful,
		SourceAccount:         r.SourceAccount,
		From:                  r.From,
		To:                    r.To,
		Funder:                r.Funder,
		Account:               r.Account,
		Into:                  r.Into,
		Amount:                parseAmount(r.Amount),
		StartingBalance:       parseAmount(r.StartingBalance),
		AssetType:             r.AssetType,
		AssetCode:             r.AssetCode,
		AssetIssuer:           r.AssetIssuer,
		PagingToken:           r.PagingToken,
	}
}
