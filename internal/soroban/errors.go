package soroban

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	// ErrNotConfigured means the gateway cannot write: there is no contract
	// id or no signing key (read-only mode).
	ErrNotConfigured = errors.New("soroban: contract not configured")

	// ErrConfirmationTimeout means the transaction was submitted but no
	// terminal status was seen within the poll budget. The transaction may
	// still land.
	ErrConfirmationTimeout = errors.New("soroban: confirmation timeout")
)

// Error codes the credit contract reports from simulation.
const (
	CodeNoScore        = "NO_SCORE"
	CodeAmountExceeded = "AMOUNT_EXCEEDED"
	CodeLoanNotFound   = "LOAN_NOT_FOUND"
	CodeInvalidStatus  = "INVALID_STATUS"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidArgs    = "INVALID_ARGS"
)

// SimulationError is a contract rejection seen during the dry run. Nothing
// was signed or submitted.
type SimulationError struct {
	Function string
	Code     string
	Message  string
}

func (e *SimulationError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("soroban: simulate %s: %s: %s", e.Function, e.Code, e.Message)
	}
	return fmt.Sprintf("soroban: simulate %s: %s", e.Function, e.Code)
}

// TransactionFailedError is an execution failure after submission.
type TransactionFailedError struct {
	Function string
	Hash     string
	Phase    Phase  // SUBMITTING or CONFIRMING
	Result   string // result payload reported by the network
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("soroban: %s failed during %s (tx: %s): %s", e.Function, e.Phase, e.Hash, e.Result)
}

// ErrorCode returns the contract error code carried by err, or "".
func ErrorCode(err error) string {
	var se *SimulationError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
