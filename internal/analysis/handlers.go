package analysis

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stellarcredit/internal/logging"
	"github.com/mbd888/stellarcredit/internal/scoring"
	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/validation"
)

// Error codes returned in {"error", "code"} bodies.
const (
	CodeInvalidAddress      = "INVALID_ADDRESS"
	CodeInvalidNetwork      = "INVALID_NETWORK"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidScore        = "INVALID_SCORE"
	CodeInvalidLoanID       = "INVALID_LOAN_ID"
	CodeInvalidLimit        = "INVALID_LIMIT"
	CodeAnalysisError       = "ANALYSIS_ERROR"
	CodeScoreNotFound       = "SCORE_NOT_FOUND"
	CodeLoanNotFound        = "LOAN_NOT_FOUND"
	CodeNotConfigured       = "NOT_CONFIGURED"
	CodeTransactionFailed   = "TRANSACTION_FAILED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Handler provides the HTTP API of the service.
type Handler struct {
	service *Service
}

// NewHandler creates a new analysis handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyze-wallet", h.AnalyzeWallet)
	r.GET("/score/:address", validation.AddressParamMiddleware(), h.GetScore)
	r.POST("/request-loan", h.RequestLoan)
	r.GET("/loan/:loanId", h.GetLoan)
	r.GET("/loan-offers/:score", h.LoanOffers)
	r.GET("/transaction-history/:address", validation.AddressParamMiddleware(), h.TransactionHistory)
	r.GET("/stats", h.Stats)
}

// RegisterAdminRoutes sets up loan decision routes. The caller guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/loan/:loanId/approve", h.ApproveLoan)
	r.POST("/loan/:loanId/reject", h.RejectLoan)
}

type analyzeRequest struct {
	Address string `json:"address" binding:"required,stellar_address"`
	Network string `json:"network" binding:"omitempty,stellar_network"`
}

type loanRequest struct {
	Address        string  `json:"address" binding:"required,stellar_address"`
	Amount         float64 `json:"amount" binding:"gt=0"`
	DurationMonths int     `json:"duration_months" binding:"gte=1,lte=60"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

// bindJSON binds the body and answers 400 on failure. Address tag failures
// get INVALID_ADDRESS, network tag failures INVALID_NETWORK.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		ve := validation.FromError(err)
		switch {
		case ve.Has(validation.TagStellarAddress):
			respondError(c, http.StatusBadRequest, CodeInvalidAddress, "address must be a valid Stellar address (G... or C..., 56 characters)")
		case ve.Has(validation.TagStellarNetwork):
			respondError(c, http.StatusBadRequest, CodeInvalidNetwork, "network must be testnet or mainnet")
		default:
			respondError(c, http.StatusBadRequest, CodeInvalidRequest, ve.Error())
		}
		return false
	}
	return true
}

// AnalyzeWallet handles POST /api/analyze-wallet
func (h *Handler) AnalyzeWallet(c *gin.Context) {
	var req analyzeRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.service.AnalyzeWallet(c.Request.Context(), validation.SanitizeAddress(req.Address), req.Network)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAddress):
			respondError(c, http.StatusBadRequest, CodeInvalidAddress, "address must be a valid Stellar address (G... or C..., 56 characters)")
		case errors.Is(err, ErrUnsupportedNetwork):
			respondError(c, http.StatusBadRequest, CodeInvalidNetwork, "network must be testnet or mainnet")
		default:
			respondError(c, http.StatusInternalServerError, CodeAnalysisError, "wallet analysis failed")
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetScore handles GET /api/score/:address
func (h *Handler) GetScore(c *gin.Context) {
	view, err := h.service.GetScore(c.Request.Context(), validation.SanitizeAddress(c.Param("address")))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAddress):
			respondError(c, http.StatusBadRequest, CodeInvalidAddress, "invalid address")
		case errors.Is(err, ErrScoreNotFound):
			respondError(c, http.StatusNotFound, CodeScoreNotFound, "no score stored for this address")
		default:
			logging.L(c.Request.Context()).Error("score lookup failed", "error", err)
			respondError(c, http.StatusInternalServerError, CodeInternal, "score lookup failed")
		}
		return
	}
	c.JSON(http.StatusOK, view)
}

// RequestLoan handles POST /api/request-loan
func (h *Handler) RequestLoan(c *gin.Context) {
	var req loanRequest
	if !bindJSON(c, &req) {
		return
	}

	loan, err := h.service.RequestLoan(c.Request.Context(), validation.SanitizeAddress(req.Address), req.Amount, req.DurationMonths)
	if err != nil {
		writeContractError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

// GetLoan handles GET /api/loan/:loanId
func (h *Handler) GetLoan(c *gin.Context) {
	id, ok := loanID(c)
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(c.Request.Context(), id)
	if err != nil {
		writeContractError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// ApproveLoan handles POST /api/admin/loan/:loanId/approve
func (h *Handler) ApproveLoan(c *gin.Context) {
	h.decide(c, h.service.ApproveLoan)
}

// RejectLoan handles POST /api/admin/loan/:loanId/reject
func (h *Handler) RejectLoan(c *gin.Context) {
	h.decide(c, h.service.RejectLoan)
}

func (h *Handler) decide(c *gin.Context, op func(context.Context, uint32) (*Loan, error)) {
	id, ok := loanID(c)
	if !ok {
		return
	}
	loan, err := op(c.Request.Context(), id)
	if err != nil {
		writeContractError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// LoanOffers handles GET /api/loan-offers/:score
func (h *Handler) LoanOffers(c *gin.Context) {
	score, err := strconv.Atoi(c.Param("score"))
	if err != nil || score < scoring.MinScore || score > scoring.MaxScore {
		respondError(c, http.StatusBadRequest, CodeInvalidScore, "score must be an integer between 0 and 1000")
		return
	}
	offers := h.service.LoanOffers(c.Request.Context(), score)
	c.JSON(http.StatusOK, gin.H{
		"score":  score,
		"offers": offers,
		"count":  len(offers),
	})
}

// TransactionHistory handles GET /api/transaction-history/:address
func (h *Handler) TransactionHistory(c *gin.Context) {
	limit := DefaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			respondError(c, http.StatusBadRequest, CodeInvalidLimit, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > MaxHistoryLimit {
			limit = MaxHistoryLimit
		}
	}

	address := validation.SanitizeAddress(c.Param("address"))
	page, err := h.service.TransactionHistory(c.Request.Context(), address, c.Query("network"), limit, c.Query("cursor"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAddress):
			respondError(c, http.StatusBadRequest, CodeInvalidAddress, "invalid address")
		case errors.Is(err, ErrUnsupportedNetwork):
			respondError(c, http.StatusBadRequest, CodeInvalidNetwork, "network must be testnet or mainnet")
		default:
			logging.L(c.Request.Context()).Error("transaction history failed", "address", address, "error", err)
			respondError(c, http.StatusBadGateway, CodeLedgerUnavailable, "ledger service unavailable")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":      address,
		"transactions": page.Records,
		"count":        len(page.Records),
		"next_cursor":  page.NextCursor,
	})
}

// Stats handles GET /api/stats
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("stats failed", "error", err)
		respondError(c, http.StatusInternalServerError, CodeInternal, "stats unavailable")
		return
	}
	c.JSON(http.StatusOK, st)
}

func loanID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("loanId"), 10, 32)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, CodeInvalidLoanID, "loanId must be a positive integer")
		return 0, false
	}
	return uint32(id), true
}

// writeContractError maps loan operation errors onto HTTP responses.
// Contract rejection codes are passed through.
func writeContractError(c *gin.Context, err error) {
	var (
		sim    *soroban.SimulationError
		failed *soroban.TransactionFailedError
	)
	switch {
	case errors.Is(err, ErrInvalidAddress):
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "invalid address")
	case errors.Is(err, ErrInvalidLoanRequest):
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, ErrLoanNotFound):
		respondError(c, http.StatusNotFound, CodeLoanNotFound, "loan not found")
	case errors.Is(err, soroban.ErrNotConfigured):
		respondError(c, http.StatusServiceUnavailable, CodeNotConfigured, "contract writes are not configured")
	case errors.As(err, &sim):
		switch sim.Code {
		case soroban.CodeLoanNotFound:
			respondError(c, http.StatusNotFound, CodeLoanNotFound, "loan not found")
		case soroban.CodeUnauthorized:
			respondError(c, http.StatusForbidden, sim.Code, "not authorized for this contract call")
		case soroban.CodeInvalidArgs:
			respondError(c, http.StatusBadRequest, CodeInvalidRequest, sim.Error())
		default:
			respondError(c, http.StatusBadRequest, sim.Code, sim.Error())
		}
	case errors.As(err, &failed):
		logging.L(c.Request.Context()).Error("contract transaction failed", "error", err)
		respondError(c, http.StatusBadGateway, CodeTransactionFailed, "contract transaction failed")
	case errors.Is(err, soroban.ErrConfirmationTimeout):
		respondError(c, http.StatusGatewayTimeout, CodeConfirmationTimeout, "transaction submitted but not confirmed in time")
	default:
		logging.L(c.Request.Context()).Error("contract call failed", "error", err)
		respondError(c, http.StatusInternalServerError, CodeInternal, "contract call failed")
	}
}
