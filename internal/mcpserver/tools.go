package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the credit MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeWallet = mcp.NewTool("analyze_wallet",
	mcp.WithDescription(
		"Analyze a Stellar wallet's last three months of activity and compute a credit score (0-1000). "+
			"Returns the score, risk level, the metrics behind it, loan offers and recommendations. "+
			"The score is also written to the credit contract, so this can take several seconds."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Stellar account address (G..., 56 characters)")),
	mcp.WithString("network",
		mcp.Description("Stellar network to read from"),
		mcp.Enum("testnet", "mainnet")),
)

var ToolGetCreditScore = mcp.NewTool("get_credit_score",
	mcp.WithDescription(
		"Look up the most recent stored credit score for a Stellar wallet without re-analyzing it. "+
			"Use analyze_wallet first if the wallet has never been scored."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Stellar account address (G..., 56 characters)")),
)

var ToolGetLoanOffers = mcp.NewTool("get_loan_offers",
	mcp.WithDescription(
		"List the loan offers available at a given credit score. "+
			"Higher scores unlock larger amounts at lower monthly interest."),
	mcp.WithNumber("score",
		mcp.Required(),
		mcp.Description("Credit score between 0 and 1000")),
)

var ToolRequestLoan = mcp.NewTool("request_loan",
	mcp.WithDescription(
		"Request a loan for a scored wallet. The contract checks the amount against the wallet's score tier "+
			"and records a PENDING loan awaiting approval."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Borrower's Stellar address (G..., 56 characters)")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Loan amount in USD (e.g. 250)")),
	mcp.WithNumber("duration_months",
		mcp.Required(),
		mcp.Description("Loan duration in months (1-60)")),
)

var ToolGetLoan = mcp.NewTool("get_loan",
	mcp.WithDescription("Get the status and terms of a loan by its id."),
	mcp.WithNumber("loan_id",
		mcp.Required(),
		mcp.Description("Loan id returned by request_loan")),
)

var ToolGetNetworkStats = mcp.NewTool("get_network_stats",
	mcp.WithDescription(
		"Get aggregate statistics over analyzed wallets: counts, average and median score, "+
			"total volume and the score distribution."),
)
