package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all credit tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("stellarcredit", version)
	client := NewCreditClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAnalyzeWallet, h.HandleAnalyzeWallet)
	s.AddTool(ToolGetCreditScore, h.HandleGetCreditScore)
	s.AddTool(ToolGetLoanOffers, h.HandleGetLoanOffers)
	s.AddTool(ToolRequestLoan, h.HandleRequestLoan)
	s.AddTool(ToolGetLoan, h.HandleGetLoan)
	s.AddTool(ToolGetNetworkStats, h.HandleGetNetworkStats)

	return s
}
