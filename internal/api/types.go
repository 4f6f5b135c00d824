package api

import (
	"github.com/shopspring/decimal"

	"vaultflow/internal/models"
)

// ==================== Quotes ====================

// QuoteRequest represents a request to price a swap
type QuoteRequest struct {
	SourceAsset string `json:"source_asset"`
	SourceChain string `json:"source_chain"`
	TargetAsset string `json:"target_asset"`
	TargetChain string `json:"target_chain"`
	Amount      string `json:"amount"`
	SlippageBps int32  `json:"slippage_bps,omitempty"`
	Recipient   string `json:"recipient"`
	RefundTo    string `json:"refund_to,omitempty"`
}

// QuoteResponse represents response with ranked quotes, best first
type QuoteResponse struct {
	Quotes []models.Quote `json:"quotes"`
}

// QuoteSessionInput is one inputs message on the live quote socket. A
// missing or non-positive amount clears the session's current quote.
type QuoteSessionInput struct {
	SourceAsset string `json:"source_asset"`
	SourceChain string `json:"source_chain"`
	TargetAsset string `json:"target_asset"`
	TargetChain string `json:"target_chain"`
	Amount      string `json:"amount"`
	SlippageBps int32  `json:"slippage_bps,omitempty"`
	Recipient   string `json:"recipient"`
	RefundTo    string `json:"refund_to,omitempty"`
}

// QuoteSessionUpdate is one result frame on the live quote socket. An
// empty quotes list means the current inputs have no live quote.
type QuoteSessionUpdate struct {
	Quotes []models.Quote `json:"quotes"`
	Error  string         `json:"error,omitempty"`
}

// ==================== Processes ====================

// StartProcessRequest represents a request to start a deposit process
type StartProcessRequest struct {
	UserAddress  string `json:"user_address"`
	VaultID      string `json:"vault_id"`
	Kind         string `json:"kind"` // DIRECT or CROSS_CHAIN
	Amount       string `json:"amount"`
	SourceChain  string `json:"source_chain,omitempty"`
	SourceToken  string `json:"source_token,omitempty"`
	SourceAmount string `json:"source_amount,omitempty"`
}

// StartProcessResponse represents response with the created process
type StartProcessResponse struct {
	ProcessID string                 `json:"process_id"`
	Process   *models.DepositProcess `json:"process"`
}

// SubmitTransferRequest carries the quote whose deposit address to fund
type SubmitTransferRequest struct {
	Quote models.Quote `json:"quote"`
}

// SubmitTransferResponse represents response with the transfer id
type SubmitTransferResponse struct {
	TransferID string `json:"transfer_id"`
}

// ProcessResponse represents response with a single process snapshot
type ProcessResponse struct {
	Process *models.DepositProcess `json:"process"`
}

// UserProcessesResponse represents response with a user's processes
type UserProcessesResponse struct {
	Processes []models.DepositProcess `json:"processes"`
}

// ==================== Vaults ====================

// VaultSummary represents one depositable vault
type VaultSummary struct {
	ID           string `json:"id"`
	ChainID      string `json:"chain_id"`
	Address      string `json:"address"`
	AssetSymbol  string `json:"asset_symbol"`
	AssetDecimal int32  `json:"asset_decimals"`
}

// VaultsResponse represents response with the configured vaults
type VaultsResponse struct {
	Vaults []VaultSummary `json:"vaults"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
