package models

import (
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProcessState represents the state of a deposit process
type ProcessState string

const (
	StateIdle            ProcessState = "IDLE"
	StateSwapPending     ProcessState = "SWAP_PENDING"
	StateSwapComplete    ProcessState = "SWAP_COMPLETE"
	StateApprovalPending ProcessState = "APPROVAL_PENDING"
	StateDepositPending  ProcessState = "DEPOSIT_PENDING"
	StateCompleted       ProcessState = "COMPLETED"
	StateFailed          ProcessState = "FAILED"
	StateCancelled       ProcessState = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s ProcessState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ProcessKind distinguishes direct deposits from ones that need a swap leg
type ProcessKind string

const (
	KindDirect     ProcessKind = "DIRECT"
	KindCrossChain ProcessKind = "CROSS_CHAIN"
)

// ChainFamily identifies which wallet/signer family a chain belongs to
type ChainFamily string

const (
	FamilyEVM    ChainFamily = "evm"
	FamilySolana ChainFamily = "solana"
)

// FamilyForChain maps an aggregator chain name onto its signer family.
func FamilyForChain(chain string) ChainFamily {
	switch strings.ToLower(chain) {
	case "sol", "solana":
		return FamilySolana
	default:
		return FamilyEVM
	}
}

// AssetRef identifies a depositable asset. Contract is empty for native assets.
type AssetRef struct {
	Symbol   string `json:"symbol"`
	Contract string `json:"contract,omitempty"`
	Decimals int32  `json:"decimals"`
}

// VaultRef identifies the destination vault contract and its chain.
type VaultRef struct {
	ID      string `json:"id"`
	ChainID string `json:"chain_id"`
	Address string `json:"address"`
}

// DepositProcess is the canonical record of one user deposit journey.
// It is owned exclusively by the process store; everything handed out of
// the store is a snapshot copy.
type DepositProcess struct {
	ID          string       `json:"id"`
	UserAddress string       `json:"user_address"`
	Vault       VaultRef     `json:"vault"`
	Kind        ProcessKind  `json:"kind"`
	State       ProcessState `json:"state"`

	TargetAsset            AssetRef         `json:"target_asset"`
	RequestedDepositAmount decimal.Decimal  `json:"requested_deposit_amount"`
	RealizedTargetAmount   *decimal.Decimal `json:"realized_target_amount,omitempty"`

	// Cross-chain leg, unset for DIRECT
	SourceChain  string           `json:"source_chain,omitempty"`
	SourceToken  string           `json:"source_token,omitempty"`
	SourceAmount *decimal.Decimal `json:"source_amount,omitempty"`
	TransferID   *string          `json:"transfer_id,omitempty"`

	// Advisory progress detail from the tracker, no transition depends on it
	LastTransferStatus *TransferStatus `json:"last_transfer_status,omitempty"`

	// Populated only on successful deposit
	TransactionHash *string          `json:"transaction_hash,omitempty"`
	VaultShares     *decimal.Decimal `json:"vault_shares,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`

	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Terminal reports whether the process has reached a final state.
func (p *DepositProcess) Terminal() bool {
	return p.State.Terminal()
}

// Clone returns a deep copy safe to hand outside the store.
func (p *DepositProcess) Clone() *DepositProcess {
	c := *p
	c.RealizedTargetAmount = cloneDecimal(p.RealizedTargetAmount)
	c.SourceAmount = cloneDecimal(p.SourceAmount)
	c.TransferID = cloneString(p.TransferID)
	c.TransactionHash = cloneString(p.TransactionHash)
	c.VaultShares = cloneDecimal(p.VaultShares)
	c.ErrorMessage = cloneString(p.ErrorMessage)
	if p.LastTransferStatus != nil {
		s := *p.LastTransferStatus
		c.LastTransferStatus = &s
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// TransferStatus is the client-side lifecycle status of a submitted transfer.
// The terminal trio mirrors what the aggregator reports; everything else is
// intermediate progress for display.
type TransferStatus string

const (
	TransferPendingDeposit TransferStatus = "PENDING_DEPOSIT"
	TransferKnownDeposit   TransferStatus = "KNOWN_DEPOSIT_TX"
	TransferProcessing     TransferStatus = "PROCESSING"
	TransferCompleted      TransferStatus = "COMPLETED"
	TransferFailed         TransferStatus = "FAILED"
	TransferRefunded       TransferStatus = "REFUNDED"
)

// Terminal reports whether the status ends tracking for a transfer.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferRefunded
}

// TransferResult is the tracker's final word on a transfer.
type TransferResult struct {
	TransferID       string
	Status           TransferStatus
	AmountOut        *decimal.Decimal
	SettlementTxHash string
}

// QuoteParams are the inputs to a quote request.
type QuoteParams struct {
	SourceAsset  string          `json:"source_asset"`
	SourceChain  string          `json:"source_chain"`
	TargetAsset  string          `json:"target_asset"`
	TargetChain  string          `json:"target_chain"`
	Amount       decimal.Decimal `json:"amount"`
	SlippageBps  int32           `json:"slippage_bps"`
	Referrer     string          `json:"referrer,omitempty"`
	Recipient    string          `json:"recipient"`
	RefundTo     string          `json:"refund_to,omitempty"`
}

// Valid reports whether the params describe a quotable request.
func (q QuoteParams) Valid() bool {
	return q.Amount.IsPositive() && q.SourceAsset != "" && q.TargetAsset != ""
}

// Quote is a priced estimate of a swap/bridge outcome.
type Quote struct {
	DepositAddress string          `json:"deposit_address"`
	DepositMemo    string          `json:"deposit_memo,omitempty"`
	SourceAsset    AssetRef        `json:"source_asset"`
	SourceChain    string          `json:"source_chain"`
	TargetAsset    string          `json:"target_asset"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	ExpectedOut    decimal.Decimal `json:"expected_out"`
	ProtocolFeeBps int32           `json:"protocol_fee_bps"`
	RelayerFee     decimal.Decimal `json:"relayer_fee"`
	ETASeconds     int32           `json:"eta_seconds"`
	Deadline       time.Time       `json:"deadline"`
	IssuedAt       time.Time       `json:"issued_at"`
}

// ToBaseUnits converts a human-denominated amount into contract base units.
func ToBaseUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts contract base units into a human-denominated amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0).Shift(-decimals)
}
