// Package vault performs the on-chain tail of a deposit: ensuring ERC20
// allowance for the vault and calling deposit on it. The approval step is
// single shot, one approve per deposit attempt, never a retry loop.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

var (
	// ErrApprovalRejected is returned when the approval transaction never
	// made it on chain, typically a refused signature.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrApprovalTransactionFailed is returned when the approval was
	// submitted but reverted or timed out.
	ErrApprovalTransactionFailed = errors.New("approval transaction failed")
	// ErrDepositTransactionFailed is returned when the vault deposit call
	// failed on chain.
	ErrDepositTransactionFailed = errors.New("deposit transaction failed")
)

// AllowanceOutcome reports how allowance was satisfied.
type AllowanceOutcome string

const (
	// AllowanceSufficient means the existing allowance already covered
	// the amount; no transaction was sent.
	AllowanceSufficient AllowanceOutcome = "sufficient"
	// AllowanceApproved means an approve transaction was mined.
	AllowanceApproved AllowanceOutcome = "approved"
)

// ContractCaller is the contract surface the sequencer needs. *evm.Client
// satisfies it.
type ContractCaller interface {
	WalletAddress() common.Address
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	ApproveAndWait(ctx context.Context, token, spender common.Address, amount *big.Int, timeout time.Duration) (common.Hash, error)
	DepositAndWait(ctx context.Context, vault common.Address, amount *big.Int, receiver common.Address, timeout time.Duration) (common.Hash, *big.Int, error)
}

// Sequencer runs the approve-then-deposit sequence against one chain.
type Sequencer struct {
	caller          ContractCaller
	approvalTimeout time.Duration
	depositTimeout  time.Duration
	logger          *zap.Logger
}

// NewSequencer creates a sequencer over the given contract caller.
func NewSequencer(caller ContractCaller, approvalTimeout, depositTimeout time.Duration, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		caller:          caller,
		approvalTimeout: approvalTimeout,
		depositTimeout:  depositTimeout,
		logger:          logger.Named("vault"),
	}
}

// EnsureAllowance checks the vault's allowance on the deposit asset and,
// if short, submits exactly one approve for the exact amount.
func (s *Sequencer) EnsureAllowance(ctx context.Context, asset models.AssetRef, vaultAddr string, amount decimal.Decimal) (AllowanceOutcome, error) {
	token := common.HexToAddress(asset.Contract)
	spender := common.HexToAddress(vaultAddr)
	owner := s.caller.WalletAddress()
	needed := models.ToBaseUnits(amount, asset.Decimals)

	current, err := s.caller.Allowance(ctx, token, owner, spender)
	if err != nil {
		return "", fmt.Errorf("%w: allowance check: %v", ErrApprovalTransactionFailed, err)
	}
	if current.Cmp(needed) >= 0 {
		s.logger.Debug("allowance already sufficient",
			zap.String("token", asset.Symbol),
			zap.String("allowance", current.String()))
		return AllowanceSufficient, nil
	}

	s.logger.Info("approving vault spend",
		zap.String("token", asset.Symbol),
		zap.String("amount", amount.String()),
		zap.String("vault", vaultAddr))

	txHash, err := s.caller.ApproveAndWait(ctx, token, spender, needed, s.approvalTimeout)
	if err != nil {
		if txHash == (common.Hash{}) {
			return "", fmt.Errorf("%w: %v", ErrApprovalRejected, err)
		}
		return "", fmt.Errorf("%w: tx %s: %v", ErrApprovalTransactionFailed, txHash.Hex(), err)
	}

	s.logger.Info("approval mined", zap.String("tx_hash", txHash.Hex()))
	return AllowanceApproved, nil
}

// Deposit calls deposit(assets, receiver) on the vault and returns the
// transaction hash and the minted shares.
func (s *Sequencer) Deposit(ctx context.Context, asset models.AssetRef, vaultAddr string, amount decimal.Decimal, receiver string) (string, decimal.Decimal, error) {
	vaultAddress := common.HexToAddress(vaultAddr)
	assets := models.ToBaseUnits(amount, asset.Decimals)
	to := common.HexToAddress(receiver)

	s.logger.Info("depositing into vault",
		zap.String("vault", vaultAddr),
		zap.String("asset", asset.Symbol),
		zap.String("amount", amount.String()),
		zap.String("receiver", receiver))

	txHash, shares, err := s.caller.DepositAndWait(ctx, vaultAddress, assets, to, s.depositTimeout)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %v", ErrDepositTransactionFailed, err)
	}

	var minted decimal.Decimal
	if shares != nil {
		// Vault share tokens mirror the asset's decimals in the ERC4626
		// vaults this service targets.
		minted = models.FromBaseUnits(shares, asset.Decimals)
	}

	s.logger.Info("deposit mined",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("shares", minted.String()))

	return txHash.Hex(), minted, nil
}
