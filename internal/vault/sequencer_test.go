package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

type fakeCaller struct {
	allowance    *big.Int
	allowanceErr error

	approveHash common.Hash
	approveErr  error
	approves    int

	depositHash   common.Hash
	depositShares *big.Int
	depositErr    error
	deposits      int

	lastApproveAmount *big.Int
	lastDepositAmount *big.Int
}

func (f *fakeCaller) WalletAddress() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

func (f *fakeCaller) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return f.allowance, f.allowanceErr
}

func (f *fakeCaller) ApproveAndWait(_ context.Context, _, _ common.Address, amount *big.Int, _ time.Duration) (common.Hash, error) {
	f.approves++
	f.lastApproveAmount = amount
	return f.approveHash, f.approveErr
}

func (f *fakeCaller) DepositAndWait(_ context.Context, _ common.Address, amount *big.Int, _ common.Address, _ time.Duration) (common.Hash, *big.Int, error) {
	f.deposits++
	f.lastDepositAmount = amount
	return f.depositHash, f.depositShares, f.depositErr
}

var usdc = models.AssetRef{Symbol: "USDC", Contract: "0x2222222222222222222222222222222222222222", Decimals: 6}

const vaultAddr = "0x3333333333333333333333333333333333333333"

func TestEnsureAllowanceSufficient(t *testing.T) {
	caller := &fakeCaller{allowance: big.NewInt(200_000_000)}
	seq := NewSequencer(caller, time.Minute, time.Minute, zap.NewNop())

	outcome, err := seq.EnsureAllowance(context.Background(), usdc, vaultAddr, decimal.RequireFromString("100"))
	require.NoError(t, err)
	assert.Equal(t, AllowanceSufficient, outcome)
	assert.Zero(t, caller.approves)
}

func TestEnsureAllowanceApproves(t *testing.T) {
	caller := &fakeCaller{
		allowance:   big.NewInt(0),
		approveHash: common.HexToHash("0xabc"),
	}
	seq := NewSequencer(caller, time.Minute, time.Minute, zap.NewNop())

	outcome, err := seq.EnsureAllowance(context.Background(), usdc, vaultAddr, decimal.RequireFromString("100.5"))
	require.NoError(t, err)
	assert.Equal(t, AllowanceApproved, outcome)
	assert.Equal(t, 1, caller.approves)
	assert.Equal(t, big.NewInt(100_500_000), caller.lastApproveAmount)
}

func TestEnsureAllowanceRejected(t *testing.T) {
	caller := &fakeCaller{
		allowance:  big.NewInt(0),
		approveErr: errors.New("signature denied"),
	}
	seq := NewSequencer(caller, time.Minute, time.Minute, zap.NewNop())

	_, err := seq.EnsureAllowance(context.Background(), usdc, vaultAddr, decimal.RequireFromString("1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApprovalRejected)
	assert.Equal(t, 1, caller.approves)
}

func TestEnsureAllowanceMinedButFailed(t *testing.T) {
	caller := &fakeCaller{
		allowance:   big.NewInt(0),
		approveHash: common.HexToHash("0xdef"),
		approveErr:  errors.New("transaction reverted"),
	}
	seq := NewSequencer(caller, time.Minute, time.Minute, zap.NewNop())

	_, err := seq.EnsureAllowance(context.Background(), usdc, vaultAddr, decimal.RequireFromString("1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApprovalTransactionFailed)
}

func TestDepositReturnsHashAndShares(t *testing.T) {
	caller := &fakeCaller{
		depositHash:   common.HexToHash("0xbeef"),
		depositShares: big.NewInt(99_000_000),
	}
	seq := NewSequencer(caller, time.Minute, time.Minute, zap.NewNop())

	hash, shares, err := seq.Deposit(context.Background(), usdc, vaultAddr, decimal.RequireFromString("100"), "0x4444444444444444444444444444444444444444")
	require.NoError(t, err)
	assert.Equal(t, caller.depositHash.Hex(), hash)
	assert.True(t, shares.Equal(decimal.RequireFromString("99")))
	assert.Equal(t, big.NewInt(100_000_000), caller.lastDepositAmount)
}

func TestDepositFailure(t *testing.T) {
	caller := &fakeCaller{depositErr: errors.New("deposit reverted: below minimum")}
	seq := NewSequencer(caller, time.Minute, time.Minute, zap.NewNop())

	_, _, err := seq.Deposit(context.Background(), usdc, vaultAddr, decimal.RequireFromString("1"), "0x4444444444444444444444444444444444444444")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDepositTransactionFailed)
	assert.Contains(t, err.Error(), "below minimum")
}
