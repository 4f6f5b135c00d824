package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/models"
)

// EVMSigner signs transfers on an EVM chain through the wallet-backed
// RPC client.
type EVMSigner struct {
	client *evm.Client
}

// NewEVMSigner wraps an EVM client as a signer.
func NewEVMSigner(client *evm.Client) *EVMSigner {
	return &EVMSigner{client: client}
}

// Family returns the EVM chain family.
func (s *EVMSigner) Family() models.ChainFamily {
	return models.FamilyEVM
}

// Address returns the wallet address.
func (s *EVMSigner) Address() string {
	return s.client.WalletAddress().Hex()
}

// SendFunds transfers the asset to the destination address. Assets with a
// contract are ERC20 transfers; assets without one are native transfers.
func (s *EVMSigner) SendFunds(ctx context.Context, asset models.AssetRef, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("invalid recipient address: %s", to)
	}
	toAddr := common.HexToAddress(to)
	baseUnits := models.ToBaseUnits(amount, asset.Decimals)

	if asset.Contract == "" {
		hash, err := s.client.SendNative(ctx, toAddr, baseUnits)
		if err != nil {
			return "", err
		}
		return hash.Hex(), nil
	}

	if !common.IsHexAddress(asset.Contract) {
		return "", fmt.Errorf("invalid token contract address: %s", asset.Contract)
	}
	hash, err := s.client.SendToken(ctx, common.HexToAddress(asset.Contract), toAddr, baseUnits)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}
