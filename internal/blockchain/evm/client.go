package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"vaultflow/internal/config"
)

// Minimal ABIs for the token and vault surfaces this service touches.
const (
	erc20ABI = `[
		{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
		{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
	]`
	vaultABI = `[
		{"inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"name":"deposit","outputs":[{"name":"shares","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
	]`
)

// depositEventTopic is the ERC-4626 Deposit(address,address,uint256,uint256)
// event signature, used to pull minted shares out of the receipt.
var depositEventTopic = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256,uint256)"))

// Client wraps Ethereum client functionality for one EVM chain, signing
// with the session wallet key.
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	tokenABI    abi.ABI
	vaultABI    abi.ABI
	logger      *zap.Logger
}

// NewClient creates a new EVM client for the specified chain
func NewClient(chainCfg *config.ChainConfig, walletPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	privateKeyHex := strings.TrimPrefix(walletPrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	fromAddress := crypto.PubkeyToAddress(*publicKey)

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	vltABI, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	logger.Info("EVM client initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name),
		zap.String("wallet_address", fromAddress.Hex()))

	return &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		privateKey:  privateKey,
		fromAddress: fromAddress,
		tokenABI:    tokenABI,
		vaultABI:    vltABI,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainID returns the configured chain ID
func (c *Client) ChainID() string {
	return c.chainConfig.ChainID
}

// WalletAddress returns the signing wallet's address
func (c *Client) WalletAddress() common.Address {
	return c.fromAddress
}

// Allowance returns the amount the spender may pull from owner's token balance.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call: %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call allowance: %w", err)
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("invalid allowance response length: %d", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// TokenBalance returns the ERC20 balance of an address
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// ApproveAndWait submits an ERC20 approve for the spender and waits for it
// to be mined, returning the transaction hash.
func (c *Client) ApproveAndWait(ctx context.Context, token, spender common.Address, amount *big.Int, timeout time.Duration) (common.Hash, error) {
	data, err := c.tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack approve data: %w", err)
	}

	txHash, err := c.signAndSend(ctx, token, data, big.NewInt(0))
	if err != nil {
		return common.Hash{}, err
	}

	if _, err := c.WaitForTransaction(ctx, txHash, timeout); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// DepositAndWait calls deposit(assets, receiver) on the vault, waits for the
// receipt and extracts the minted shares from the Deposit event.
func (c *Client) DepositAndWait(ctx context.Context, vault common.Address, amount *big.Int, receiver common.Address, timeout time.Duration) (common.Hash, *big.Int, error) {
	data, err := c.vaultABI.Pack("deposit", amount, receiver)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("failed to pack deposit data: %w", err)
	}

	txHash, err := c.signAndSend(ctx, vault, data, big.NewInt(0))
	if err != nil {
		return common.Hash{}, nil, err
	}

	receipt, err := c.WaitForTransaction(ctx, txHash, timeout)
	if err != nil {
		if receipt != nil && receipt.Status == types.ReceiptStatusFailed {
			if reason := c.revertReason(ctx, vault, data, receipt.BlockNumber); reason != "" {
				return txHash, nil, fmt.Errorf("deposit reverted: %s", reason)
			}
		}
		return txHash, nil, err
	}

	return txHash, sharesFromReceipt(receipt, vault), nil
}

// SendToken transfers ERC20 tokens to an address, returning the tx hash.
func (c *Client) SendToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transfer data: %w", err)
	}
	return c.signAndSend(ctx, token, data, big.NewInt(0))
}

// SendNative transfers the chain's native asset to an address.
func (c *Client) SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return c.signAndSend(ctx, to, nil, amount)
}

// WaitForTransaction waits for a transaction to be mined. The receipt is
// returned even when the transaction failed so callers can inspect it.
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				if receipt.Status == types.ReceiptStatusFailed {
					return receipt, fmt.Errorf("transaction failed: %s", txHash.Hex())
				}
				return receipt, nil
			}
			// Transaction not yet mined, continue waiting
		}
	}
}

// signAndSend creates, signs, and sends a transaction
func (c *Client) signAndSend(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get chain ID: %w", err)
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// revertReason replays the failed call at its block and decodes the
// Error(string) payload, if the node returns one.
func (c *Client) revertReason(ctx context.Context, to common.Address, data []byte, blockNumber *big.Int) string {
	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	}, blockNumber)
	if err != nil {
		// Nodes commonly put the revert string in the error itself.
		return strings.TrimPrefix(err.Error(), "execution reverted: ")
	}
	return decodeRevert(result)
}

// decodeRevert unpacks an ABI-encoded Error(string) return payload.
func decodeRevert(data []byte) string {
	// 4-byte selector for Error(string) is 0x08c379a0
	if len(data) < 68 || data[0] != 0x08 || data[1] != 0xc3 || data[2] != 0x79 || data[3] != 0xa0 {
		return ""
	}
	strLen := new(big.Int).SetBytes(data[36:68]).Int64()
	if int64(len(data)) < 68+strLen {
		return ""
	}
	return string(data[68 : 68+strLen])
}

// sharesFromReceipt pulls the minted share amount out of the vault's
// Deposit event; nil when the receipt carries no such event.
func sharesFromReceipt(receipt *types.Receipt, vault common.Address) *big.Int {
	for _, log := range receipt.Logs {
		if log.Address != vault || len(log.Topics) == 0 || log.Topics[0] != depositEventTopic {
			continue
		}
		if len(log.Data) < 64 {
			continue
		}
		// data = (assets, shares), both uint256
		return new(big.Int).SetBytes(log.Data[32:64])
	}
	return nil
}
