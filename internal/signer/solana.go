package signer

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"vaultflow/internal/config"
	"vaultflow/internal/models"
)

// solanaFeeLamports is the typical per-signature network fee, kept as
// headroom when checking the native balance.
const solanaFeeLamports = 5000

// SolanaSigner signs transfers on Solana.
type SolanaSigner struct {
	client     *rpc.Client
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	commitment rpc.CommitmentType
}

// NewSolanaSigner creates a Solana signer from configuration.
func NewSolanaSigner(cfg config.SolanaConfig) (*SolanaSigner, error) {
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("RPC URL not configured for Solana")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key not configured for Solana")
	}

	privateKey, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &SolanaSigner{
		client:     rpc.New(cfg.RPCEndpoint),
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		commitment: commitmentFromConfig(cfg.Commitment),
	}, nil
}

// Family returns the Solana chain family.
func (s *SolanaSigner) Family() models.ChainFamily {
	return models.FamilySolana
}

// Address returns the base58 wallet address.
func (s *SolanaSigner) Address() string {
	return s.publicKey.String()
}

// SendFunds transfers the asset to the destination address. Assets with a
// contract (mint) are SPL transfers; assets without one are native SOL.
func (s *SolanaSigner) SendFunds(ctx context.Context, asset models.AssetRef, to string, amount decimal.Decimal) (string, error) {
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}

	var sig solana.Signature
	if asset.Contract == "" {
		sig, err = s.sendNativeSOL(ctx, recipient, amount)
	} else {
		sig, err = s.sendSPLToken(ctx, recipient, asset, amount)
	}
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// sendNativeSOL sends native SOL
func (s *SolanaSigner) sendNativeSOL(ctx context.Context, recipient solana.PublicKey, amount decimal.Decimal) (solana.Signature, error) {
	lamports := models.ToBaseUnits(amount, 9).Uint64()

	balance, err := s.client.GetBalance(ctx, s.publicKey, s.commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Value < lamports+solanaFeeLamports {
		return solana.Signature{}, fmt.Errorf("insufficient balance: have %d lamports, need %d",
			balance.Value, lamports+solanaFeeLamports)
	}

	recent, err := s.client.GetRecentBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	instruction := system.NewTransferInstruction(
		lamports,
		s.publicKey,
		recipient,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(s.publicKey),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to create transaction: %w", err)
	}

	if err := s.sign(tx); err != nil {
		return solana.Signature{}, err
	}

	return s.send(ctx, tx)
}

// sendSPLToken sends SPL tokens from the wallet's associated token account.
func (s *SolanaSigner) sendSPLToken(ctx context.Context, recipient solana.PublicKey, asset models.AssetRef, amount decimal.Decimal) (solana.Signature, error) {
	mint, err := solana.PublicKeyFromBase58(asset.Contract)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid token mint address: %w", err)
	}

	tokenAmount := models.ToBaseUnits(amount, asset.Decimals).Uint64()

	sourceAccount, _, err := solana.FindAssociatedTokenAddress(s.publicKey, mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destAccount, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive destination token account: %w", err)
	}

	recent, err := s.client.GetRecentBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	transferIx := token.NewTransferInstruction(
		tokenAmount,
		sourceAccount,
		destAccount,
		s.publicKey,
		[]solana.PublicKey{},
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transferIx},
		recent.Value.Blockhash,
		solana.TransactionPayer(s.publicKey),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to create transaction: %w", err)
	}

	if err := s.sign(tx); err != nil {
		return solana.Signature{}, err
	}

	return s.send(ctx, tx)
}

func (s *SolanaSigner) sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func (s *SolanaSigner) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func commitmentFromConfig(commitment string) rpc.CommitmentType {
	switch strings.ToLower(commitment) {
	case "finalized":
		return rpc.CommitmentFinalized
	case "processed":
		return rpc.CommitmentProcessed
	default:
		return rpc.CommitmentConfirmed
	}
}
