// Package signer provides wallet signers per chain family. The transfer
// executor asks the provider for a signer matching the source chain of a
// quote and uses it to move funds to the quote's deposit address.
package signer

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"vaultflow/internal/models"
)

var (
	// ErrSignerUnavailable is returned when no signer exists for the
	// requested chain family.
	ErrSignerUnavailable = errors.New("no signer available for chain family")
	// ErrUserRejected is returned when the wallet denies the signature.
	ErrUserRejected = errors.New("signature rejected by wallet")
)

// Signer signs and submits value transfers on one chain family.
type Signer interface {
	Family() models.ChainFamily
	Address() string
	// SendFunds moves amount of asset to the destination address and
	// returns the submitted transaction hash/signature.
	SendFunds(ctx context.Context, asset models.AssetRef, to string, amount decimal.Decimal) (string, error)
}

// Provider resolves a signer for a chain family.
type Provider interface {
	Signer(family models.ChainFamily) (Signer, error)
}

// StaticProvider is a Provider over a fixed signer set.
type StaticProvider struct {
	signers map[models.ChainFamily]Signer
}

// NewStaticProvider builds a provider from the given signers.
func NewStaticProvider(signers ...Signer) *StaticProvider {
	m := make(map[models.ChainFamily]Signer, len(signers))
	for _, s := range signers {
		m[s.Family()] = s
	}
	return &StaticProvider{signers: m}
}

// Signer returns the signer for the family or ErrSignerUnavailable.
func (p *StaticProvider) Signer(family models.ChainFamily) (Signer, error) {
	s, ok := p.signers[family]
	if !ok {
		return nil, ErrSignerUnavailable
	}
	return s, nil
}
