package swap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vaultflow/internal/metrics"
	"vaultflow/internal/models"
	"vaultflow/internal/signer"
)

// Executor funds quoted deposit addresses through the user's wallet signer.
type Executor struct {
	signers signer.Provider
	agg     Aggregator
	sink    metrics.Sink
	logger  *zap.Logger
}

// NewExecutor creates a transfer executor.
func NewExecutor(signers signer.Provider, agg Aggregator, sink metrics.Sink, logger *zap.Logger) *Executor {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Executor{
		signers: signers,
		agg:     agg,
		sink:    sink,
		logger:  logger.Named("executor"),
	}
}

// Submit sends the quoted amount to the quote's deposit address and returns
// the transfer id used for tracking. The deposit address doubles as the
// transfer id on the aggregator side.
func (e *Executor) Submit(ctx context.Context, quote models.Quote) (string, error) {
	s, err := e.signers.Signer(models.FamilyForChain(quote.SourceChain))
	if err != nil {
		return "", fmt.Errorf("%w: chain %s", signer.ErrSignerUnavailable, quote.SourceChain)
	}

	e.logger.Info("submitting transfer",
		zap.String("deposit_address", quote.DepositAddress),
		zap.String("asset", quote.SourceAsset.Symbol),
		zap.String("amount", quote.AmountIn.String()))

	txHash, err := s.SendFunds(ctx, quote.SourceAsset, quote.DepositAddress, quote.AmountIn)
	if err != nil {
		if errors.Is(err, signer.ErrUserRejected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	e.logger.Info("transfer submitted",
		zap.String("tx_hash", txHash),
		zap.String("deposit_address", quote.DepositAddress))

	// Detection hint only. The aggregator watches the address regardless,
	// so a failure here never fails the transfer.
	if err := e.agg.NotifyDeposit(ctx, quote.DepositAddress, txHash); err != nil {
		e.logger.Warn("failed to notify aggregator of deposit tx",
			zap.String("tx_hash", txHash), zap.Error(err))
	}

	e.recordSubmitted(quote)

	return quote.DepositAddress, nil
}

// recordSubmitted emits the submission metric without blocking the transfer.
func (e *Executor) recordSubmitted(quote models.Quote) {
	go func() {
		err := e.sink.Record(metrics.Event{
			Type:  metrics.EventTransferSubmitted,
			Asset: quote.SourceAsset.Symbol,
			Chain: quote.SourceChain,
		})
		if err != nil {
			e.logger.Debug("metrics record failed", zap.Error(err))
		}
	}()
}
