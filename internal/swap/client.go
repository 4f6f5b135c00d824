// Package swap talks to the swap/bridge aggregator: quoting, funding the
// quoted deposit address, and tracking a transfer to settlement.
package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/models"
)

var (
	// ErrQuoteUnavailable is returned when the aggregator cannot price the
	// requested pair/amount.
	ErrQuoteUnavailable = errors.New("no quote available")
	// ErrSubmissionFailed is returned for node/RPC failures while
	// submitting the funding transaction.
	ErrSubmissionFailed = errors.New("transfer submission failed")
)

// Aggregator is the swap/bridge service boundary.
type Aggregator interface {
	// Quote prices the requested swap and returns ranked quotes, best first.
	Quote(ctx context.Context, params models.QuoteParams) ([]models.Quote, error)
	// NotifyDeposit tells the aggregator which transaction funded the
	// deposit address, speeding up detection.
	NotifyDeposit(ctx context.Context, depositAddress, txHash string) error
	// Status reports the current lifecycle status of a transfer.
	Status(ctx context.Context, transferID string) (models.TransferResult, error)
}

// OneClickAggregator implements Aggregator over the 1Click API.
type OneClickAggregator struct {
	client *oneclick.APIClient
	ctx    context.Context
	cfg    config.SwapConfig
	logger *zap.Logger
}

// NewOneClickAggregator creates an authenticated 1Click API client.
func NewOneClickAggregator(cfg config.SwapConfig, logger *zap.Logger) *OneClickAggregator {
	apiCfg := oneclick.NewConfiguration()
	if cfg.BaseURL != "" {
		apiCfg.Servers = oneclick.ServerConfigurations{{URL: cfg.BaseURL}}
	}
	authCtx := context.WithValue(context.Background(), oneclick.ContextAccessToken, cfg.APIToken)

	return &OneClickAggregator{
		client: oneclick.NewAPIClient(apiCfg),
		ctx:    authCtx,
		cfg:    cfg,
		logger: logger.Named("oneclick"),
	}
}

// Quote prices the swap through the aggregator.
func (a *OneClickAggregator) Quote(ctx context.Context, params models.QuoteParams) ([]models.Quote, error) {
	sourceToken, err := a.findTokenOnChain(params.SourceAsset, params.SourceChain)
	if err != nil {
		return nil, fmt.Errorf("%w: source token: %s", ErrQuoteUnavailable, err)
	}
	destToken, err := a.findTokenOnChain(params.TargetAsset, params.TargetChain)
	if err != nil {
		return nil, fmt.Errorf("%w: destination token: %s", ErrQuoteUnavailable, err)
	}

	amountStr := params.Amount.Shift(int32(sourceToken.GetDecimals())).Truncate(0).String()

	refundTo := params.RefundTo
	if refundTo == "" {
		refundTo = params.Recipient
	}

	slippage := params.SlippageBps
	if slippage == 0 {
		slippage = a.cfg.SlippageBps
	}

	deadline := time.Now().Add(a.cfg.QuoteDeadline)

	quoteReq := oneclick.NewQuoteRequest(
		false,                    // dry - false to get a real deposit address
		"EXACT_INPUT",            // swapType
		float32(slippage),        // slippageTolerance in bps
		sourceToken.GetAssetId(), // originAsset
		"ORIGIN_CHAIN",           // depositType
		destToken.GetAssetId(),   // destinationAsset
		amountStr,                // amount in smallest unit
		refundTo,                 // refundTo
		"ORIGIN_CHAIN",           // refundType
		params.Recipient,         // recipient
		"DESTINATION_CHAIN",      // recipientType
		deadline,                 // deadline
	)

	referral := params.Referrer
	if referral == "" {
		referral = a.cfg.ReferralID
	}
	if referral != "" {
		// The aggregator only accepts lowercase referral ids.
		quoteReq.SetReferral(strings.ToLower(referral))
	}

	resp, httpResp, err := a.client.OneClickAPI.GetQuote(a.authCtx(ctx)).QuoteRequest(*quoteReq).Execute()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: aggregator returned status %d", ErrQuoteUnavailable, httpResp.StatusCode)
	}
	if resp == nil {
		return nil, ErrQuoteUnavailable
	}

	details := resp.GetQuote()
	expectedOut, err := decimal.NewFromString(details.GetAmountOutFormatted())
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable output amount %q", ErrQuoteUnavailable, details.GetAmountOutFormatted())
	}

	relayerFee, _ := decimal.NewFromString(a.cfg.RelayerFeeEstimate)

	a.logger.Debug("quote received",
		zap.String("deposit_address", details.GetDepositAddress()),
		zap.String("amount_in", params.Amount.String()),
		zap.String("amount_out", details.GetAmountOutFormatted()))

	q := models.Quote{
		DepositAddress: details.GetDepositAddress(),
		SourceAsset: models.AssetRef{
			Symbol:   sourceToken.GetSymbol(),
			Contract: sourceToken.GetContractAddress(),
			Decimals: int32(sourceToken.GetDecimals()),
		},
		SourceChain:    params.SourceChain,
		TargetAsset:    destToken.GetSymbol(),
		AmountIn:       params.Amount,
		ExpectedOut:    expectedOut,
		ProtocolFeeBps: slippage,
		RelayerFee:     relayerFee,
		ETASeconds:     int32(details.GetTimeEstimate()),
		Deadline:       deadline,
		IssuedAt:       time.Now(),
	}
	if details.HasDepositMemo() {
		q.DepositMemo = details.GetDepositMemo()
	}

	// The aggregator resolves a single best route; the boundary still
	// returns a ranked list.
	return []models.Quote{q}, nil
}

// NotifyDeposit submits the funding transaction hash for a deposit address.
func (a *OneClickAggregator) NotifyDeposit(ctx context.Context, depositAddress, txHash string) error {
	req := oneclick.NewSubmitDepositTxRequest(depositAddress, txHash)

	_, httpResp, err := a.client.OneClickAPI.SubmitDepositTx(a.authCtx(ctx)).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return fmt.Errorf("failed to submit deposit tx: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != 200 && httpResp.StatusCode != 201 {
		return fmt.Errorf("aggregator returned status %d", httpResp.StatusCode)
	}
	return nil
}

// Status reports the transfer's lifecycle status; the deposit address is
// the transfer identifier in the 1Click model.
func (a *OneClickAggregator) Status(ctx context.Context, transferID string) (models.TransferResult, error) {
	resp, httpResp, err := a.client.OneClickAPI.GetExecutionStatus(a.authCtx(ctx)).DepositAddress(transferID).Execute()
	if err != nil {
		return models.TransferResult{}, fmt.Errorf("failed to get status: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != 200 {
		return models.TransferResult{}, fmt.Errorf("aggregator returned status %d", httpResp.StatusCode)
	}

	result := models.TransferResult{
		TransferID: transferID,
		Status:     mapStatus(string(resp.GetStatus())),
	}

	details := resp.GetSwapDetails()
	if details.HasAmountOutFormatted() {
		if out, err := decimal.NewFromString(details.GetAmountOutFormatted()); err == nil {
			result.AmountOut = &out
		}
	}
	if destTxs := details.GetDestinationChainTxHashes(); len(destTxs) > 0 {
		result.SettlementTxHash = destTxs[0].GetHash()
	}

	return result, nil
}

// findTokenOnChain resolves a token by symbol, optionally pinned to a chain.
func (a *OneClickAggregator) findTokenOnChain(symbol, chain string) (*oneclick.TokenResponse, error) {
	tokens, httpResp, err := a.client.OneClickAPI.GetTokens(a.ctx).Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens: %w", err)
	}
	defer httpResp.Body.Close()

	symbol = strings.ToUpper(symbol)
	chain = strings.ToLower(chain)

	for i := range tokens {
		if strings.ToUpper(tokens[i].GetSymbol()) != symbol {
			continue
		}
		if chain == "" || strings.ToLower(tokens[i].GetBlockchain()) == chain {
			return &tokens[i], nil
		}
	}
	return nil, fmt.Errorf("token %q not found on chain %q", symbol, chain)
}

// authCtx layers the request context over the authenticated base context.
func (a *OneClickAggregator) authCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oneclick.ContextAccessToken, a.cfg.APIToken)
}

// mapStatus translates aggregator statuses into the client-side lifecycle.
func mapStatus(status string) models.TransferStatus {
	switch strings.ToUpper(status) {
	case "SUCCESS", "COMPLETED":
		return models.TransferCompleted
	case "FAILED":
		return models.TransferFailed
	case "REFUNDED":
		return models.TransferRefunded
	case "PENDING_DEPOSIT":
		return models.TransferPendingDeposit
	case "KNOWN_DEPOSIT_TX":
		return models.TransferKnownDeposit
	default:
		return models.TransferProcessing
	}
}
