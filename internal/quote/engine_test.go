package quote

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// countingAggregator answers quotes after an optional delay and records
// every amount it was asked to price.
type countingAggregator struct {
	mu      sync.Mutex
	delay   time.Duration
	calls   int32
	amounts []string
}

func (c *countingAggregator) Quote(ctx context.Context, params models.QuoteParams) ([]models.Quote, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.amounts = append(c.amounts, params.Amount.String())
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []models.Quote{{
		DepositAddress: "addr-" + params.Amount.String(),
		AmountIn:       params.Amount,
		ExpectedOut:    params.Amount.Mul(decimal.RequireFromString("0.99")),
		IssuedAt:       time.Now(),
	}}, nil
}

func (c *countingAggregator) NotifyDeposit(context.Context, string, string) error { return nil }

func (c *countingAggregator) Status(context.Context, string) (models.TransferResult, error) {
	return models.TransferResult{}, nil
}

func (c *countingAggregator) callCount() int32 { return atomic.LoadInt32(&c.calls) }

func params(amount string) models.QuoteParams {
	return models.QuoteParams{
		SourceAsset: "USDC",
		SourceChain: "base",
		TargetAsset: "USDC",
		TargetChain: "eth",
		Amount:      decimal.RequireFromString(amount),
		Recipient:   "0xrecipient",
	}
}

func waitForUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no quote update arrived")
		return Update{}
	}
}

func TestEngineDebouncesBursts(t *testing.T) {
	agg := &countingAggregator{}
	e := NewEngine(agg, 50*time.Millisecond, time.Hour, zap.NewNop())
	defer e.Close()

	ctx := context.Background()
	e.SetInputs(ctx, params("1"))
	e.SetInputs(ctx, params("12"))
	e.SetInputs(ctx, params("123"))

	u := waitForUpdate(t, e.Updates())
	require.NoError(t, u.Err)
	require.Len(t, u.Quotes, 1)
	assert.Equal(t, "123", u.Quotes[0].AmountIn.String())

	// Only the last input of the burst may reach the aggregator.
	assert.Equal(t, int32(1), agg.callCount())
	assert.Equal(t, []string{"123"}, agg.amounts)
}

func TestEngineStaleResponseDiscarded(t *testing.T) {
	agg := &countingAggregator{delay: 80 * time.Millisecond}
	e := NewEngine(agg, 5*time.Millisecond, time.Hour, zap.NewNop())
	defer e.Close()

	ctx := context.Background()
	e.SetInputs(ctx, params("1"))

	// Let the first fetch get in flight, then supersede it.
	time.Sleep(30 * time.Millisecond)
	e.SetInputs(ctx, params("2"))

	u := waitForUpdate(t, e.Updates())
	require.NoError(t, u.Err)
	require.Len(t, u.Quotes, 1)
	assert.Equal(t, "2", u.Quotes[0].AmountIn.String())

	latest := e.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, "2", latest[0].AmountIn.String())

	// No second update from the superseded fetch.
	select {
	case stray := <-e.Updates():
		if stray.Err == nil && len(stray.Quotes) > 0 {
			assert.Equal(t, "2", stray.Quotes[0].AmountIn.String())
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineClearsOnInvalidInputs(t *testing.T) {
	agg := &countingAggregator{}
	e := NewEngine(agg, 5*time.Millisecond, time.Hour, zap.NewNop())
	defer e.Close()

	ctx := context.Background()
	e.SetInputs(ctx, params("10"))
	u := waitForUpdate(t, e.Updates())
	require.Len(t, u.Quotes, 1)

	// Zero amount is not quotable and clears immediately, no debounce.
	e.SetInputs(ctx, params("0"))
	u = waitForUpdate(t, e.Updates())
	assert.NoError(t, u.Err)
	assert.Empty(t, u.Quotes)
	assert.Empty(t, e.Latest())
	assert.Equal(t, int32(1), agg.callCount())
}

func TestEnginePollRefreshesLatest(t *testing.T) {
	agg := &countingAggregator{}
	e := NewEngine(agg, 5*time.Millisecond, 40*time.Millisecond, zap.NewNop())
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	e.SetInputs(ctx, params("5"))
	waitForUpdate(t, e.Updates())

	// The poller must refresh the same inputs at least once.
	u := waitForUpdate(t, e.Updates())
	require.NoError(t, u.Err)
	require.Len(t, u.Quotes, 1)
	assert.Equal(t, "5", u.Quotes[0].AmountIn.String())
	assert.GreaterOrEqual(t, agg.callCount(), int32(2))
}

func TestEnginePauseStopsPolling(t *testing.T) {
	agg := &countingAggregator{}
	e := NewEngine(agg, 5*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	e.SetInputs(ctx, params("7"))
	waitForUpdate(t, e.Updates())

	e.Pause()
	// Drain anything already in flight before counting.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case <-e.Updates():
			continue
		default:
		}
		break
	}
	before := agg.callCount()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, before, agg.callCount())

	e.Resume()
	u := waitForUpdate(t, e.Updates())
	require.NoError(t, u.Err)
}
