package swap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// scriptedAggregator replays a fixed status sequence, holding the last
// entry once the script runs out.
type scriptedAggregator struct {
	mu       sync.Mutex
	statuses []models.TransferResult
	calls    int
}

func (s *scriptedAggregator) Quote(context.Context, models.QuoteParams) ([]models.Quote, error) {
	return nil, ErrQuoteUnavailable
}

func (s *scriptedAggregator) NotifyDeposit(context.Context, string, string) error {
	return nil
}

func (s *scriptedAggregator) Status(_ context.Context, transferID string) (models.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.calls++
	result := s.statuses[idx]
	result.TransferID = transferID
	return result, nil
}

func TestTrackerCompletesOnce(t *testing.T) {
	out := decimal.RequireFromString("99.5")
	agg := &scriptedAggregator{statuses: []models.TransferResult{
		{Status: models.TransferPendingDeposit},
		{Status: models.TransferProcessing},
		{Status: models.TransferCompleted, AmountOut: &out, SettlementTxHash: "0xdeadbeef"},
	}}

	tracker := NewTracker(agg, 5*time.Millisecond, zap.NewNop())
	defer tracker.Close()

	var mu sync.Mutex
	var completions []models.TransferResult
	done := make(chan struct{})

	onComplete := func(result models.TransferResult) {
		mu.Lock()
		completions = append(completions, result)
		mu.Unlock()
		close(done)
	}

	tracker.Track(context.Background(), "addr-1", nil, onComplete)
	// Second Track for the same id must not spawn a second completion.
	tracker.Track(context.Background(), "addr-1", nil, onComplete)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never completed")
	}

	// Give a hypothetical duplicate completion time to fire.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completions, 1)
	assert.Equal(t, "addr-1", completions[0].TransferID)
	assert.Equal(t, models.TransferCompleted, completions[0].Status)
	require.NotNil(t, completions[0].AmountOut)
	assert.True(t, completions[0].AmountOut.Equal(out))
	assert.Equal(t, "0xdeadbeef", completions[0].SettlementTxHash)
}

func TestTrackerRetrackAfterCompletionIsNoop(t *testing.T) {
	agg := &scriptedAggregator{statuses: []models.TransferResult{
		{Status: models.TransferCompleted},
	}}

	tracker := NewTracker(agg, 5*time.Millisecond, zap.NewNop())
	defer tracker.Close()

	first := make(chan struct{})
	tracker.Track(context.Background(), "addr-2", nil, func(models.TransferResult) {
		close(first)
	})

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never completed")
	}

	completedAgain := make(chan struct{})
	tracker.Track(context.Background(), "addr-2", nil, func(models.TransferResult) {
		close(completedAgain)
	})

	select {
	case <-completedAgain:
		t.Fatal("completion fired twice for the same transfer id")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTrackerStopThenResume(t *testing.T) {
	agg := &scriptedAggregator{statuses: []models.TransferResult{
		{Status: models.TransferProcessing},
		{Status: models.TransferProcessing},
		{Status: models.TransferRefunded},
	}}

	tracker := NewTracker(agg, 5*time.Millisecond, zap.NewNop())
	defer tracker.Close()

	done := make(chan models.TransferResult, 1)
	onComplete := func(result models.TransferResult) { done <- result }

	tracker.Track(context.Background(), "addr-3", nil, onComplete)
	tracker.Stop("addr-3")

	// Resuming must pick the transfer back up and still complete once.
	tracker.Track(context.Background(), "addr-3", nil, onComplete)

	select {
	case result := <-done:
		assert.Equal(t, models.TransferRefunded, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never completed after resume")
	}
}

func TestTrackerAdvisoryUpdates(t *testing.T) {
	agg := &scriptedAggregator{statuses: []models.TransferResult{
		{Status: models.TransferPendingDeposit},
		{Status: models.TransferKnownDeposit},
		{Status: models.TransferProcessing},
		{Status: models.TransferCompleted},
	}}

	tracker := NewTracker(agg, 5*time.Millisecond, zap.NewNop())
	defer tracker.Close()

	var mu sync.Mutex
	var seen []models.TransferStatus
	done := make(chan struct{})

	tracker.Track(context.Background(), "addr-4",
		func(_ string, status models.TransferStatus) {
			mu.Lock()
			seen = append(seen, status)
			mu.Unlock()
		},
		func(models.TransferResult) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.TransferStatus{
		models.TransferPendingDeposit,
		models.TransferKnownDeposit,
		models.TransferProcessing,
		models.TransferCompleted,
	}, seen)
}

func TestTrackerCompletedSetBounded(t *testing.T) {
	agg := &scriptedAggregator{statuses: []models.TransferResult{
		{Status: models.TransferCompleted},
	}}

	tracker := NewTracker(agg, 5*time.Millisecond, zap.NewNop())
	defer tracker.Close()
	tracker.maxCompleted = 2

	require.True(t, tracker.markCompleted("addr-a"))
	require.True(t, tracker.markCompleted("addr-b"))
	require.True(t, tracker.markCompleted("addr-c"))

	tracker.mu.Lock()
	size := len(tracker.completed)
	oldest := tracker.completed["addr-a"]
	newest := tracker.completed["addr-c"]
	tracker.mu.Unlock()

	assert.Equal(t, 2, size)
	assert.False(t, oldest, "oldest completed id should be evicted")
	assert.True(t, newest)

	// Eviction forgets the dedupe for the oldest id only.
	assert.True(t, tracker.markCompleted("addr-a"))
	assert.False(t, tracker.markCompleted("addr-c"))
}
