package swap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// UpdateFunc receives advisory status updates while a transfer is in flight.
type UpdateFunc func(transferID string, status models.TransferStatus)

// CompleteFunc receives the terminal result of a transfer exactly once.
type CompleteFunc func(result models.TransferResult)

// Tracker polls the aggregator until tracked transfers reach a terminal
// status. Completion fires at most once per transfer id even across
// overlapping Track calls for the same id.
type Tracker struct {
	agg      Aggregator
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*trackSession
	// completed keeps the most recent terminal transfer ids so duplicate
	// Track calls stay no-ops without the set growing unbounded.
	completed      map[string]bool
	completedOrder []string
	maxCompleted   int
	wg             sync.WaitGroup
}

// maxCompletedTransfers bounds the remembered terminal transfer ids.
const maxCompletedTransfers = 512

type trackSession struct {
	cancel context.CancelFunc
}

// NewTracker creates a tracker polling at the given interval.
func NewTracker(agg Aggregator, interval time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		agg:          agg,
		interval:     interval,
		logger:       logger.Named("tracker"),
		active:       make(map[string]*trackSession),
		completed:    make(map[string]bool),
		maxCompleted: maxCompletedTransfers,
	}
}

// Track starts polling the transfer. onUpdate may be nil. If the transfer
// already completed, or is already being tracked, the call is a no-op.
func (t *Tracker) Track(ctx context.Context, transferID string, onUpdate UpdateFunc, onComplete CompleteFunc) {
	t.mu.Lock()
	if t.completed[transferID] {
		t.mu.Unlock()
		return
	}
	if _, ok := t.active[transferID]; ok {
		t.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	session := &trackSession{cancel: cancel}
	t.active[transferID] = session
	t.mu.Unlock()

	t.wg.Add(1)
	go t.poll(pollCtx, session, transferID, onUpdate, onComplete)
}

// Stop cancels polling for one transfer without marking it complete. A
// later Track call for the same id resumes from the aggregator's state.
func (t *Tracker) Stop(transferID string) {
	t.mu.Lock()
	session, ok := t.active[transferID]
	delete(t.active, transferID)
	t.mu.Unlock()
	if ok {
		session.cancel()
	}
}

// Close stops all polling and waits for the workers to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	for id, session := range t.active {
		session.cancel()
		delete(t.active, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) poll(ctx context.Context, owner *trackSession, transferID string, onUpdate UpdateFunc, onComplete CompleteFunc) {
	defer t.wg.Done()
	defer t.release(transferID, owner)

	log := t.logger.With(zap.String("transfer_id", transferID))
	log.Info("tracking transfer")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var lastStatus models.TransferStatus

	for {
		result, err := t.agg.Status(ctx, transferID)
		if err != nil {
			log.Warn("status poll failed", zap.Error(err))
		} else {
			if result.Status != lastStatus {
				lastStatus = result.Status
				log.Info("transfer status changed", zap.String("status", string(result.Status)))
				if onUpdate != nil {
					onUpdate(transferID, result.Status)
				}
			}
			if result.Status.Terminal() {
				if t.markCompleted(transferID) {
					onComplete(result)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			log.Debug("tracking stopped")
			return
		case <-ticker.C:
		}
	}
}

// release drops the active entry only if it still belongs to this session,
// so a stopped worker never tears down a newer registration for the same id.
func (t *Tracker) release(transferID string, owner *trackSession) {
	t.mu.Lock()
	if t.active[transferID] == owner {
		delete(t.active, transferID)
	}
	t.mu.Unlock()
	owner.cancel()
}

// markCompleted records the terminal transition and reports whether this
// caller won the completion. The oldest remembered ids are evicted once
// the set exceeds its bound.
func (t *Tracker) markCompleted(transferID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed[transferID] {
		return false
	}
	t.completed[transferID] = true
	t.completedOrder = append(t.completedOrder, transferID)
	for len(t.completedOrder) > t.maxCompleted {
		delete(t.completed, t.completedOrder[0])
		t.completedOrder = t.completedOrder[1:]
	}
	return true
}
