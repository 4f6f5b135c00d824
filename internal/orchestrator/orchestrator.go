// Package orchestrator owns the deposit process state machine. It is the
// only writer of process records: collaborators (quote engine, transfer
// executor, tracker, vault sequencer) report outcomes back and the
// orchestrator applies them through guarded store transitions that re-read
// the current state immediately before mutating.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/metrics"
	"vaultflow/internal/models"
	"vaultflow/internal/quote"
	"vaultflow/internal/signer"
	"vaultflow/internal/store"
	"vaultflow/internal/swap"
	"vaultflow/internal/vault"
)

var (
	// ErrMissingSettlementData is returned when the tracker reports a
	// completed transfer without a realized output amount. Fatal for the
	// process; there is nothing safe to deposit.
	ErrMissingSettlementData = errors.New("settlement data missing from completed transfer")
	// ErrUnknownChain is returned when no contract sequencer exists for
	// the vault's chain.
	ErrUnknownChain = errors.New("no sequencer for chain")
	// ErrNotSubmittable is returned when SubmitTransfer targets a process
	// that is not waiting for a transfer.
	ErrNotSubmittable = errors.New("process is not awaiting a transfer")
)

// processEvent is one collaborator outcome routed through the run loop.
// Collaborators never mutate process records themselves; they enqueue
// events and the loop applies them in observation order.
type processEvent struct {
	kind      eventKind
	processID string
	status    models.TransferStatus
	result    models.TransferResult
}

type eventKind int

const (
	eventBeginDeposit eventKind = iota
	eventTransferStatus
	eventTransferSettled
)

// StartRequest describes a new deposit journey.
type StartRequest struct {
	UserAddress string
	Vault       models.VaultRef
	TargetAsset models.AssetRef
	Kind        models.ProcessKind
	// Amount is the user-entered deposit amount for DIRECT, or the
	// pre-swap estimate of target-asset output for CROSS_CHAIN.
	Amount decimal.Decimal

	// Cross-chain leg, ignored for DIRECT.
	SourceChain  string
	SourceToken  string
	SourceAmount *decimal.Decimal
}

// Orchestrator drives deposit processes from start to a terminal state.
type Orchestrator struct {
	store      *store.Store
	executor   *swap.Executor
	tracker    *swap.Tracker
	quotes     *quote.Registry
	sequencers map[string]*vault.Sequencer
	sink       metrics.Sink
	cfg        config.OrchestratorConfig
	logger     *zap.Logger

	events chan processEvent
	stop   chan struct{}
	closed sync.Once

	mu         sync.Mutex
	sessions   map[string]*procSession
	continued  map[string]bool
	submitting map[string]bool
	subs       map[int]chan models.DepositProcess
	nextSub    int
	wg         sync.WaitGroup
}

// procSession is the cancellation scope of one process's async sequence.
type procSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an orchestrator. sequencers is keyed by chain id. quotes may
// be nil when no live quote sessions are served.
func New(
	st *store.Store,
	executor *swap.Executor,
	tracker *swap.Tracker,
	quotes *quote.Registry,
	sequencers map[string]*vault.Sequencer,
	sink metrics.Sink,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	o := &Orchestrator{
		store:      st,
		executor:   executor,
		tracker:    tracker,
		quotes:     quotes,
		sequencers: sequencers,
		sink:       sink,
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		events:     make(chan processEvent, 64),
		stop:       make(chan struct{}),
		sessions:   make(map[string]*procSession),
		continued:  make(map[string]bool),
		submitting: make(map[string]bool),
		subs:       make(map[int]chan models.DepositProcess),
	}

	o.wg.Add(1)
	go o.run()
	return o
}

// run is the sequencing loop: it consumes collaborator events strictly in
// the order they were observed and applies them to process records.
func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case ev := <-o.events:
			o.dispatch(ev)
		}
	}
}

func (o *Orchestrator) dispatch(ev processEvent) {
	switch ev.kind {
	case eventBeginDeposit:
		procCtx := o.contextFor(ev.processID)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runDeposit(procCtx, ev.processID)
		}()
	case eventTransferStatus:
		if p, err := o.store.RecordTransferStatus(ev.processID, ev.status); err == nil {
			o.notify(p)
		}
	case eventTransferSettled:
		o.handleTransferComplete(o.contextFor(ev.processID), ev.processID, ev.result)
	}
}

// enqueue hands an event to the run loop, dropping it only on shutdown.
func (o *Orchestrator) enqueue(ev processEvent) {
	select {
	case o.events <- ev:
	case <-o.stop:
	}
}

// Start creates a new process for the user, cancelling any active one
// first. DIRECT processes begin the allowance sequence immediately;
// CROSS_CHAIN processes wait in IDLE for a transfer submission.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*models.DepositProcess, error) {
	if active, ok := o.store.ActiveForUser(req.UserAddress); ok {
		o.logger.Info("cancelling active process before starting a new one",
			zap.String("user", req.UserAddress),
			zap.String("old_process_id", active.ID))
		if _, err := o.cancelProcess(active.ID); err != nil && !errors.Is(err, store.ErrTerminal) {
			return nil, fmt.Errorf("failed to cancel active process: %w", err)
		}
	}

	p := &models.DepositProcess{
		UserAddress:            req.UserAddress,
		Vault:                  req.Vault,
		Kind:                   req.Kind,
		TargetAsset:            req.TargetAsset,
		RequestedDepositAmount: req.Amount,
	}

	switch req.Kind {
	case models.KindDirect:
		p.State = models.StateApprovalPending
		// For direct deposits the realized amount is the requested one.
		amount := req.Amount
		p.RealizedTargetAmount = &amount
	case models.KindCrossChain:
		p.State = models.StateIdle
		p.SourceChain = req.SourceChain
		p.SourceToken = req.SourceToken
		p.SourceAmount = req.SourceAmount
	default:
		return nil, fmt.Errorf("unknown process kind %q", req.Kind)
	}

	created, err := o.store.Create(p)
	if err != nil {
		return nil, err
	}

	o.register(created.ID)
	o.notify(created)

	if req.Kind == models.KindDirect {
		o.enqueue(processEvent{kind: eventBeginDeposit, processID: created.ID})
	}

	return created, nil
}

// SubmitTransfer funds the quote's deposit address through the user's
// wallet and moves the process from IDLE to SWAP_PENDING. At most one
// submission may be in flight per process; concurrent calls fail fast so a
// second wallet prompt can never send funds for the same process. The
// transition applies only if the process is still IDLE when the submission
// lands, so a cancellation racing the wallet interaction wins.
func (o *Orchestrator) SubmitTransfer(ctx context.Context, processID string, q models.Quote) (string, error) {
	o.mu.Lock()
	if o.submitting[processID] {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: a submission is already in flight", ErrNotSubmittable)
	}
	o.submitting[processID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.submitting, processID)
		o.mu.Unlock()
	}()

	p, err := o.store.Get(processID)
	if err != nil {
		return "", err
	}
	if p.State != models.StateIdle {
		return "", fmt.Errorf("%w: state %s", ErrNotSubmittable, p.State)
	}

	if o.quotes != nil {
		o.quotes.Pause(p.UserAddress)
		defer o.quotes.Resume(p.UserAddress)
	}

	transferID, err := o.executor.Submit(ctx, q)
	if err != nil {
		o.failProcess(processID, err)
		return "", err
	}

	updated, err := o.store.Transition(processID,
		[]models.ProcessState{models.StateIdle},
		models.StateSwapPending,
		func(p *models.DepositProcess) {
			p.TransferID = &transferID
			amountIn := q.AmountIn
			p.SourceAmount = &amountIn
			p.SourceChain = q.SourceChain
			p.SourceToken = q.SourceAsset.Symbol
		})
	if err != nil {
		// The process was cancelled while the wallet prompt was open.
		// The funds are on their way to the deposit address regardless;
		// the swap itself proceeds, this system just stops acting on it.
		o.logger.Warn("transfer submitted for a process no longer IDLE",
			zap.String("process_id", processID),
			zap.String("transfer_id", transferID),
			zap.Error(err))
		return transferID, nil
	}
	o.notify(updated)

	o.trackTransfer(processID, transferID)
	return transferID, nil
}

// trackTransfer starts tracker polling for the process's transfer. Tracker
// observations are not applied here; they are enqueued for the run loop.
func (o *Orchestrator) trackTransfer(processID, transferID string) {
	procCtx := o.contextFor(processID)

	onUpdate := func(_ string, status models.TransferStatus) {
		o.enqueue(processEvent{kind: eventTransferStatus, processID: processID, status: status})
	}

	onComplete := func(result models.TransferResult) {
		o.enqueue(processEvent{kind: eventTransferSettled, processID: processID, result: result})
	}

	o.tracker.Track(procCtx, transferID, onUpdate, onComplete)
}

// handleTransferComplete applies the tracker's terminal result. The store
// transition guard drops results for processes that are no longer
// SWAP_PENDING, which covers completion callbacks racing a cancellation.
func (o *Orchestrator) handleTransferComplete(procCtx context.Context, processID string, result models.TransferResult) {
	log := o.logger.With(
		zap.String("process_id", processID),
		zap.String("transfer_id", result.TransferID))

	switch result.Status {
	case models.TransferFailed:
		o.failProcess(processID, fmt.Errorf("transfer %s failed", result.TransferID))
		return
	case models.TransferRefunded:
		o.failProcess(processID, fmt.Errorf("transfer %s was refunded", result.TransferID))
		return
	}

	if result.AmountOut == nil || result.AmountOut.IsZero() {
		log.Error("transfer completed without settlement amount")
		o.failProcess(processID, ErrMissingSettlementData)
		return
	}

	updated, err := o.store.Transition(processID,
		[]models.ProcessState{models.StateSwapPending},
		models.StateSwapComplete,
		func(p *models.DepositProcess) {
			p.RealizedTargetAmount = result.AmountOut
		})
	if err != nil {
		log.Info("dropping stale transfer completion", zap.Error(err))
		return
	}
	o.notify(updated)
	o.record(metrics.EventSwapSettled, updated)

	log.Info("swap settled",
		zap.String("realized_amount", result.AmountOut.String()),
		zap.String("settlement_tx", result.SettlementTxHash))

	o.continueDeposit(procCtx, processID)
}

// continueDeposit runs the swap-to-deposit continuation at most once per
// process id, even if the settled notification is observed multiple times.
func (o *Orchestrator) continueDeposit(procCtx context.Context, processID string) {
	o.mu.Lock()
	if o.continued[processID] {
		o.mu.Unlock()
		o.logger.Debug("deposit continuation already ran", zap.String("process_id", processID))
		return
	}
	o.continued[processID] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		// Settlement buffer: give the destination chain RPCs a moment to
		// observe the settled balance before touching contracts.
		select {
		case <-time.After(o.cfg.SettlementBuffer):
		case <-procCtx.Done():
			o.logger.Info("deposit continuation aborted", zap.String("process_id", processID))
			return
		}

		p, err := o.store.Get(processID)
		if err != nil || p.State != models.StateSwapComplete {
			return
		}

		if _, err := o.switchChain(p.Vault.ChainID); err != nil {
			o.failProcess(processID, err)
			return
		}

		updated, err := o.store.Transition(processID,
			[]models.ProcessState{models.StateSwapComplete},
			models.StateApprovalPending, nil)
		if err != nil {
			return
		}
		o.notify(updated)

		o.runDeposit(procCtx, processID)
	}()
}

// runDeposit performs the approval-then-deposit tail shared by DIRECT
// starts and cross-chain continuations. The process must already be
// APPROVAL_PENDING. Single shot: at most one approve and one deposit.
func (o *Orchestrator) runDeposit(procCtx context.Context, processID string) {
	p, err := o.store.Get(processID)
	if err != nil || p.State != models.StateApprovalPending {
		return
	}

	seq, err := o.switchChain(p.Vault.ChainID)
	if err != nil {
		o.failProcess(processID, err)
		return
	}

	amount := p.RequestedDepositAmount
	if p.RealizedTargetAmount != nil {
		amount = *p.RealizedTargetAmount
	}

	outcome, err := seq.EnsureAllowance(procCtx, p.TargetAsset, p.Vault.Address, amount)
	if err != nil {
		o.failProcess(processID, err)
		return
	}
	o.logger.Info("allowance ready",
		zap.String("process_id", processID),
		zap.String("outcome", string(outcome)))

	updated, err := o.store.Transition(processID,
		[]models.ProcessState{models.StateApprovalPending},
		models.StateDepositPending, nil)
	if err != nil {
		// Cancelled while approving. The approval stays on chain; the
		// deposit is simply never attempted.
		o.logger.Info("skipping deposit after cancellation",
			zap.String("process_id", processID), zap.Error(err))
		return
	}
	o.notify(updated)

	txHash, shares, err := seq.Deposit(procCtx, p.TargetAsset, p.Vault.Address, amount, p.UserAddress)
	if err != nil {
		o.failProcess(processID, err)
		return
	}

	completed, err := o.store.Transition(processID,
		[]models.ProcessState{models.StateDepositPending},
		models.StateCompleted,
		func(p *models.DepositProcess) {
			p.TransactionHash = &txHash
			if !shares.IsZero() {
				sharesCopy := shares
				p.VaultShares = &sharesCopy
			}
			now := time.Now().UTC()
			p.CompletedAt = &now
		})
	if err != nil {
		o.logger.Warn("deposit mined but process no longer DEPOSIT_PENDING",
			zap.String("process_id", processID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return
	}
	o.release(processID)
	o.notify(completed)
	o.record(metrics.EventDepositCompleted, completed)

	o.logger.Info("deposit completed",
		zap.String("process_id", processID),
		zap.String("tx_hash", txHash),
		zap.String("amount", amount.String()))
}

// Cancel moves the process to CANCELLED and stops any in-flight sequence.
// Cancelling after the swap settled is advisory: the swapped funds stay in
// the user's wallet, only the deposit continuation stops.
func (o *Orchestrator) Cancel(processID string) (*models.DepositProcess, error) {
	return o.cancelProcess(processID)
}

func (o *Orchestrator) cancelProcess(processID string) (*models.DepositProcess, error) {
	cancelled, err := o.store.Cancel(processID)
	if err != nil {
		return nil, err
	}

	o.release(processID)
	if cancelled.TransferID != nil {
		o.tracker.Stop(*cancelled.TransferID)
	}

	o.notify(cancelled)
	o.record(metrics.EventProcessCancelled, cancelled)
	o.logger.Info("process cancelled", zap.String("process_id", processID))
	return cancelled, nil
}

// GetProcess returns a snapshot of the process.
func (o *Orchestrator) GetProcess(processID string) (*models.DepositProcess, error) {
	return o.store.Get(processID)
}

// GetActiveProcess returns the user's non-terminal process, if any.
func (o *Orchestrator) GetActiveProcess(userAddress string) (*models.DepositProcess, bool) {
	return o.store.ActiveForUser(userAddress)
}

// ListProcesses returns the user's process history, newest first.
func (o *Orchestrator) ListProcesses(userAddress string, limit, offset int) []models.DepositProcess {
	return o.store.ListByUser(userAddress, limit, offset)
}

// Subscribe returns a channel of process snapshots emitted on every state
// change, plus an unsubscribe function. Slow consumers lose updates.
func (o *Orchestrator) Subscribe() (<-chan models.DepositProcess, func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan models.DepositProcess, 16)
	o.subs[id] = ch
	o.mu.Unlock()

	unsubscribe := func() {
		o.mu.Lock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
		o.mu.Unlock()
	}
	return ch, unsubscribe
}

// Close stops the run loop, aborts all in-flight sequences, and waits for
// them to finish.
func (o *Orchestrator) Close() {
	o.closed.Do(func() { close(o.stop) })
	o.mu.Lock()
	for id, session := range o.sessions {
		session.cancel()
		delete(o.sessions, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// failProcess records the failure with a user-presentable message and
// emits the failure metric. Failures of already-terminal processes are
// dropped, preserving terminal immutability.
func (o *Orchestrator) failProcess(processID string, cause error) {
	failed, err := o.store.Fail(processID, userMessage(cause))
	if err != nil {
		o.logger.Debug("dropping failure for terminal process",
			zap.String("process_id", processID), zap.NamedError("cause", cause))
		return
	}
	o.release(processID)
	o.notify(failed)
	o.record(metrics.EventProcessFailed, failed)
	o.logger.Error("process failed",
		zap.String("process_id", processID),
		zap.Error(cause))
}

// switchChain selects the contract sequencer for the destination chain.
func (o *Orchestrator) switchChain(chainID string) (*vault.Sequencer, error) {
	seq, ok := o.sequencers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	o.logger.Debug("switched to destination chain", zap.String("chain_id", chainID))
	return seq, nil
}

// register creates the per-process context whose cancellation aborts the
// process's async sequence at its next suspension point.
func (o *Orchestrator) register(processID string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.sessions[processID] = &procSession{ctx: ctx, cancel: cancel}
	o.mu.Unlock()
	return ctx
}

// contextFor returns the process's registered context, registering one on
// the fly if needed.
func (o *Orchestrator) contextFor(processID string) context.Context {
	o.mu.Lock()
	if session, ok := o.sessions[processID]; ok {
		o.mu.Unlock()
		return session.ctx
	}
	o.mu.Unlock()
	return o.register(processID)
}

// release cancels and forgets the per-process context. The continuation
// guard goes with it: once the process is terminal the store refuses the
// SWAP_PENDING transition, so a late settled event cannot re-enter.
func (o *Orchestrator) release(processID string) {
	o.mu.Lock()
	session, ok := o.sessions[processID]
	delete(o.sessions, processID)
	delete(o.continued, processID)
	o.mu.Unlock()
	if ok {
		session.cancel()
	}
}

// notify fans the snapshot out to subscribers without blocking.
func (o *Orchestrator) notify(p *models.DepositProcess) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- *p.Clone():
		default:
		}
	}
}

// record emits a metric without letting sink failures touch process state.
func (o *Orchestrator) record(eventType string, p *models.DepositProcess) {
	ev := metrics.Event{
		Type:        eventType,
		ProcessID:   p.ID,
		UserAddress: p.UserAddress,
		Asset:       p.TargetAsset.Symbol,
		Chain:       p.Vault.ChainID,
	}
	go func() {
		if err := o.sink.Record(ev); err != nil {
			o.logger.Debug("metrics record failed", zap.Error(err))
		}
	}()
}

// userMessage translates collaborator errors into the short messages
// recorded on failed processes.
func userMessage(err error) string {
	switch {
	case errors.Is(err, signer.ErrSignerUnavailable):
		return "No wallet is available for the source chain."
	case errors.Is(err, signer.ErrUserRejected):
		return "The transaction was rejected in the wallet."
	case errors.Is(err, swap.ErrSubmissionFailed):
		return "The transfer could not be submitted. Please try again."
	case errors.Is(err, swap.ErrQuoteUnavailable):
		return "No quote is available for this swap right now."
	case errors.Is(err, vault.ErrApprovalRejected):
		return "The approval was rejected in the wallet."
	case errors.Is(err, vault.ErrApprovalTransactionFailed):
		return "The approval transaction failed on chain."
	case errors.Is(err, vault.ErrDepositTransactionFailed):
		return "The deposit transaction failed: " + trimPrefix(err, vault.ErrDepositTransactionFailed)
	case errors.Is(err, ErrMissingSettlementData):
		return "The swap completed but no settlement amount was reported."
	case errors.Is(err, ErrUnknownChain):
		return "The vault's chain is not supported."
	default:
		return err.Error()
	}
}

// trimPrefix strips the sentinel's text from a wrapped error, leaving the
// underlying detail for display.
func trimPrefix(err error, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
