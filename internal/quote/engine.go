// Package quote keeps a live quote fresh while the user edits swap inputs.
// Input changes are debounced, responses are sequence-guarded against
// out-of-order arrival, and a background poller refreshes the latest quote
// until it is consumed by a submission.
package quote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vaultflow/internal/models"
	"vaultflow/internal/swap"
)

// Update is pushed whenever the engine's visible quote state changes.
type Update struct {
	Quotes []models.Quote
	Err    error
}

// Engine debounces quote requests and keeps the winning quote fresh.
type Engine struct {
	agg      swap.Aggregator
	debounce time.Duration
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	seq      uint64
	params   models.QuoteParams
	latest   []models.Quote
	fetching bool
	deferred bool
	timer    *time.Timer
	paused   bool

	updates chan Update
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewEngine creates an engine. Run must be called before SetInputs for the
// background refresh to take effect; SetInputs alone still quotes once.
func NewEngine(agg swap.Aggregator, debounce, interval time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		agg:      agg,
		debounce: debounce,
		interval: interval,
		logger:   logger.Named("quotes"),
		updates:  make(chan Update, 8),
		stop:     make(chan struct{}),
	}
}

// Run drives the periodic refresh until ctx ends or Close is called.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.refresh(ctx)
			}
		}
	}()
}

// SetInputs registers the latest user inputs. Invalid params clear the
// current quote immediately; valid ones fetch after the debounce window,
// and only the newest registered inputs can publish a result.
func (e *Engine) SetInputs(ctx context.Context, params models.QuoteParams) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.params = params

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if !params.Valid() {
		e.latest = nil
		e.mu.Unlock()
		e.publish(Update{})
		return
	}

	e.timer = time.AfterFunc(e.debounce, func() {
		e.fetch(ctx, seq, params)
	})
	e.mu.Unlock()
}

// Latest returns the current quotes, best first, or nil when none are live.
func (e *Engine) Latest() []models.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Quote, len(e.latest))
	copy(out, e.latest)
	return out
}

// Updates exposes the change stream. Slow consumers lose updates rather
// than blocking the engine.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Pause suspends background refresh, used while a submission is in flight
// so the quote being executed cannot change underneath it.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume re-enables background refresh.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Close stops the refresh loop and the debounce timer.
func (e *Engine) Close() {
	e.stopped.Do(func() { close(e.stop) })
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// refresh re-fetches for the current inputs. Skipped while a fetch is
// already in flight or the engine is paused.
func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	if e.fetching || e.paused || !e.params.Valid() {
		e.mu.Unlock()
		return
	}
	seq := e.seq
	params := e.params
	e.mu.Unlock()

	e.fetch(ctx, seq, params)
}

// fetch performs the aggregator call and applies the result only if no
// newer inputs were registered while it was in flight.
func (e *Engine) fetch(ctx context.Context, seq uint64, params models.QuoteParams) {
	e.mu.Lock()
	if seq != e.seq {
		e.mu.Unlock()
		return
	}
	if e.fetching {
		// An older fetch is still in flight; it re-fires for the newest
		// inputs once it lands.
		e.deferred = true
		e.mu.Unlock()
		return
	}
	e.fetching = true
	e.mu.Unlock()

	quotes, err := e.agg.Quote(ctx, params)

	e.mu.Lock()
	e.fetching = false
	if seq != e.seq {
		// Inputs changed while fetching. If their debounce already fired
		// and was deferred, fetch them now; otherwise their pending timer
		// owns the next publish.
		retry := e.deferred
		e.deferred = false
		curSeq, curParams := e.seq, e.params
		e.mu.Unlock()
		if retry && curParams.Valid() {
			go e.fetch(ctx, curSeq, curParams)
		}
		return
	}
	e.deferred = false
	if err != nil {
		e.latest = nil
		e.mu.Unlock()
		e.logger.Warn("quote fetch failed", zap.Error(err))
		e.publish(Update{Err: err})
		return
	}
	e.latest = quotes
	e.mu.Unlock()

	e.publish(Update{Quotes: quotes})
}

func (e *Engine) publish(u Update) {
	select {
	case e.updates <- u:
	default:
		e.logger.Debug("dropping quote update, consumer behind")
	}
}
