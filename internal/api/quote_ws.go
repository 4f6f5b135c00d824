package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/models"
	"vaultflow/internal/quote"
	"vaultflow/internal/swap"
)

// QuoteStream serves live quote sessions over websockets. Each connection
// owns a quote engine: input messages feed it, debounced results stream
// back, and the background poller keeps the winning quote fresh until the
// client disconnects.
type QuoteStream struct {
	agg      swap.Aggregator
	registry *quote.Registry
	debounce time.Duration
	interval time.Duration
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewQuoteStream creates the websocket endpoint for live quoting.
func NewQuoteStream(agg swap.Aggregator, registry *quote.Registry, cfg config.OrchestratorConfig, logger *zap.Logger) *QuoteStream {
	return &QuoteStream{
		agg:      agg,
		registry: registry,
		debounce: cfg.QuoteDebounce,
		interval: cfg.QuotePollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("quote_ws"),
	}
}

// HandleQuoteSession handles GET /ws/quotes. The ?user=address query keys
// the session in the registry so a transfer submission can pause its
// polling while the quoted deposit address is being funded.
func (s *QuoteStream) HandleQuoteSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	user := r.URL.Query().Get("user")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := quote.NewEngine(s.agg, s.debounce, s.interval, s.logger)
	engine.Run(ctx)
	defer engine.Close()

	if s.registry != nil {
		s.registry.Add(user, engine)
		defer s.registry.Remove(user, engine)
	}

	s.logger.Info("quote session connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user", user))

	// Read pump: each message replaces the session's inputs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var in QuoteSessionInput
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			engine.SetInputs(ctx, sessionParams(in))
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u := <-engine.Updates():
			out := QuoteSessionUpdate{Quotes: u.Quotes}
			if out.Quotes == nil {
				out.Quotes = []models.Quote{}
			}
			if u.Err != nil {
				out.Error = u.Err.Error()
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(out); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// sessionParams maps an input frame onto quote params. An unparsable
// amount yields zero, which the engine treats as clear-the-quote.
func sessionParams(in QuoteSessionInput) models.QuoteParams {
	amount, _ := decimal.NewFromString(in.Amount)
	return models.QuoteParams{
		SourceAsset: in.SourceAsset,
		SourceChain: in.SourceChain,
		TargetAsset: in.TargetAsset,
		TargetChain: in.TargetChain,
		Amount:      amount,
		SlippageBps: in.SlippageBps,
		Recipient:   in.Recipient,
		RefundTo:    in.RefundTo,
	}
}
