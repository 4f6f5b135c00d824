package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vaultflow/internal/orchestrator"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ProcessStream pushes process state changes to websocket clients.
type ProcessStream struct {
	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewProcessStream creates the websocket endpoint for process updates.
func NewProcessStream(orch *orchestrator.Orchestrator, logger *zap.Logger) *ProcessStream {
	return &ProcessStream{
		orch: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

// HandleProcessStream handles GET /ws/processes. An optional ?user=address
// query restricts the stream to that user's processes.
func (s *ProcessStream) HandleProcessStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	userFilter := r.URL.Query().Get("user")

	updates, unsubscribe := s.orch.Subscribe()
	defer unsubscribe()

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	s.logger.Info("process stream connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_filter", userFilter))

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case process, ok := <-updates:
			if !ok {
				return
			}
			if userFilter != "" && process.UserAddress != userFilter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(process); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
