package api

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"vaultflow/internal/metrics"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, stream *ProcessStream, quotes *QuoteStream, registry *prometheus.Registry, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Health check endpoint
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	// Prometheus scrape endpoint
	if registry != nil {
		router.Handle("/metrics", metrics.Handler(registry)).Methods(http.MethodGet)
	}

	// Process update stream
	if stream != nil {
		router.HandleFunc("/ws/processes", stream.HandleProcessStream)
	}

	// Live quote sessions
	if quotes != nil {
		router.HandleFunc("/ws/quotes", quotes.HandleQuoteSession)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Quotes
	api.HandleFunc("/quotes", handler.HandleQuote).Methods(http.MethodPost)

	// Vaults
	api.HandleFunc("/vaults", handler.HandleGetVaults).Methods(http.MethodGet)

	// Processes
	api.HandleFunc("/processes", handler.HandleStartProcess).Methods(http.MethodPost)
	api.HandleFunc("/processes/{processId}/transfer", handler.HandleSubmitTransfer).Methods(http.MethodPost)
	api.HandleFunc("/processes/{processId}/cancel", handler.HandleCancelProcess).Methods(http.MethodPost)
	api.HandleFunc("/processes/active/{address}", handler.HandleGetActiveProcess).Methods(http.MethodGet)
	api.HandleFunc("/processes/user/{address}", handler.HandleGetUserProcesses).Methods(http.MethodGet)
	api.HandleFunc("/processes/{processId}", handler.HandleGetProcess).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes hijacking through to the underlying writer so websocket
// upgrades work behind the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow all origins for now (can be restricted later)
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error","message":"An unexpected error occurred"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
