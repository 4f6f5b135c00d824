package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"vaultflow/internal/api"
	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/config"
	"vaultflow/internal/metrics"
	"vaultflow/internal/orchestrator"
	"vaultflow/internal/quote"
	"vaultflow/internal/signer"
	"vaultflow/internal/store"
	"vaultflow/internal/swap"
	"vaultflow/internal/vault"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Vaultflow Deposit Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("num_chains", len(cfg.Chains)),
		zap.Int("num_vaults", len(cfg.Vaults)))

	// Metrics registry
	registry := prometheus.NewRegistry()
	sink, err := metrics.NewPromSink(registry)
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	// Connect EVM chains
	evmClients := make(map[string]*evm.Client, len(cfg.Chains))
	for chainID, chainCfg := range cfg.Chains {
		chainCfg := chainCfg
		client, err := evm.NewClient(&chainCfg, cfg.Wallet.EVMPrivateKey, logger)
		if err != nil {
			logger.Fatal("Failed to connect EVM chain",
				zap.String("chain_id", chainID), zap.Error(err))
		}
		defer client.Close()
		evmClients[chainID] = client
		logger.Info("EVM chain connected",
			zap.String("chain_id", chainID),
			zap.String("name", chainCfg.Name))
	}

	// Wallet signers
	signers := make([]signer.Signer, 0, 2)
	if home, ok := evmClients["1"]; ok {
		signers = append(signers, signer.NewEVMSigner(home))
	} else {
		for _, client := range evmClients {
			signers = append(signers, signer.NewEVMSigner(client))
			break
		}
	}
	if cfg.Solana.PrivateKey != "" {
		solSigner, err := signer.NewSolanaSigner(cfg.Solana)
		if err != nil {
			logger.Fatal("Failed to initialize Solana signer", zap.Error(err))
		}
		signers = append(signers, solSigner)
		logger.Info("Solana signer ready", zap.String("address", solSigner.Address()))
	}
	provider := signer.NewStaticProvider(signers...)

	// Swap aggregator, executor and tracker
	aggregator := swap.NewOneClickAggregator(cfg.Swap, logger)
	executor := swap.NewExecutor(provider, aggregator, sink, logger)
	tracker := swap.NewTracker(aggregator, cfg.Orchestrator.TrackerPollInterval, logger)
	defer tracker.Close()

	// Live quote sessions: one engine per websocket client, registered
	// here so submissions can pause the owning user's polling.
	quoteSessions := quote.NewRegistry()

	// Vault sequencers, one per connected chain
	sequencers := make(map[string]*vault.Sequencer, len(evmClients))
	for chainID, client := range evmClients {
		sequencers[chainID] = vault.NewSequencer(client,
			cfg.Orchestrator.ApprovalTimeout,
			cfg.Orchestrator.DepositTimeout,
			logger)
	}

	// Process store and orchestrator
	processStore := store.New(logger)
	orch := orchestrator.New(processStore, executor, tracker, quoteSessions,
		sequencers, sink, cfg.Orchestrator, logger)
	defer orch.Close()

	logger.Info("Orchestrator initialized",
		zap.Int("num_sequencers", len(sequencers)))

	// Initialize API handlers
	apiHandler := api.NewHandler(orch, aggregator, cfg.Vaults, logger)
	stream := api.NewProcessStream(orch, logger)
	quoteStream := api.NewQuoteStream(aggregator, quoteSessions, cfg.Orchestrator, logger)
	router := api.SetupRouter(apiHandler, stream, quoteStream, registry, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
