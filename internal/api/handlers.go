package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/models"
	"vaultflow/internal/orchestrator"
	"vaultflow/internal/signer"
	"vaultflow/internal/store"
	"vaultflow/internal/swap"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orch   *orchestrator.Orchestrator
	agg    swap.Aggregator
	vaults map[string]config.VaultConfig
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	orch *orchestrator.Orchestrator,
	agg swap.Aggregator,
	vaults map[string]config.VaultConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orch:   orch,
		agg:    agg,
		vaults: vaults,
		logger: logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Quotes ====================

// HandleQuote handles POST /api/v1/quotes
// One-shot pricing through the aggregator. Interactive clients should use
// the /ws/quotes session instead, which debounces edits and keeps the
// quote fresh.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil || !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "amount must be a positive decimal", err)
		return
	}
	if req.SourceAsset == "" || req.TargetAsset == "" {
		respondError(w, http.StatusBadRequest, "source_asset and target_asset are required", nil)
		return
	}
	if req.Recipient == "" {
		respondError(w, http.StatusBadRequest, "recipient is required", nil)
		return
	}

	params := models.QuoteParams{
		SourceAsset: req.SourceAsset,
		SourceChain: req.SourceChain,
		TargetAsset: req.TargetAsset,
		TargetChain: req.TargetChain,
		Amount:      amount,
		SlippageBps: req.SlippageBps,
		Recipient:   req.Recipient,
		RefundTo:    req.RefundTo,
	}

	quotes, err := h.agg.Quote(r.Context(), params)
	if err != nil {
		h.logger.Error("Failed to get quote",
			zap.String("source_asset", req.SourceAsset),
			zap.String("target_asset", req.TargetAsset),
			zap.Error(err))
		if errors.Is(err, swap.ErrQuoteUnavailable) {
			respondError(w, http.StatusBadGateway, "No quote available", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get quote", err)
		return
	}

	respondJSON(w, http.StatusOK, QuoteResponse{Quotes: quotes})
}

// ==================== Processes ====================

// HandleStartProcess handles POST /api/v1/processes
// Starts a deposit process, cancelling any active one for the user
func (h *Handler) HandleStartProcess(w http.ResponseWriter, r *http.Request) {
	var req StartProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.UserAddress == "" {
		respondError(w, http.StatusBadRequest, "user_address is required", nil)
		return
	}

	vaultCfg, ok := h.vaults[req.VaultID]
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown vault %q", req.VaultID), nil)
		return
	}

	kind := models.ProcessKind(req.Kind)
	if kind != models.KindDirect && kind != models.KindCrossChain {
		respondError(w, http.StatusBadRequest, "kind must be DIRECT or CROSS_CHAIN", nil)
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil || !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "amount must be a positive decimal", err)
		return
	}

	startReq := orchestrator.StartRequest{
		UserAddress: req.UserAddress,
		Vault: models.VaultRef{
			ID:      vaultCfg.ID,
			ChainID: vaultCfg.ChainID,
			Address: vaultCfg.Address,
		},
		TargetAsset: models.AssetRef{
			Symbol:   vaultCfg.AssetSymbol,
			Contract: vaultCfg.AssetContract,
			Decimals: vaultCfg.AssetDecimals,
		},
		Kind:        kind,
		Amount:      amount,
		SourceChain: req.SourceChain,
		SourceToken: req.SourceToken,
	}
	if req.SourceAmount != "" {
		sourceAmount, err := decimal.NewFromString(req.SourceAmount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid source_amount", err)
			return
		}
		startReq.SourceAmount = &sourceAmount
	}

	h.logger.Info("Starting deposit process",
		zap.String("user_address", req.UserAddress),
		zap.String("vault_id", req.VaultID),
		zap.String("kind", req.Kind),
		zap.String("amount", amount.String()))

	process, err := h.orch.Start(r.Context(), startReq)
	if err != nil {
		h.logger.Error("Failed to start process",
			zap.String("user_address", req.UserAddress),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to start process", err)
		return
	}

	respondJSON(w, http.StatusCreated, StartProcessResponse{
		ProcessID: process.ID,
		Process:   process,
	})
}

// HandleSubmitTransfer handles POST /api/v1/processes/{processId}/transfer
// Funds the quote's deposit address and begins transfer tracking
func (h *Handler) HandleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	processID := mux.Vars(r)["processId"]

	var req SubmitTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Quote.DepositAddress == "" {
		respondError(w, http.StatusBadRequest, "quote.deposit_address is required", nil)
		return
	}

	transferID, err := h.orch.SubmitTransfer(r.Context(), processID, req.Quote)
	if err != nil {
		h.logger.Error("Failed to submit transfer",
			zap.String("process_id", processID),
			zap.Error(err))
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Process not found", nil)
		case errors.Is(err, orchestrator.ErrNotSubmittable):
			respondError(w, http.StatusConflict, "Process is not awaiting a transfer", err)
		case errors.Is(err, signer.ErrUserRejected):
			respondError(w, http.StatusUnprocessableEntity, "Transfer rejected in wallet", err)
		case errors.Is(err, signer.ErrSignerUnavailable):
			respondError(w, http.StatusUnprocessableEntity, "No signer for source chain", err)
		default:
			respondError(w, http.StatusInternalServerError, "Failed to submit transfer", err)
		}
		return
	}

	respondJSON(w, http.StatusOK, SubmitTransferResponse{TransferID: transferID})
}

// HandleCancelProcess handles POST /api/v1/processes/{processId}/cancel
func (h *Handler) HandleCancelProcess(w http.ResponseWriter, r *http.Request) {
	processID := mux.Vars(r)["processId"]

	process, err := h.orch.Cancel(processID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "Process not found", nil)
		case errors.Is(err, store.ErrTerminal):
			respondError(w, http.StatusConflict, "Process already finished", err)
		default:
			h.logger.Error("Failed to cancel process",
				zap.String("process_id", processID),
				zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to cancel process", err)
		}
		return
	}

	respondJSON(w, http.StatusOK, ProcessResponse{Process: process})
}

// HandleGetProcess handles GET /api/v1/processes/{processId}
func (h *Handler) HandleGetProcess(w http.ResponseWriter, r *http.Request) {
	processID := mux.Vars(r)["processId"]

	process, err := h.orch.GetProcess(processID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Process not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get process", err)
		return
	}

	respondJSON(w, http.StatusOK, ProcessResponse{Process: process})
}

// HandleGetActiveProcess handles GET /api/v1/processes/active/{address}
func (h *Handler) HandleGetActiveProcess(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	process, ok := h.orch.GetActiveProcess(address)
	if !ok {
		respondError(w, http.StatusNotFound, "No active process", nil)
		return
	}

	respondJSON(w, http.StatusOK, ProcessResponse{Process: process})
}

// HandleGetUserProcesses handles GET /api/v1/processes/user/{address}
func (h *Handler) HandleGetUserProcesses(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	limit := 50
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	processes := h.orch.ListProcesses(address, limit, offset)
	respondJSON(w, http.StatusOK, UserProcessesResponse{Processes: processes})
}

// ==================== Vaults ====================

// HandleGetVaults handles GET /api/v1/vaults
func (h *Handler) HandleGetVaults(w http.ResponseWriter, r *http.Request) {
	vaults := make([]VaultSummary, 0, len(h.vaults))
	for _, v := range h.vaults {
		vaults = append(vaults, VaultSummary{
			ID:           v.ID,
			ChainID:      v.ChainID,
			Address:      v.Address,
			AssetSymbol:  v.AssetSymbol,
			AssetDecimal: v.AssetDecimals,
		})
	}
	respondJSON(w, http.StatusOK, VaultsResponse{Vaults: vaults})
}

// ==================== Helper Functions ====================

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
