package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/metrics"
	"vaultflow/internal/models"
	"vaultflow/internal/orchestrator"
	"vaultflow/internal/signer"
	"vaultflow/internal/store"
	"vaultflow/internal/swap"
	"vaultflow/internal/vault"
)

type staticAggregator struct{}

func (staticAggregator) Quote(_ context.Context, params models.QuoteParams) ([]models.Quote, error) {
	return []models.Quote{{
		DepositAddress: "dep-addr",
		SourceAsset:    models.AssetRef{Symbol: params.SourceAsset, Decimals: 9},
		SourceChain:    params.SourceChain,
		TargetAsset:    params.TargetAsset,
		AmountIn:       params.Amount,
		ExpectedOut:    params.Amount.Mul(decimal.RequireFromString("28")),
		IssuedAt:       time.Now(),
	}}, nil
}

func (staticAggregator) NotifyDeposit(context.Context, string, string) error { return nil }

func (staticAggregator) Status(_ context.Context, transferID string) (models.TransferResult, error) {
	return models.TransferResult{TransferID: transferID, Status: models.TransferProcessing}, nil
}

type nopCaller struct{}

func (nopCaller) WalletAddress() common.Address { return common.Address{} }
func (nopCaller) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}
func (nopCaller) ApproveAndWait(context.Context, common.Address, common.Address, *big.Int, time.Duration) (common.Hash, error) {
	return common.HexToHash("0xa"), nil
}
func (nopCaller) DepositAndWait(_ context.Context, _ common.Address, amount *big.Int, _ common.Address, _ time.Duration) (common.Hash, *big.Int, error) {
	return common.HexToHash("0xd"), new(big.Int).Set(amount), nil
}

type evmStubSigner struct{}

func (evmStubSigner) Family() models.ChainFamily { return models.FamilyEVM }
func (evmStubSigner) Address() string            { return "0xsigner" }
func (evmStubSigner) SendFunds(context.Context, models.AssetRef, string, decimal.Decimal) (string, error) {
	return "0xsent", nil
}

func testVaults() map[string]config.VaultConfig {
	return map[string]config.VaultConfig{
		"usdc-prime": {
			ID:            "usdc-prime",
			ChainID:       "1",
			Address:       "0x3333333333333333333333333333333333333333",
			AssetSymbol:   "USDC",
			AssetContract: "0x2222222222222222222222222222222222222222",
			AssetDecimals: 6,
		},
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	logger := zap.NewNop()
	st := store.New(logger)
	agg := staticAggregator{}

	provider := signer.NewStaticProvider(evmStubSigner{})
	executor := swap.NewExecutor(provider, agg, metrics.NopSink{}, logger)
	tracker := swap.NewTracker(agg, 10*time.Millisecond, logger)
	seq := vault.NewSequencer(nopCaller{}, time.Minute, time.Minute, logger)

	cfg := config.OrchestratorConfig{
		SettlementBuffer: time.Millisecond,
		ApprovalTimeout:  time.Minute,
		DepositTimeout:   time.Minute,
	}
	orch := orchestrator.New(st, executor, tracker, nil,
		map[string]*vault.Sequencer{"1": seq}, metrics.NopSink{}, cfg, logger)
	t.Cleanup(func() {
		orch.Close()
		tracker.Close()
	})

	return NewHandler(orch, agg, testVaults(), logger)
}

func TestHandleHealth(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}
}

func TestHandleGetVaults(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/vaults", nil)
	w := httptest.NewRecorder()

	handler.HandleGetVaults(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response VaultsResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Vaults) != 1 {
		t.Fatalf("expected 1 vault, got %d", len(response.Vaults))
	}
	if response.Vaults[0].ID != "usdc-prime" {
		t.Errorf("expected vault id 'usdc-prime', got '%s'", response.Vaults[0].ID)
	}
}

func TestHandleStartProcessValidation(t *testing.T) {
	handler := newTestHandler(t)

	tests := []struct {
		name           string
		request        StartProcessRequest
		expectedStatus int
	}{
		{
			name: "missing user address",
			request: StartProcessRequest{
				VaultID: "usdc-prime",
				Kind:    "DIRECT",
				Amount:  "100",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown vault",
			request: StartProcessRequest{
				UserAddress: "0xuser",
				VaultID:     "no-such-vault",
				Kind:        "DIRECT",
				Amount:      "100",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "bad kind",
			request: StartProcessRequest{
				UserAddress: "0xuser",
				VaultID:     "usdc-prime",
				Kind:        "SIDEWAYS",
				Amount:      "100",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "non-numeric amount",
			request: StartProcessRequest{
				UserAddress: "0xuser",
				VaultID:     "usdc-prime",
				Kind:        "DIRECT",
				Amount:      "lots",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "zero amount",
			request: StartProcessRequest{
				UserAddress: "0xuser",
				VaultID:     "usdc-prime",
				Kind:        "DIRECT",
				Amount:      "0",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "valid direct",
			request: StartProcessRequest{
				UserAddress: "0xuser",
				VaultID:     "usdc-prime",
				Kind:        "DIRECT",
				Amount:      "100",
			},
			expectedStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.request)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/processes", bytes.NewReader(body))
			w := httptest.NewRecorder()

			handler.HandleStartProcess(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	router := SetupRouter(handler, nil, nil, nil, zap.NewNop())

	// Start a cross-chain process.
	startBody, _ := json.Marshal(StartProcessRequest{
		UserAddress: "0xuser",
		VaultID:     "usdc-prime",
		Kind:        "CROSS_CHAIN",
		Amount:      "140",
		SourceChain: "base",
		SourceToken: "ETH",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/processes", bytes.NewReader(startBody))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("start: expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var started StartProcessResponse
	if err := json.NewDecoder(w.Body).Decode(&started); err != nil {
		t.Fatalf("failed to decode start response: %v", err)
	}
	if started.Process.State != models.StateIdle {
		t.Fatalf("expected IDLE, got %s", started.Process.State)
	}

	// Fetch it back by id.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/processes/"+started.ProcessID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected status %d, got %d", http.StatusOK, w.Code)
	}

	// It is the user's active process.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/processes/active/0xuser", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("active: expected status %d, got %d", http.StatusOK, w.Code)
	}

	// Cancel it.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/processes/"+started.ProcessID+"/cancel", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var cancelled ProcessResponse
	if err := json.NewDecoder(w.Body).Decode(&cancelled); err != nil {
		t.Fatalf("failed to decode cancel response: %v", err)
	}
	if cancelled.Process.State != models.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Process.State)
	}

	// Cancelling twice conflicts.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/processes/"+started.ProcessID+"/cancel", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("re-cancel: expected status %d, got %d", http.StatusConflict, w.Code)
	}

	// History lists it.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/processes/user/0xuser", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected status %d, got %d", http.StatusOK, w.Code)
	}
	var listed UserProcessesResponse
	if err := json.NewDecoder(w.Body).Decode(&listed); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if len(listed.Processes) != 1 {
		t.Errorf("expected 1 process, got %d", len(listed.Processes))
	}
}

func TestHandleSubmitTransferUnknownProcess(t *testing.T) {
	handler := newTestHandler(t)
	router := SetupRouter(handler, nil, nil, nil, zap.NewNop())

	body, _ := json.Marshal(SubmitTransferRequest{
		Quote: models.Quote{DepositAddress: "dep-addr", AmountIn: decimal.RequireFromString("1")},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/processes/nope/transfer", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleQuote(t *testing.T) {
	handler := newTestHandler(t)

	body, _ := json.Marshal(QuoteRequest{
		SourceAsset: "SOL",
		SourceChain: "sol",
		TargetAsset: "USDC",
		TargetChain: "eth",
		Amount:      "5",
		Recipient:   "0xrecipient",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quotes", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler.HandleQuote(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var response QuoteResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Quotes) != 1 {
		t.Fatalf("expected 1 quote, got %d", len(response.Quotes))
	}
	if response.Quotes[0].DepositAddress != "dep-addr" {
		t.Errorf("unexpected deposit address %q", response.Quotes[0].DepositAddress)
	}
}
