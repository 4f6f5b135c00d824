package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/models"
)

// aggregatorServer fakes the 1Click API and records the quote requests it
// receives.
type aggregatorServer struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (s *aggregatorServer) lastRequest() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func (s *aggregatorServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/tokens":
			json.NewEncoder(w).Encode([]map[string]any{
				{
					"assetId":        "nep141:sol.omft.near",
					"decimals":       9,
					"blockchain":     "sol",
					"symbol":         "SOL",
					"price":          150,
					"priceUpdatedAt": "2026-08-28T00:00:00Z",
				},
				{
					"assetId":         "nep141:eth-usdc.omft.near",
					"decimals":        6,
					"blockchain":      "eth",
					"symbol":          "USDC",
					"price":           1,
					"priceUpdatedAt":  "2026-08-28T00:00:00Z",
					"contractAddress": "0x2222222222222222222222222222222222222222",
				},
			})
		case "/v0/quote":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			s.requests = append(s.requests, body)
			s.mu.Unlock()

			json.NewEncoder(w).Encode(map[string]any{
				"timestamp":    "2026-08-28T00:00:00Z",
				"signature":    "ed25519:test",
				"quoteRequest": body,
				"quote": map[string]any{
					"depositAddress":     "dep-addr-live",
					"amountIn":           "5000000000",
					"amountInFormatted":  "5",
					"amountInUsd":        "750",
					"minAmountIn":        "5000000000",
					"amountOut":          "140000000",
					"amountOutFormatted": "140",
					"amountOutUsd":       "140",
					"minAmountOut":       "139000000",
					"timeEstimate":       10,
				},
			})
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestOneClick(t *testing.T, referralID string) (*OneClickAggregator, *aggregatorServer) {
	t.Helper()
	fake := &aggregatorServer{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := config.SwapConfig{
		APIToken:      "test-token",
		BaseURL:       srv.URL,
		ReferralID:    referralID,
		SlippageBps:   100,
		QuoteDeadline: time.Minute,
	}
	return NewOneClickAggregator(cfg, zap.NewNop()), fake
}

func TestQuoteForwardsConfiguredReferral(t *testing.T) {
	agg, fake := newTestOneClick(t, "VaultFlow")

	quotes, err := agg.Quote(context.Background(), models.QuoteParams{
		SourceAsset: "SOL",
		SourceChain: "sol",
		TargetAsset: "USDC",
		TargetChain: "eth",
		Amount:      decimal.RequireFromString("5"),
		Recipient:   "0xrecipient",
	})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "dep-addr-live", quotes[0].DepositAddress)

	sent := fake.lastRequest()
	require.NotNil(t, sent)
	assert.Equal(t, "vaultflow", sent["referral"])
	// Amount travels in the source token's smallest unit.
	assert.Equal(t, "5000000000", sent["amount"])
}

func TestQuoteParamsReferrerWinsOverConfig(t *testing.T) {
	agg, fake := newTestOneClick(t, "VaultFlow")

	_, err := agg.Quote(context.Background(), models.QuoteParams{
		SourceAsset: "SOL",
		SourceChain: "sol",
		TargetAsset: "USDC",
		TargetChain: "eth",
		Amount:      decimal.RequireFromString("5"),
		Referrer:    "Partner",
		Recipient:   "0xrecipient",
	})
	require.NoError(t, err)

	sent := fake.lastRequest()
	require.NotNil(t, sent)
	assert.Equal(t, "partner", sent["referral"])
}

func TestQuoteOmitsReferralWhenUnset(t *testing.T) {
	agg, fake := newTestOneClick(t, "")

	_, err := agg.Quote(context.Background(), models.QuoteParams{
		SourceAsset: "SOL",
		SourceChain: "sol",
		TargetAsset: "USDC",
		TargetChain: "eth",
		Amount:      decimal.RequireFromString("5"),
		Recipient:   "0xrecipient",
	})
	require.NoError(t, err)

	sent := fake.lastRequest()
	require.NotNil(t, sent)
	_, present := sent["referral"]
	assert.False(t, present)
}
