package valuation

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/fx"
	"github.com/nahueldlsl/financial-os/internal/logging"
	"github.com/nahueldlsl/financial-os/internal/money"
)

// Handler serves valuation endpoints. Amounts leave as decimal currency.
type Handler struct {
	agg   *Aggregator
	rates RateSource
}

// NewHandler creates a valuation handler.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg, rates: agg.rates}
}

type bucketsResponse struct {
	Stocks decimal.Decimal `json:"stocks"`
	Wallet decimal.Decimal `json:"wallet"`
	Broker decimal.Decimal `json:"broker"`
}

type walletResponse struct {
	USD      decimal.Decimal `json:"usd"`
	UYU      decimal.Decimal `json:"uyu"`
	UYUInUSD decimal.Decimal `json:"uyu_in_usd"`
}

type performanceResponse struct {
	Value      decimal.Decimal `json:"value"`
	Percentage float64         `json:"percentage"`
	IsPositive bool            `json:"is_positive"`
}

type holdingResponse struct {
	Ticker         string          `json:"ticker"`
	Quantity       decimal.Decimal `json:"quantity"`
	AverageCost    decimal.Decimal `json:"average_cost"`
	Price          decimal.Decimal `json:"price"`
	PriceSource    string          `json:"price_source"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	UnrealizedGain decimal.Decimal `json:"unrealized_gain"`
	ReturnPct      float64         `json:"return_pct"`
	DripEnabled    bool            `json:"drip_enabled"`
}

// SnapshotResponse is the dashboard payload.
type SnapshotResponse struct {
	NetWorth       decimal.Decimal     `json:"net_worth"`
	Buckets        bucketsResponse     `json:"buckets"`
	Wallet         walletResponse      `json:"wallet"`
	Performance    performanceResponse `json:"performance"`
	Positions      []holdingResponse   `json:"positions"`
	Rate           fx.Rate             `json:"rate"`
	PriceFallbacks []string            `json:"price_fallbacks"`
	AsOf           time.Time           `json:"as_of"`
}

func toHoldings(hs []Holding) []holdingResponse {
	out := make([]holdingResponse, len(hs))
	for i, h := range hs {
		out[i] = holdingResponse{
			Ticker:         h.Ticker,
			Quantity:       h.Quantity,
			AverageCost:    money.FromCents(h.AverageCostCents),
			Price:          money.FromCents(h.PriceCents),
			PriceSource:    string(h.PriceSource),
			MarketValue:    money.FromCents(h.MarketValueCents),
			CostBasis:      money.FromCents(h.CostBasisCents),
			UnrealizedGain: money.FromCents(h.UnrealizedGainCents),
			ReturnPct:      h.ReturnPct,
			DripEnabled:    h.DripEnabled,
		}
	}
	return out
}

// Snapshot handles GET /api/dashboard.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.agg.Snapshot(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("valuation failed", "error", err)
		writeError(w, "failed to compute valuation", http.StatusInternalServerError)
		return
	}

	resp := SnapshotResponse{
		NetWorth: money.FromCents(snap.NetWorthCents),
		Buckets: bucketsResponse{
			Stocks: money.FromCents(snap.Buckets.StocksCents),
			Wallet: money.FromCents(snap.Buckets.WalletCents),
			Broker: money.FromCents(snap.Buckets.BrokerCents),
		},
		Wallet: walletResponse{
			USD:      money.FromCents(snap.Wallet.PrimaryCents),
			UYU:      money.FromCents(snap.Wallet.SecondaryCents),
			UYUInUSD: money.FromCents(snap.Wallet.SecondaryInPrimaryCents),
		},
		Performance: performanceResponse{
			Value:      money.FromCents(snap.Performance.ValueCents),
			Percentage: snap.Performance.Percentage,
			IsPositive: snap.Performance.IsPositive,
		},
		Positions:      toHoldings(snap.Holdings),
		Rate:           snap.Rate,
		PriceFallbacks: snap.PriceFallbacks,
		AsOf:           snap.AsOf,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Portfolio handles GET /api/portfolio.
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.agg.Portfolio(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("portfolio failed", "error", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toHoldings(holdings))
}

// Rate handles GET /api/fx.
func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.rates.Rate(r.Context()))
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
