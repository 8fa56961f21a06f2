package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/logging"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/store"
)

// Handler exposes the trade service over HTTP. Request and response amounts
// are decimal currency; conversion to cents happens here and nowhere else.
type Handler struct {
	svc *Service
}

// NewHandler creates a trade handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the trade, ledger, cash, and settings endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/trade/buy", h.Buy)
	r.Post("/api/trade/sell", h.Sell)
	r.Get("/api/trade/history", h.History)
	// {ref} is a ticker for GET and a ledger entry id for PUT and DELETE;
	// chi needs one param name per path position.
	r.Get("/api/trading/history/{ref}", h.History)
	r.Put("/api/trading/history/{ref}", h.CorrectEntry)
	r.Delete("/api/trading/history/{ref}", h.DeleteEntry)

	r.Get("/api/broker/cash", h.GetBrokerCash)
	r.Post("/api/broker/fund", h.Fund)

	r.Get("/api/transactions", h.ListWallet)
	r.Post("/api/transactions", h.AddWallet)

	r.Get("/api/settings", h.GetSettings)
	r.Put("/api/settings", h.UpdateSettings)

	r.Get("/api/positions", h.ListPositions)
	r.Put("/api/positions/{ticker}/drip", h.SetDrip)
	r.Post("/api/positions/{ticker}/replay", h.Replay)
	r.Delete("/api/positions/{ticker}", h.RemovePosition)

	r.Post("/api/portfolio/import", h.Import)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/trade/buy and /sell.
type TradeRequest struct {
	Ticker        string           `json:"ticker"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Commission    *decimal.Decimal `json:"commission,omitempty"`      // nil → settings default
	Date          string           `json:"date,omitempty"`            // RFC 3339 or YYYY-MM-DD
	UseBrokerCash *bool            `json:"use_broker_cash,omitempty"` // nil → true
}

// PositionSummary is the position snapshot included in trade responses.
type PositionSummary struct {
	Ticker      string          `json:"ticker"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// EntryResponse is a ledger entry in decimal currency.
type EntryResponse struct {
	ID           int64             `json:"id"`
	Ticker       string            `json:"ticker"`
	Kind         model.EntryKind   `json:"kind"`
	Quantity     decimal.Decimal   `json:"quantity"`
	Price        decimal.Decimal   `json:"price"`
	Gross        decimal.Decimal   `json:"gross"`
	Commission   decimal.Decimal   `json:"commission"`
	Total        decimal.Decimal   `json:"total"`
	RealizedGain *decimal.Decimal  `json:"realized_gain,omitempty"`
	Source       model.EntrySource `json:"source"`
	Date         time.Time         `json:"date"`
}

// TradeResponse is the JSON body returned from a trade.
type TradeResponse struct {
	Entry      EntryResponse    `json:"entry"`
	Position   PositionSummary  `json:"position"`
	BrokerCash *decimal.Decimal `json:"broker_cash,omitempty"`
}

func toEntry(e *model.LedgerEntry) EntryResponse {
	out := EntryResponse{
		ID:         e.ID,
		Ticker:     e.Ticker,
		Kind:       e.Kind,
		Quantity:   e.Quantity,
		Price:      money.FromCents(e.UnitPriceCents),
		Gross:      money.FromCents(e.GrossCents),
		Commission: money.FromCents(e.CommissionCents),
		Total:      money.FromCents(e.TotalCents),
		Source:     e.Source,
		Date:       e.Timestamp,
	}
	if e.RealizedGainCents != nil {
		g := money.FromCents(*e.RealizedGainCents)
		out.RealizedGain = &g
	}
	return out
}

func toSummary(p *model.Position) PositionSummary {
	return PositionSummary{
		Ticker:      p.Ticker,
		Quantity:    p.Quantity,
		AverageCost: money.FromCents(p.AverageCostCents),
	}
}

// --- HTTP Handlers ---

// Buy handles POST /api/trade/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) { h.trade(w, r, model.KindBuy) }

// Sell handles POST /api/trade/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) { h.trade(w, r, model.KindSell) }

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, kind model.EntryKind) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	order := Order{
		Ticker:         req.Ticker,
		Quantity:       req.Quantity,
		UnitPriceCents: money.ToCents(req.Price),
		UseBrokerCash:  req.UseBrokerCash == nil || *req.UseBrokerCash,
	}
	if req.Date != "" {
		at, err := parseDate(req.Date)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		order.At = at
	}
	if req.Commission != nil {
		order.CommissionCents = money.ToCents(*req.Commission)
	} else {
		settings, err := h.svc.Settings(ctx)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		order.CommissionCents = settings.DefaultCommission(req.Quantity)
	}

	var (
		fill *Fill
		err  error
	)
	if kind == model.KindBuy {
		fill, err = h.svc.Buy(ctx, order)
	} else {
		fill, err = h.svc.Sell(ctx, order)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := TradeResponse{
		Entry:    toEntry(&fill.Entry),
		Position: toSummary(&fill.Position),
	}
	if order.UseBrokerCash {
		bal := money.FromCents(fill.BrokerBalanceCents)
		resp.BrokerCash = &bal
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// History handles GET /api/trade/history and /api/trading/history/{ticker}.
// Entries are returned newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.History(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]EntryResponse, len(entries))
	for i := range entries {
		out[i] = toEntry(&entries[i])
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// CorrectionRequest is the JSON body for PUT /api/trading/history/{id}.
type CorrectionRequest struct {
	Kind       *model.EntryKind `json:"kind,omitempty"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Commission *decimal.Decimal `json:"commission,omitempty"`
	Date       string           `json:"date,omitempty"`
}

// ReplayResponse reports the position rebuilt after a ledger change.
type ReplayResponse struct {
	Entry    *EntryResponse   `json:"entry,omitempty"`
	Position *PositionSummary `json:"position,omitempty"`
}

// CorrectEntry handles PUT /api/trading/history/{id}.
func (h *Handler) CorrectEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c := Correction{Kind: req.Kind, Quantity: req.Quantity}
	if req.Price != nil {
		p := money.ToCents(*req.Price)
		c.UnitPriceCents = &p
	}
	if req.Commission != nil {
		cm := money.ToCents(*req.Commission)
		c.CommissionCents = &cm
	}
	if req.Date != "" {
		at, err := parseDate(req.Date)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.At = &at
	}

	entry, pos, err := h.svc.CorrectEntry(r.Context(), id, c)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	e, p := toEntry(entry), toSummary(pos)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReplayResponse{Entry: &e, Position: &p})
}

// DeleteEntry handles DELETE /api/trading/history/{id}.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	pos, err := h.svc.DeleteEntry(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var resp ReplayResponse
	if pos != nil {
		p := toSummary(pos)
		resp.Position = &p
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func entryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ref"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid entry id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// GetBrokerCash handles GET /api/broker/cash.
func (h *Handler) GetBrokerCash(w http.ResponseWriter, r *http.Request) {
	cash, err := h.svc.BrokerCash(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"balance": money.FromCents(cash.BalanceCents)})
}

// FundRequest is the JSON body for POST /api/broker/fund.
type FundRequest struct {
	Kind           TransferKind    `json:"kind"`
	AmountSent     decimal.Decimal `json:"amount_sent"`
	AmountReceived decimal.Decimal `json:"amount_received"`
}

// FundResponse reports the new balance and the fee recorded.
type FundResponse struct {
	Balance decimal.Decimal `json:"balance"`
	Fee     decimal.Decimal `json:"fee"`
	EntryID int64           `json:"entry_id"`
}

// Fund handles POST /api/broker/fund.
func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.svc.TransferFunds(r.Context(), Transfer{
		Kind:          req.Kind,
		SentCents:     money.ToCents(req.AmountSent),
		ReceivedCents: money.ToCents(req.AmountReceived),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FundResponse{
		Balance: money.FromCents(res.BrokerBalanceCents),
		Fee:     money.FromCents(res.FeeCents),
		EntryID: res.Entry.ID,
	})
}

// WalletRequest is the JSON body for POST /api/transactions.
type WalletRequest struct {
	Kind     model.FlowKind  `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Category string          `json:"category"`
	Date     string          `json:"date,omitempty"`
}

// WalletResponse is a wallet entry in decimal currency.
type WalletResponse struct {
	ID       int64           `json:"id"`
	Kind     model.FlowKind  `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Category string          `json:"category"`
	Date     time.Time       `json:"date"`
}

func toWallet(e *model.WalletEntry) WalletResponse {
	return WalletResponse{
		ID:       e.ID,
		Kind:     e.Kind,
		Amount:   money.FromCents(e.AmountCents),
		Currency: e.Currency,
		Category: e.Category,
		Date:     e.Timestamp,
	}
}

// ListWallet handles GET /api/transactions.
func (h *Handler) ListWallet(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.WalletEntries(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]WalletResponse, len(entries))
	for i := range entries {
		out[i] = toWallet(&entries[i])
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// AddWallet handles POST /api/transactions.
func (h *Handler) AddWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry := model.WalletEntry{
		Kind:        req.Kind,
		AmountCents: money.ToCents(req.Amount),
		Currency:    req.Currency,
		Category:    req.Category,
	}
	if req.Date != "" {
		at, err := parseDate(req.Date)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		entry.Timestamp = at
	}
	saved, err := h.svc.AddWalletEntry(r.Context(), entry)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toWallet(saved))
}

// SettingsPayload carries the default commissions in decimal currency.
type SettingsPayload struct {
	DefaultFeeInteger    decimal.Decimal `json:"default_fee_integer"`
	DefaultFeeFractional decimal.Decimal `json:"default_fee_fractional"`
}

func toSettings(s *model.Settings) SettingsPayload {
	return SettingsPayload{
		DefaultFeeInteger:    money.FromCents(s.DefaultFeeIntegerCents),
		DefaultFeeFractional: money.FromCents(s.DefaultFeeFractionCents),
	}
}

// GetSettings handles GET /api/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Settings(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSettings(st))
}

// UpdateSettings handles PUT /api/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := h.svc.UpdateSettings(r.Context(), model.Settings{
		DefaultFeeIntegerCents:  money.ToCents(req.DefaultFeeInteger),
		DefaultFeeFractionCents: money.ToCents(req.DefaultFeeFractional),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSettings(st))
}

// ListPositions handles GET /api/positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.svc.Positions(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// DripRequest is the JSON body for PUT /api/positions/{ticker}/drip.
type DripRequest struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"`
}

// SetDrip handles PUT /api/positions/{ticker}/drip.
func (h *Handler) SetDrip(w http.ResponseWriter, r *http.Request) {
	var req DripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var start *time.Time
	if req.Start != "" {
		at, err := parseDate(req.Start)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		start = &at
	}
	pos, err := h.svc.SetDrip(r.Context(), chi.URLParam(r, "ticker"), req.Enabled, start)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// Replay handles POST /api/positions/{ticker}/replay.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	pos, err := h.svc.Replay(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSummary(pos))
}

// RemovePosition handles DELETE /api/positions/{ticker}.
func (h *Handler) RemovePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemovePosition(r.Context(), chi.URLParam(r, "ticker")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportRequest is the JSON body for POST /api/portfolio/import.
type ImportRequest struct {
	Content string `json:"content"`
}

// Import handles POST /api/portfolio/import.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.svc.Import(r.Context(), req.Content)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, guard.ErrInsufficientFunds), errors.Is(err, guard.ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, guard.ErrInvalidInput), errors.Is(err, guard.ErrMalformedRecord):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, guard.ErrReplayInconsistency):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		logging.FromContext(r.Context()).Error("request failed", "error", err)
		msg = "internal error"
	case http.StatusNotFound:
		msg = "not found"
	}
	writeError(w, msg, code)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
