// Package drip reinvests dividends for positions flagged for it.
//
// Each qualifying dividend becomes a synthetic BUY ledger entry (source
// DRIP) dated at the reinvestment trading day, and the ticker is replayed in
// the same transaction, so DRIP-adjusted positions stay a pure function of
// the ledger. One ticker's failure never aborts the others.
package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nahueldlsl/financial-os/internal/guard"
	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/model"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/position"
	"github.com/nahueldlsl/financial-os/internal/store"
)

// sharePrecision is the number of decimal places kept on reinvested shares.
const sharePrecision = 8

// MarketData is the part of the market-data provider DRIP needs.
type MarketData interface {
	// DividendEvents returns per-share dividends with an ex-date strictly
	// after since and not after until.
	DividendEvents(ctx context.Context, ticker string, since, until time.Time) ([]model.DividendEvent, error)

	// HistoricalClose returns the close on day or the first trading day
	// within lookaheadDays after it.
	HistoricalClose(ctx context.Context, ticker string, day time.Time, lookaheadDays int) (decimal.Decimal, time.Time, bool, error)
}

// Publisher receives reinvestment notifications.
type Publisher interface {
	Publish(kind, ticker string, payload any)
}

// Policy holds the DRIP policy parameters.
type Policy struct {
	WithholdingRate decimal.Decimal
	LookaheadDays   int
	Concurrency     int
}

// DefaultPolicy withholds 30% and looks up to five days ahead for a price.
func DefaultPolicy() Policy {
	return Policy{
		WithholdingRate: decimal.RequireFromString("0.30"),
		LookaheadDays:   5,
		Concurrency:     4,
	}
}

// Ticker outcome statuses.
const (
	StatusReinvested = "reinvested"
	StatusUpToDate   = "up_to_date"
	StatusFailed     = "failed"
)

// EventOutcome reports one dividend event.
type EventOutcome struct {
	ExDate           string          `json:"ex_date"`
	PerShare         decimal.Decimal `json:"per_share"`
	NetDividendCents int64           `json:"net_dividend_cents"`
	PriceCents       int64           `json:"price_cents,omitempty"`
	TradeDate        string          `json:"trade_date,omitempty"`
	Shares           decimal.Decimal `json:"shares"`
	EntryID          int64           `json:"entry_id,omitempty"`
	Skipped          string          `json:"skipped,omitempty"`
}

// Outcome reports one ticker.
type Outcome struct {
	Ticker           string          `json:"ticker"`
	Status           string          `json:"status"`
	Events           []EventOutcome  `json:"events"`
	SharesAdded      decimal.Decimal `json:"shares_added"`
	ReinvestedCents  int64           `json:"reinvested_cents"`
	Quantity         decimal.Decimal `json:"quantity"`
	AverageCostCents int64           `json:"average_cost_cents"`
	LastProcessed    string          `json:"last_processed,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// RunResult is the outcome of one DRIP run.
type RunResult struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	Outcomes   []Outcome `json:"outcomes"`
	Reinvested int       `json:"reinvested"`
	Failed     int       `json:"failed"`
}

// Processor runs DRIP over all flagged positions.
type Processor struct {
	store     store.Store
	engine    *position.Engine
	locks     *position.Locks
	market    MarketData
	policy    Policy
	publisher Publisher
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithPublisher sets the notification sink.
func WithPublisher(pub Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// NewProcessor creates a DRIP processor.
func NewProcessor(st store.Store, engine *position.Engine, locks *position.Locks, market MarketData, policy Policy, opts ...Option) *Processor {
	if policy.Concurrency <= 0 {
		policy.Concurrency = 1
	}
	p := &Processor{
		store:  st,
		engine: engine,
		locks:  locks,
		market: market,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes every position with DRIP enabled. The returned error is
// only non-nil when the position list cannot be read; per-ticker failures
// are reported in the outcomes.
func (p *Processor) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{RunID: uuid.New().String(), StartedAt: p.now()}

	positions, err := p.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var flagged []model.Position
	for _, pos := range positions {
		if pos.DripEnabled {
			flagged = append(flagged, pos)
		}
	}

	outcomes := make([]Outcome, len(flagged))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.policy.Concurrency)
	for i := range flagged {
		i := i
		g.Go(func() error {
			outcomes[i] = p.processTicker(gctx, flagged[i])
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Ticker < outcomes[j].Ticker })
	for _, o := range outcomes {
		switch o.Status {
		case StatusReinvested:
			res.Reinvested++
		case StatusFailed:
			res.Failed++
		}
	}
	res.Outcomes = outcomes

	slog.Info("drip run finished",
		"run_id", res.RunID,
		"positions", len(flagged),
		"reinvested", res.Reinvested,
		"failed", res.Failed,
	)
	return res, nil
}

// plannedEvent is a dividend with its reinvestment price resolved before
// the transaction opens.
type plannedEvent struct {
	event      model.DividendEvent
	priceCents int64
	tradeDate  time.Time
	skipped    string
}

func (p *Processor) processTicker(ctx context.Context, snapshot model.Position) Outcome {
	out := Outcome{Ticker: snapshot.Ticker, Status: StatusUpToDate, Events: []EventOutcome{}}
	today := day(p.now())
	since := p.since(snapshot, today)

	plan, lastProcessed, err := p.plan(ctx, snapshot.Ticker, since, today)
	if err != nil {
		return p.fail(out, err)
	}

	unlock := p.locks.Lock(snapshot.Ticker)
	defer unlock()

	err = p.store.WithinTx(ctx, func(tx store.Tx) error {
		out.Status = StatusUpToDate
		out.Events = out.Events[:0]
		out.SharesAdded, out.ReinvestedCents = decimal.Zero, 0

		pos, err := tx.GetPosition(ctx, snapshot.Ticker)
		if err != nil {
			return err
		}
		if !pos.DripEnabled {
			return nil
		}
		// Another run may have committed since the plan was built.
		locked := p.since(*pos, today)
		if locked.After(since) && !lastProcessed.After(locked) {
			out.Quantity = pos.Quantity
			out.AverageCostCents = pos.AverageCostCents
			out.LastProcessed = locked.Format(time.DateOnly)
			return nil
		}

		history, err := tx.LedgerEntriesByTicker(ctx, snapshot.Ticker)
		if err != nil {
			return fmt.Errorf("load ledger %s: %w", snapshot.Ticker, err)
		}
		var inserted bool
		for _, pe := range plan {
			exDate := day(pe.event.Date)
			if !exDate.After(locked) {
				continue
			}
			eo := EventOutcome{
				ExDate:   exDate.Format(time.DateOnly),
				PerShare: pe.event.PerShare,
				Shares:   decimal.Zero,
			}
			if pe.skipped != "" {
				eo.Skipped = pe.skipped
				out.Events = append(out.Events, eo)
				continue
			}

			held, err := p.engine.StateAsOf(snapshot.Ticker, history, exDate)
			if err != nil {
				return err
			}
			entry, netCents, ok := p.reinvestment(snapshot.Ticker, held.Quantity, pe)
			eo.NetDividendCents = netCents
			eo.PriceCents = pe.priceCents
			eo.TradeDate = pe.tradeDate.Format(time.DateOnly)
			if !ok {
				eo.Skipped = "dividend too small to buy shares"
				if !held.Quantity.IsPositive() {
					eo.Skipped = "no shares held on ex-date"
				}
				out.Events = append(out.Events, eo)
				continue
			}
			if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
				return fmt.Errorf("insert drip entry: %w", err)
			}
			inserted = true
			history = append(history, *entry)
			store.SortEntries(history)
			eo.Shares = entry.Quantity
			eo.EntryID = entry.ID
			out.SharesAdded = out.SharesAdded.Add(entry.Quantity)
			out.ReinvestedCents += netCents
			out.Events = append(out.Events, eo)
		}

		if inserted {
			if pos, err = p.engine.Recompute(ctx, tx, snapshot.Ticker); err != nil {
				return err
			}
		}
		pos.DripLastProcessed = &lastProcessed
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}
		out.Quantity = pos.Quantity
		out.AverageCostCents = pos.AverageCostCents
		out.LastProcessed = lastProcessed.Format(time.DateOnly)
		if inserted {
			out.Status = StatusReinvested
		}
		return nil
	})
	if err != nil {
		return p.fail(out, err)
	}

	for _, eo := range out.Events {
		switch {
		case eo.EntryID != 0:
			metrics.DripEvents.WithLabelValues("reinvested").Inc()
		default:
			metrics.DripEvents.WithLabelValues("skipped").Inc()
		}
	}
	if out.Status == StatusReinvested {
		slog.Info("drip reinvested",
			"ticker", out.Ticker,
			"shares", out.SharesAdded.String(),
			"cash_cents", out.ReinvestedCents,
			"quantity", out.Quantity.String(),
			"average_cost_cents", out.AverageCostCents,
		)
		if p.publisher != nil {
			p.publisher.Publish("drip_reinvested", out.Ticker, out)
		}
	}
	return out
}

// since is the later of the DRIP start date and the last processed date.
// A position with neither has nothing before today to reinvest.
func (p *Processor) since(pos model.Position, today time.Time) time.Time {
	var since time.Time
	if pos.DripStart != nil {
		since = day(*pos.DripStart)
	}
	if pos.DripLastProcessed != nil && day(*pos.DripLastProcessed).After(since) {
		since = day(*pos.DripLastProcessed)
	}
	if since.IsZero() {
		return today
	}
	return since
}

// plan fetches dividend events and their reinvestment prices. An event
// whose look-ahead window has not closed yet and has no price stops the
// plan there, and lastProcessed stays before it so a later run retries it.
func (p *Processor) plan(ctx context.Context, ticker string, since, today time.Time) ([]plannedEvent, time.Time, error) {
	if !since.Before(today) {
		return nil, today, nil
	}

	events, err := p.market.DividendEvents(ctx, ticker, since, today)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("dividend events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Date.Before(events[j].Date) })

	var plan []plannedEvent
	for _, ev := range events {
		exDate := day(ev.Date)
		if !exDate.After(since) || exDate.After(today) || !ev.PerShare.IsPositive() {
			continue
		}

		price, traded, ok, err := p.market.HistoricalClose(ctx, ticker, exDate, p.policy.LookaheadDays)
		switch {
		case err != nil || !ok || !price.IsPositive():
			if !exDate.AddDate(0, 0, p.policy.LookaheadDays).Before(today) {
				// Window still open: retry from this event next run.
				return plan, exDate.AddDate(0, 0, -1), nil
			}
			reason := "no trading price within look-ahead window"
			if err != nil {
				reason = fmt.Sprintf("%s: %v", guard.ErrPriceUnavailable, err)
			}
			plan = append(plan, plannedEvent{event: ev, skipped: reason})
		default:
			plan = append(plan, plannedEvent{event: ev, priceCents: money.TruncCents(price), tradeDate: day(traded)})
		}
	}
	return plan, today, nil
}

// reinvestment builds the synthetic BUY for one event given the quantity
// held going into its ex-date.
func (p *Processor) reinvestment(ticker string, held decimal.Decimal, pe plannedEvent) (*model.LedgerEntry, int64, bool) {
	keep := decimal.NewFromInt(1).Sub(p.policy.WithholdingRate)
	net := pe.event.PerShare.Mul(held).Mul(keep)
	netCents := money.ToCents(net)
	if netCents <= 0 || pe.priceCents <= 0 {
		return nil, netCents, false
	}

	shares := decimal.NewFromInt(netCents).DivRound(decimal.NewFromInt(pe.priceCents), sharePrecision)
	if !shares.IsPositive() {
		return nil, netCents, false
	}
	return &model.LedgerEntry{
		Ticker:         ticker,
		Kind:           model.KindBuy,
		Quantity:       shares,
		UnitPriceCents: pe.priceCents,
		GrossCents:     netCents,
		TotalCents:     netCents,
		Source:         model.SourceDRIP,
		Timestamp:      pe.tradeDate,
	}, netCents, true
}

func (p *Processor) fail(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Error = err.Error()
	if errors.Is(err, guard.ErrReplayInconsistency) {
		metrics.DripEvents.WithLabelValues("replay_failed").Inc()
	} else {
		metrics.DripEvents.WithLabelValues("failed").Inc()
	}
	slog.Warn("drip failed", "ticker", out.Ticker, "error", err)
	return out
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
