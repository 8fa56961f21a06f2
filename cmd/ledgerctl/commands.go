package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/nahueldlsl/financial-os/internal/app"
	"github.com/nahueldlsl/financial-os/internal/config"
	"github.com/nahueldlsl/financial-os/internal/logging"
	"github.com/nahueldlsl/financial-os/internal/money"
	"github.com/nahueldlsl/financial-os/internal/pricecache"
)

var commands = []subcommands.Command{
	&snapshotCmd{},
	&dripCmd{},
	&replayCmd{},
	&importCmd{},
	&historyCmd{},
}

// open loads config and wires the services without an event hub. Logs go
// to stderr at warn so command output stays readable.
func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	lvl, _ := logging.ParseLevel(cfg.Logging.Level)
	slog.SetDefault(logging.New(os.Stderr, lvl))
	return app.New(ctx, cfg, nil)
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

type snapshotCmd struct{}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "print net worth and per-position valuation" }
func (*snapshotCmd) Usage() string {
	return `ledgerctl snapshot

  Values every open position at the cached or freshly fetched price and
  prints the net worth split by stocks, wallet and brokerage cash.
`
}
func (*snapshotCmd) SetFlags(*flag.FlagSet) {}

func (*snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	snap, err := a.Valuation.Snapshot(ctx)
	if err != nil {
		return fail(err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Ticker\tQuantity\tAvg cost\tPrice\tValue\tGain\tReturn %\t")
	for _, h := range snap.Holdings {
		price := money.Format(h.PriceCents, money.USD)
		if h.PriceSource == pricecache.SourceFallback {
			price += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t\n",
			h.Ticker, h.Quantity.String(),
			money.Format(h.AverageCostCents, money.USD), price,
			money.Format(h.MarketValueCents, money.USD),
			money.Format(h.UnrealizedGainCents, money.USD), h.ReturnPct)
	}
	tw.Flush()

	fmt.Println()
	fmt.Printf("Stocks:     %s\n", money.Format(snap.Buckets.StocksCents, money.USD))
	fmt.Printf("Wallet:     %s (%s at %s)\n",
		money.Format(snap.Buckets.WalletCents, money.USD),
		money.Format(snap.Wallet.SecondaryCents, money.UYU), snap.Rate.Sell.String())
	fmt.Printf("Broker:     %s\n", money.Format(snap.Buckets.BrokerCents, money.USD))
	fmt.Printf("Net worth:  %s\n", money.Format(snap.NetWorthCents, money.USD))
	fmt.Printf("Unrealized: %s (%.2f%%)\n", money.Format(snap.Performance.ValueCents, money.USD), snap.Performance.Percentage)
	if snap.Rate.Fallback {
		fmt.Println("warning: currency rate unavailable, UYU valued 1:1")
	}
	if len(snap.PriceFallbacks) > 0 {
		fmt.Printf("warning: stale or missing prices (*) for %v\n", snap.PriceFallbacks)
	}
	return subcommands.ExitSuccess
}

type dripCmd struct{}

func (*dripCmd) Name() string     { return "drip" }
func (*dripCmd) Synopsis() string { return "reinvest pending dividends for DRIP positions" }
func (*dripCmd) Usage() string {
	return `ledgerctl drip

  Runs one dividend reinvestment pass over every position with DRIP enabled.
`
}
func (*dripCmd) SetFlags(*flag.FlagSet) {}

func (*dripCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	res, err := a.Drip.Run(ctx)
	if err != nil {
		return fail(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Ticker\tStatus\tShares added\tReinvested\tLast processed\t")
	for _, o := range res.Outcomes {
		status := o.Status
		if o.Error != "" {
			status += ": " + o.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			o.Ticker, status, o.SharesAdded.String(),
			money.Format(o.ReinvestedCents, money.USD), o.LastProcessed)
	}
	tw.Flush()
	if res.Failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type replayCmd struct{}

func (*replayCmd) Name() string     { return "replay" }
func (*replayCmd) Synopsis() string { return "rebuild positions from their ledger" }
func (*replayCmd) Usage() string {
	return `ledgerctl replay <ticker>...

  Recomputes quantity and average cost of each ticker from its full ledger.
`
}
func (*replayCmd) SetFlags(*flag.FlagSet) {}

func (*replayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "replay: at least one ticker is required")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	status := subcommands.ExitSuccess
	for _, ticker := range f.Args() {
		pos, err := a.Trades.Replay(ctx, ticker)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", ticker, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%s\t%s @ %s\n", pos.Ticker, pos.Quantity.String(), money.Format(pos.AverageCostCents, money.USD))
	}
	return status
}

type importCmd struct{}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "load historical ledger rows from a JSON file" }
func (*importCmd) Usage() string {
	return `ledgerctl import <file|->

  Reads a JSON array of ledger or holdings rows, optionally wrapped in a
  markdown code fence, and replays every touched ticker.
`
}
func (*importCmd) SetFlags(*flag.FlagSet) {}

func (*importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "import: exactly one file is required")
		return subcommands.ExitUsageError
	}
	var (
		data []byte
		err  error
	)
	if f.Arg(0) == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(f.Arg(0))
	}
	if err != nil {
		return fail(err)
	}

	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	res, err := a.Trades.Import(ctx, string(data))
	if err != nil {
		return fail(err)
	}
	fmt.Printf("batch %s: %d rows imported into %v\n", res.BatchID, res.Imported, res.Tickers)
	for _, r := range res.Rejected {
		fmt.Fprintf(os.Stderr, "rejected %v\n", r.Error())
	}
	for ticker, reason := range res.Failed {
		fmt.Fprintf(os.Stderr, "failed %s: %s\n", ticker, reason)
	}
	if len(res.Failed) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type historyCmd struct {
	limit int
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list ledger entries, newest first" }
func (*historyCmd) Usage() string {
	return `ledgerctl history [-n <limit>] [ticker]
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 50, "maximum number of entries to print (0 for all)")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	entries, err := a.Trades.History(ctx, f.Arg(0))
	if err != nil {
		return fail(err)
	}
	if c.limit > 0 && len(entries) > c.limit {
		entries = entries[:c.limit]
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDate\tTicker\tKind\tSource\tQuantity\tPrice\tTotal\tGain\t")
	for _, e := range entries {
		gain := ""
		if e.RealizedGainCents != nil {
			gain = money.Format(*e.RealizedGainCents, money.USD)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			e.ID, e.Timestamp.Format(time.DateOnly), e.Ticker, e.Kind, e.Source,
			e.Quantity.String(), money.Format(e.UnitPriceCents, money.USD),
			money.Format(e.TotalCents, money.USD), gain)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
