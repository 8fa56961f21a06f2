package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nahueldlsl/financial-os/internal/app"
	"github.com/nahueldlsl/financial-os/internal/config"
	"github.com/nahueldlsl/financial-os/internal/drip"
	"github.com/nahueldlsl/financial-os/internal/logging"
	"github.com/nahueldlsl/financial-os/internal/metrics"
	"github.com/nahueldlsl/financial-os/internal/trade"
	"github.com/nahueldlsl/financial-os/internal/valuation"
)

func main() {
	configPath := flag.String("config", "ledger.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logging.Init(cfg.Logging.Level)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()
	defer wsHub.Stop()

	// --- Services ---
	a, err := app.New(context.Background(), cfg, wsHub)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	tradeHandler := trade.NewHandler(a.Trades)
	dripHandler := drip.NewHandler(a.Drip)
	valuationHandler := valuation.NewHandler(a.Valuation)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"financial-os"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for trade, replay and DRIP events.
	r.Get("/api/ws", wsHub.HandleWS)

	// Ledger, cash, wallet, settings, positions, import.
	tradeHandler.Routes(r)

	// Valuation.
	r.Get("/api/dashboard", valuationHandler.Snapshot)
	r.Get("/api/portfolio", valuationHandler.Portfolio)
	r.Get("/api/fx", valuationHandler.Rate)

	// Dividend reinvestment.
	r.Post("/api/drip/run", dripHandler.Run)

	// --- Server ---
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("financial-os listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer cancel()

	slog.Info("shutting down financial-os...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("financial-os stopped")
}
