package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/carpadi/trade-engine/internal/metrics"
	"github.com/carpadi/trade-engine/internal/model"
	"github.com/carpadi/trade-engine/internal/settlement"
	"github.com/carpadi/trade-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Settings bootstrap ---
	if err := bootstrapSettings(context.Background(), st); err != nil {
		slog.Error("settings bootstrap failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := settlement.NewEventHub()
	go hub.Run()

	// --- Settlement service ---
	svc := settlement.NewService(st, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
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
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade events.
		r.Get("/ws", hub.HandleWS)

		// Cars and cost accounting.
		r.Get("/cars", svc.HandleListCars)
		r.Post("/cars", svc.HandleCreateCar)
		r.Get("/cars/{carID}", svc.HandleGetCar)
		r.Get("/cars/{carID}/maintenance", svc.HandleGetMaintenance)
		r.Post("/cars/{carID}/maintenance", svc.HandleAddMaintenance)

		// Trade lifecycle.
		r.Get("/trades", svc.HandleListTrades)
		r.Post("/trades", svc.HandleCreateTrade)
		r.Get("/trades/{tradeID}", svc.HandleGetTrade)
		r.Get("/trades/{tradeID}/units", svc.HandleGetTradeUnits)
		r.Get("/trades/{tradeID}/disbursements", svc.HandleGetDisbursements)
		r.Post("/trades/{tradeID}/purchase", svc.HandlePurchaseSlots)
		r.Post("/trades/{tradeID}/complete", svc.HandleCompleteTrade)
		r.Post("/trades/{tradeID}/close", svc.HandleCloseTrade)
		r.Post("/trades/{tradeID}/rollback", svc.HandleRollbackTrade)

		// Wallets.
		r.Get("/wallets/{merchantID}", svc.HandleGetWallet)
		r.Get("/wallets/{merchantID}/transactions", svc.HandleGetTransactions)
		r.Post("/wallets/{merchantID}/deposit", svc.HandleDeposit)
		r.Post("/wallets/{merchantID}/withdraw", svc.HandleWithdraw)

		// Percentage knobs.
		r.Get("/settings", svc.HandleGetSettings)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}

// bootstrapSettings seeds the percentage knobs on first boot. Existing
// settings are left untouched; operators change them through the store,
// not through restarts.
func bootstrapSettings(ctx context.Context, st store.Store) error {
	_, err := st.GetSettings(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	settings := &model.Settings{
		ROTPercent:        envPercent("ROT_PERCENT", "5"),
		BonusPercent:      envPercent("BONUS_PERCENT", "50"),
		CommissionPercent: envPercent("COMMISSION_PERCENT", "50"),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := st.SaveSettings(ctx, settings); err != nil {
		return err
	}
	slog.Info("settings bootstrapped",
		"rot_percent", settings.ROTPercent.String(),
		"bonus_percent", settings.BonusPercent.String(),
	)
	return nil
}

func envPercent(key, fallback string) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() {
		slog.Warn("invalid percentage, using default", "key", key, "value", raw)
		v, _ = decimal.NewFromString(fallback)
	}
	return v
}
