// Command server boots the whole exchange: the matching engine, the
// settlement processor, the audit recorder, and the HTTP gateway, all
// sharing one store and one message bus.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vertexfi/exchange/internal/audit"
	"github.com/vertexfi/exchange/internal/gateway"
	"github.com/vertexfi/exchange/internal/matching"
	"github.com/vertexfi/exchange/internal/query"
	"github.com/vertexfi/exchange/internal/settlement"
	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/config"
	"github.com/vertexfi/exchange/pkg/distlock"
	"github.com/vertexfi/exchange/pkg/logging"
	"github.com/vertexfi/exchange/pkg/messaging"
	"github.com/vertexfi/exchange/pkg/money"
)

// seedAddresses are the fixed test addresses populated on first boot
// against an empty balance table (spec.md §6 "Initial seed").
var seedAddresses = []string{
	"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	"0xcccccccccccccccccccccccccccccccccccccccc",
	"0xdddddddddddddddddddddddddddddddddddddddd",
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := seedBalances(ctx, st); err != nil {
		logger.Fatal("failed to seed balances", zap.Error(err))
	}

	bus, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "exchange-server",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer bus.Close()

	locks, err := openLocker(cfg)
	if err != nil {
		logger.Fatal("failed to build matching lock", zap.Error(err))
	}
	defer locks.Close()

	eng := matching.NewEngine(st, bus, locks, logger)
	if err := eng.Warm(ctx); err != nil {
		logger.Fatal("failed to warm order books", zap.Error(err))
	}

	proc := settlement.NewProcessor(st, bus, logger)
	if err := proc.Start(); err != nil {
		logger.Fatal("failed to start settlement processor", zap.Error(err))
	}

	var cache *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
		cache = redis.NewClient(opts)
	} else {
		logger.Warn("invalid redis url, query cache disabled", zap.Error(err))
	}
	qs := query.NewService(st, cache)

	recorder := audit.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
	defer recorder.Close()
	if err := recorder.Start(bus); err != nil {
		logger.Fatal("failed to start audit recorder", zap.Error(err))
	}

	gw := gateway.NewGateway(gateway.Config{
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,

		SettlementBreakerMaxFailures: cfg.SettlementBreakerMaxFailures,
		SettlementBreakerTimeout:     cfg.SettlementBreakerTimeout,
		SettlementBreakerHalfOpenMax: cfg.SettlementBreakerHalfOpenMax,
	}, eng, qs, st, bus, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Sugar().Infof("server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

func openLocker(cfg config.Config) (distlock.Locker, error) {
	if cfg.MatchingLock == "etcd" {
		return distlock.NewEtcd(cfg.EtcdEndpoints, "/exchange/matching-locks")
	}
	return distlock.NewInProcess(), nil
}

// seedBalances seeds the four fixed test addresses with starter
// balances across every catalogue asset, but only on an empty store
// (spec.md §6): it checks the first seed address before writing any.
func seedBalances(ctx context.Context, st store.Store) error {
	existing, err := st.ListBalances(ctx, seedAddresses[0])
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	starter := map[string]decimal.Decimal{
		money.Quote: decimal.NewFromInt(10000),
		"USDT":      decimal.NewFromInt(10000),
		"ETH":       decimal.NewFromInt(10),
		"BTC":       decimal.NewFromFloat(1),
		"DAI":       decimal.NewFromInt(10000),
	}

	for _, address := range seedAddresses {
		for asset, amount := range starter {
			if err := st.Credit(ctx, address, asset, amount); err != nil {
				return err
			}
		}
	}
	return nil
}
