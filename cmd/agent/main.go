package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/gateway"
	"github.com/granjadebolso/granja-sync/internal/infra"
	"github.com/granjadebolso/granja-sync/internal/store"
	syncer "github.com/granjadebolso/granja-sync/internal/sync"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Локальное durable-хранилище: очередь мутаций + кэш таблиц
	st, err := store.NewStore(cfg.Agent.DataPath)
	if err != nil {
		logger.Fatal("local store unavailable", zap.Error(err))
	}
	defer st.Close()

	// 3. Шлюз к серверу + слой надежности (ретраи, предохранитель, лимитер)
	sessions := gateway.NewCredentialsSession(cfg.Agent.ServerURL, cfg.Agent.Username, cfg.Agent.Password)
	client := gateway.NewClient(cfg.Agent.ServerURL, sessions)
	safeGW := syncer.NewReliabilityWrapper(client)

	// Метрики
	reg := prometheus.NewRegistry()
	metrics := syncer.NewMetrics(reg)

	// Экспортируем метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Agent.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	// 4. Ядро синхронизации
	engine := syncer.NewEngine(st, safeGW, sessions, logger, metrics)
	engine.Subscribe(func(s syncer.Status) {
		logger.Debug("sync status",
			zap.Bool("syncing", s.Syncing),
			zap.Int("pending", s.Pending),
			zap.Int64("dropped", s.Dropped),
			zap.Bool("data_changed", s.DataChanged))
	})

	// Probe — обычный GET /health с коротким таймаутом
	healthURL := cfg.Agent.ServerURL + "/health"
	probeClient := &http.Client{Timeout: 5 * time.Second}
	probe := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := probeClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return nil
	}

	obs := syncer.NewObserver(probe, engine, logger, cfg.Agent.ProbeInterval, cfg.Agent.PullInterval)
	engine.SetConnectivity(obs)
	go obs.Run(appCtx)

	// 5. Подсказки об изменениях (best-effort акселератор pull-а).
	// Без Redis агент полностью работоспособен на периодическом pull.
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		go syncer.ListenHintsResilient(appCtx, rdb, logger, infra.RedisChanDataHints,
			func() error {
				return engine.PullUpdates(appCtx)
			},
			func(userID, table string) {
				if !domain.IsSyncable(table) {
					return
				}
				// Pull и так скоупится токеном, чужая подсказка просто
				// привезет пустую дельту
				if err := engine.PullUpdates(appCtx); err != nil {
					logger.Warn("hinted pull failed", zap.String("table", table), zap.Error(err))
				}
			})
	}

	logger.Info("sync agent started",
		zap.String("server", cfg.Agent.ServerURL),
		zap.String("data_path", cfg.Agent.DataPath))

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("sync agent stopping...")
	cancel()
	// Короткая пауза, чтобы идущий проход увидел отмену контекста
	time.Sleep(100 * time.Millisecond)
	logger.Info("sync agent exited properly")
}
