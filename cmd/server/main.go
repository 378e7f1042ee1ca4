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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/audit"
	"github.com/granjadebolso/granja-sync/internal/guard"
	"github.com/granjadebolso/granja-sync/internal/infra"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
	"github.com/granjadebolso/granja-sync/internal/repository/postgres"
	"github.com/granjadebolso/granja-sync/internal/server"
	"github.com/granjadebolso/granja-sync/internal/server/handler"
	"github.com/granjadebolso/granja-sync/internal/server/service"
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

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	recordRepo := postgres.NewRecordRepo(cfg.Database.URL, cfg.Database.MaxConns)
	auditRepo := postgres.NewAuditRepo(cfg.Database.URL)
	// Проверяем соединение с таймаутом
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := recordRepo.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// 3. Журнал безопасности: пишем пачками, вне hot path проверок
	trail := audit.NewTrail(auditRepo, logger,
		cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	trail.Start()

	// 4. Ключи RS256: публичный проверяет, закрытый подписывает
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("invalid public key", zap.Error(err))
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("invalid private key", zap.Error(err))
	}
	validator := auth.NewBaseValidator(pubKey)
	authService := service.NewAuthService(recordRepo, validator, privKey, cfg.Auth.TokenTTL)

	// 5. Control Plane: блок-лист нарушителей изоляции
	blocklist := service.NewBlocklist(rdb, cfg.Audit.ViolationThreshold, logger)
	if err := blocklist.Warmup(appCtx); err != nil {
		// Redis может быть недоступен на старте: работаем с пустой мапой,
		// слушатель доберет состояние при первом сигнале
		logger.Warn("blocklist warmup failed", zap.Error(err))
	}
	go blocklist.StartListener(appCtx)

	hints := service.NewHintPublisher(rdb, logger)
	accessGuard := guard.NewGuard(authService, recordRepo, trail, blocklist, logger)

	// 6. HTTP-слой
	api := server.NewAPIServer(
		cfg,
		logger,
		authService,
		blocklist,
		accessGuard,
		handler.NewAuthHandler(authService, logger),
		handler.NewRecordHandler(recordRepo, hints, logger),
		handler.NewSyncHandler(recordRepo, logger),
		handler.NewAuditHandler(auditRepo),
		handler.NewDashboardHandler(recordRepo),
	)

	// Экспортируем метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("granja API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("granja API stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Порядок важен: сначала гасим фоновые горутины, потом дописываем журнал
	cancel()
	trail.Stop()
	recordRepo.Close()
	auditRepo.Close()
	rdb.Close()
	logger.Info("granja API exited properly")
}
