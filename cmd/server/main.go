package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"maglink/backend/internal/config"
	"maglink/backend/internal/health"
	"maglink/backend/internal/ingest"
	"maglink/backend/internal/jmap"
	"maglink/backend/internal/logger"
	"maglink/backend/internal/monitoring"
	"maglink/backend/internal/service"
	"maglink/backend/internal/storage"
	"maglink/backend/internal/storage/hybrid"
	"maglink/backend/internal/storage/memory"
	"maglink/backend/internal/websocket"
)

// main 启动登录链接采集服务与运维 HTTP 端点。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting maglink server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("catch_all_domain", cfg.JMAP.Domain),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = initializeDatabaseStorage(cfg, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, log)

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)
	wsHub.OnClientCount(metrics.UpdateWebSocketClients)

	// 初始化服务层
	linkService := service.NewLinkService(store, log, metrics)
	linkService.SetNotifier(wsHub)

	// 初始化 JMAP 客户端与采集管道
	mailClient := jmap.NewClient(&cfg.JMAP, log)
	pipeline := ingest.NewPipeline(mailClient, linkService, cfg.JMAP.Domain, log, metrics)

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.StorageConnectionRule(store))
	alertManager.AddRule(monitoring.IngestionStallRule(
		pipeline.LastSuccessfulCycle,
		10*cfg.JMAP.PollInterval,
	))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0))

	// 运维 HTTP 路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health/live", gin.WrapF(healthChecker.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(healthChecker.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))
	router.GET("/ws", websocket.HandleWebSocket(wsHub))

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// 运维 HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting ops HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 采集管道 goroutine
	group.Go(func() error {
		log.Info("starting ingestion pipeline",
			zap.Duration("poll_interval", cfg.JMAP.PollInterval),
			zap.String("processed_mailbox", cfg.JMAP.ProcessedMailbox),
		)
		if err := pipeline.Run(groupCtx, cfg.JMAP.PollInterval); err != nil {
			log.Error("ingestion pipeline error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时清理过期链接 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Retention.SweepInterval)
		defer ticker.Stop()

		log.Info("starting expired link cleanup task",
			zap.Duration("interval", cfg.Retention.SweepInterval),
			zap.Duration("max_age", cfg.Retention.MaxAge),
		)

		for {
			select {
			case <-groupCtx.Done():
				log.Info("cleanup task stopped")
				return nil
			case <-ticker.C:
				if _, err := linkService.CleanupExpiredLinks(cfg.Retention.MaxAge); err != nil {
					log.Error("failed to cleanup expired links", zap.Error(err))
				}
			}
		}
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 告警监控 goroutine
	group.Go(func() error {
		log.Info("starting alert monitoring")
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeDatabaseStorage 初始化数据库存储（SQL + Redis）
func initializeDatabaseStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)

	store, err := hybrid.NewStore(&cfg.Database, &cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create hybrid store: %w", err)
	}

	log.Info("database storage initialized successfully",
		zap.String("database_type", cfg.Database.Type),
	)

	return store, nil
}
