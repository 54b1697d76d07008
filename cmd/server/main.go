package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upliftcs/internal/database"
	"upliftcs/internal/router"
	"upliftcs/internal/services"
	"upliftcs/internal/ws"
	"upliftcs/pkg/config"
	"upliftcs/pkg/jwt"
	"upliftcs/pkg/logger"
	"upliftcs/pkg/metrics"
	"upliftcs/pkg/queue"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting UpliftCS...")

	// 初始化数据库
	if err := database.Initialize(cfg.Database); err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			appLogger.Error("Failed to close database:", err)
		}
		if err := database.CloseRedis(); err != nil {
			appLogger.Error("Failed to close Redis:", err)
		}
	}()

	db := database.GetDB()
	if err := database.Migrate(db); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}
	if n, err := database.BackfillPlanDefaults(db); err != nil {
		appLogger.Fatalf("Failed to backfill plan defaults: %v", err)
	} else if n > 0 {
		appLogger.Infof("Backfilled plan defaults for %d organizations", n)
	}

	jwtManager := jwt.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.AccessTokenDuration(), cfg.JWT.RefreshTokenDuration())

	if cfg.Seed.Demo {
		if err := seedDemo(db, jwtManager, cfg.Seed); err != nil {
			appLogger.Fatalf("Failed to initialize seed data: %v", err)
		}
	}

	// Redis 不可用时降级：审计只写数据库，事件只在本实例内分发，任务不加锁
	var redisStore *queue.RedisStore
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if store := database.GetRedis(); store.Ping(pingCtx) == nil {
		redisStore = store
	} else {
		appLogger.Warn("Redis unavailable, running without audit mirror and scheduler locks")
	}
	cancelPing()

	gin.SetMode(cfg.Server.Mode)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Default()
	}

	hub := ws.NewHub(redisStore)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	engine := services.NewPlaybookEngine(db).WithEvents(hub)
	if m != nil {
		engine.WithRecorder(m)
	}

	// 调度器与路由共享同一个剧本引擎
	if cfg.Scheduler.Enabled {
		var locker services.Locker
		if redisStore != nil {
			locker = redisStore
		}
		var recorder services.JobRecorder
		if m != nil {
			recorder = m
		}
		scheduler := services.NewPlaybookScheduler(engine, services.NewOrganizationService(db), cfg.Scheduler, locker, recorder)
		if err := scheduler.Start(); err != nil {
			appLogger.Errorf("Failed to start playbook scheduler: %v", err)
		}
		defer scheduler.Stop()
	}

	r, err := router.SetupRouter(router.Dependencies{
		Config:  cfg,
		DB:      db,
		JWT:     jwtManager,
		Redis:   redisStore,
		Metrics: m,
		Hub:     hub,
		Engine:  engine,
	})
	if err != nil {
		appLogger.Fatalf("Failed to setup router: %v", err)
	}

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// websocket 连接是长连接，写超时由连接自身控制
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	appLogger.Info("Server exited")
}
