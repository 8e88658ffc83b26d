package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"github.com/keyarbiter/keyarbiter/allocator"
	"github.com/keyarbiter/keyarbiter/common"
	"github.com/keyarbiter/keyarbiter/common/config"
	"github.com/keyarbiter/keyarbiter/common/graceful"
	"github.com/keyarbiter/keyarbiter/common/logger"
	"github.com/keyarbiter/keyarbiter/controller"
	"github.com/keyarbiter/keyarbiter/dispatcher"
	"github.com/keyarbiter/keyarbiter/invoker"
	"github.com/keyarbiter/keyarbiter/keypool"
	"github.com/keyarbiter/keyarbiter/middleware"
	"github.com/keyarbiter/keyarbiter/model"
	"github.com/keyarbiter/keyarbiter/monitor"
	"github.com/keyarbiter/keyarbiter/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	common.Init()
	logger.SetupLogger()
	logger.StartLogRetentionCleaner(ctx, config.LogRetentionDays, logger.LogDir)
	logger.Logger.Info("keyarbiter started")

	if config.GinMode != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := model.InitDB()
	if err != nil {
		logger.Logger.Fatal("database init error", zap.Error(err))
	}
	defer func() {
		if err := store.CloseDB(); err != nil {
			logger.Logger.Error("failed to close database", zap.Error(err))
		}
	}()

	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("failed to initialize Redis", zap.Error(err))
	}

	secrets, err := config.LoadKeyPoolSecrets()
	if err != nil {
		logger.Logger.Fatal("failed to load key pool credentials", zap.Error(err))
	}

	pool, err := keypool.NewRegistry(secrets, keypool.Config{
		MinuteLimit:  config.PerKeyMinuteLimit,
		DailyLimit:   config.PerKeyDailyLimit,
		BanThreshold: config.ErrorBanThreshold,
	})
	if err != nil {
		logger.Logger.Fatal("failed to build key pool", zap.Error(err))
	}
	keypool.StartScheduler(ctx, pool)
	logger.Logger.Info("key pool ready",
		zap.Int("slots", pool.Size()),
		zap.Int("rpm_per_key", config.PerKeyMinuteLimit),
		zap.Int("rpd_per_key", config.PerKeyDailyLimit))

	engine := allocator.NewEngine(store, allocator.Config{
		KeyPoolSize:      config.KeyPoolSize,
		PerKeyDailyLimit: config.PerKeyDailyLimit,
		MinimumGuarantee: config.MinimumDailyGuarantee,
		MaxDivisorUsers:  config.MaxDivisorUsers,
		LookbackDays:     config.ActiveUserLookbackDays,
		CacheTTL:         time.Duration(config.FairShareCacheTTL) * time.Second,
		SnapshotTTL:      time.Duration(config.FairShareSnapshotTTL) * time.Second,
	})
	gate := allocator.NewGate(engine)

	invoke := invoker.NewOpenAI(config.UpstreamBaseURL, time.Duration(config.UpstreamTimeout)*time.Second)
	disp := dispatcher.New(pool, gate, engine, store, invoke, dispatcher.Options{
		MaxRetries:    config.MaxRetries,
		MinuteWaitCap: config.MinuteWaitCap,
	})

	if config.EnablePrometheusMetrics {
		if err := monitor.InitPrometheus(); err != nil {
			logger.Logger.Fatal("failed to initialize Prometheus monitoring", zap.Error(err))
		}
		monitor.StartPoolGaugeRefresher(ctx, pool, time.Duration(config.PoolGaugeRefreshSec)*time.Second)
	}

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}

	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	server.Use(middleware.RequestId())

	router.SetRouter(server, &controller.Handler{
		Pool:       pool,
		Engine:     engine,
		Gate:       gate,
		Dispatcher: disp,
		Store:      store,
	})

	port := config.ServerPort
	if port == "" {
		port = strconv.Itoa(*common.Port)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: server,
	}
	go func() {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Logger.Info("shutdown signal received, draining")
	graceful.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http server shutdown", zap.Error(err))
	}
	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("background tasks did not drain", zap.Error(err))
	}
	logger.Logger.Info("keyarbiter stopped")
}
