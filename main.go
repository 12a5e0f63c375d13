package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bg-studio/internal/auth"
	"github.com/example/bg-studio/internal/config"
	"github.com/example/bg-studio/internal/handlers"
	"github.com/example/bg-studio/internal/logging"
	"github.com/example/bg-studio/internal/pipeline"
	"github.com/example/bg-studio/internal/rembg"
	"github.com/example/bg-studio/internal/repository"
	"github.com/example/bg-studio/internal/sku"
	"github.com/example/bg-studio/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewCutoutRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)

	catalog := loadCatalog(cfg, logger)

	remover := rembg.NewClient(cfg.RembgURL, cfg.RembgTimeout, logger)
	fetcher := pipeline.NewFetcher(cfg.FetchTimeout)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewStudioUseCase(catalog, fetcher, remover, cache, repo, cfg.AssetTTL, cfg.MaxDisplayDim, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	var middleware []gin.HandlerFunc
	if cfg.JWTSecret != "" {
		middleware = append(middleware, auth.BearerMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	}
	handlers.RegisterRoutes(r, uc, middleware...)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("background removal studio listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// loadCatalog reads the SKU table once at startup. A missing file is not
// fatal: the lookup feature is disabled and the rest of the studio works.
func loadCatalog(cfg *config.Config, logger *zap.Logger) *sku.Catalog {
	catalog, err := sku.Load(cfg.SKUCSVPath)
	if err != nil {
		if errors.Is(err, sku.ErrCatalogMissing) {
			logger.Warn("sku table not found, lookup by SKU disabled", zap.String("path", cfg.SKUCSVPath))
			return nil
		}
		logger.Fatal("failed to load sku table", zap.Error(err))
	}
	logger.Info("sku table loaded", zap.String("path", cfg.SKUCSVPath), zap.Int("rows", catalog.Len()))
	return catalog
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
