package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/chattar-api/api/swagger"
	"github.com/noah-isme/chattar-api/internal/handler"
	"github.com/noah-isme/chattar-api/internal/middleware"
	"github.com/noah-isme/chattar-api/internal/repository"
	"github.com/noah-isme/chattar-api/internal/service"
	"github.com/noah-isme/chattar-api/pkg/cache"
	"github.com/noah-isme/chattar-api/pkg/config"
	"github.com/noah-isme/chattar-api/pkg/database"
	"github.com/noah-isme/chattar-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/chattar-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/chattar-api/pkg/middleware/requestid"
)

const shutdownTimeout = 10 * time.Second

// @title Chattar Auth API
// @version 1.0.0
// @description Accounts, sessions and device keys for the chattar messenger
// @BasePath /api/auth
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}

	var tokenStore service.TokenStore
	switch cfg.Auth.TokenStore {
	case config.TokenStoreRedis:
		var rdb *redis.Client
		rdb, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		tokenStore = repository.NewRedisRefreshTokenRepository(rdb)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		tokenStore = repository.NewRefreshTokenRepository(db)
	}

	hasher, err := service.NewBcryptHasher(cfg.Auth.BcryptCost)
	if err != nil {
		logr.Fatal("failed to init password hasher", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	credentialSvc := service.NewCredentialService(userRepo, hasher, service.NewValidator(), logr, service.CredentialConfig{
		RevealConflictField: cfg.Auth.RevealConflictField,
	})
	deviceKeySvc := service.NewDeviceKeyService(userRepo, logr)
	sessionSvc := service.NewSessionService(tokenStore, metricsSvc, logr, service.SessionConfig{
		Secret:     cfg.JWT.Secret,
		Issuer:     cfg.JWT.Issuer,
		AccessTTL:  cfg.JWT.Expiration,
		RefreshTTL: cfg.JWT.RefreshExpiration,
		Rotate:     cfg.Auth.RefreshRotation,
	})
	authSvc := service.NewAuthService(credentialSvc, deviceKeySvc, sessionSvc, auditRepo, metricsSvc, logr)

	authHandler := handler.NewAuthHandler(authSvc, handler.CookieOptions{
		Domain:     cfg.Cookie.Domain,
		Secure:     cfg.Cookie.Secure,
		AccessTTL:  cfg.JWT.Expiration,
		RefreshTTL: cfg.JWT.RefreshExpiration,
	})
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	handler.RegisterOpsRoutes(r, metricsHandler)
	handler.RegisterAuthRoutes(r.Group(cfg.APIPrefix), authHandler, authSvc)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.String("token_store", cfg.Auth.TokenStore))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
