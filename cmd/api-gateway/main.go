package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/lexicon-cms/lexicon-api/api/swagger"
	"github.com/lexicon-cms/lexicon-api/internal/auth"
	"github.com/lexicon-cms/lexicon-api/internal/handler"
	"github.com/lexicon-cms/lexicon-api/internal/middleware"
	"github.com/lexicon-cms/lexicon-api/internal/models"
	"github.com/lexicon-cms/lexicon-api/internal/repository"
	"github.com/lexicon-cms/lexicon-api/internal/service"
	"github.com/lexicon-cms/lexicon-api/pkg/cache"
	"github.com/lexicon-cms/lexicon-api/pkg/config"
	"github.com/lexicon-cms/lexicon-api/pkg/database"
	"github.com/lexicon-cms/lexicon-api/pkg/logger"
	corsmiddleware "github.com/lexicon-cms/lexicon-api/pkg/middleware/cors"
	reqidmiddleware "github.com/lexicon-cms/lexicon-api/pkg/middleware/requestid"
)

// @title Lexicon API
// @version 1.0.0
// @description Identity and session management service for the Lexicon CMS
// @BasePath /api/v1
// @schemes http https

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, role caching disabled", "error", err)
		redisClient = nil
	}

	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	auditSvc := service.NewAuditService(auditRepo, logr)
	auditSvc.Start(context.Background())
	defer auditSvc.Stop()

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Security.RoleCacheTTL, logr, redisClient != nil)
	roleSvc := service.NewRoleService(roleRepo, cacheSvc, cfg.Security.RoleCacheTTL, logr)

	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := roleSvc.Bootstrap(bootstrapCtx); err != nil {
		logr.Sugar().Fatalw("failed to seed roles", "error", err)
	}

	hasher := auth.NewPasswordHasher(cfg.Security.BcryptCost)
	policy := auth.PasswordPolicy{MinLength: cfg.Security.PasswordMinLength}
	lockout := auth.NewLockoutPolicy(cfg.Security.LockoutThreshold, cfg.Security.LockoutWindow)
	signer := auth.NewTokenSigner(auth.SignerConfig{
		Secret:     cfg.JWT.Secret,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.Expiration,
		RefreshTTL: cfg.JWT.RefreshExpiration,
	})

	authSvc := service.NewAuthService(userRepo, tokenRepo, roleSvc, auditSvc, hasher, policy, lockout, signer, nil, logr, metricsSvc)
	userSvc := service.NewUserService(userRepo, roleSvc, tokenRepo, auditSvc, nil, logr)

	authHandler := handler.NewAuthHandler(authSvc, cfg.APIPrefix+"/auth", cfg.Env == config.EnvProduction)
	userHandler := handler.NewUserHandler(userSvc)
	roleHandler := handler.NewRoleHandler(roleSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
		authRoutes.POST("/refresh", authHandler.Refresh)
		authRoutes.POST("/logout", authHandler.Logout)

		protected := authRoutes.Group("", middleware.JWT(authSvc))
		{
			protected.GET("/me", authHandler.Me)
			protected.POST("/revoke-all", authHandler.RevokeAll)
			protected.POST("/change-password", authHandler.ChangePassword)
		}
	}

	userRoutes := api.Group("/users", middleware.JWT(authSvc))
	{
		// Admin reads of account data leave an audit trail alongside the
		// write-path audits recorded in the services.
		accessAudit := middleware.Audit(auditRepo, models.AuditActionUserAccess, "users")
		userRoutes.GET("", middleware.RequirePermission(models.PermUsersRead), accessAudit, userHandler.List)
		userRoutes.GET("/:id", middleware.RequirePermission(models.PermUsersRead), accessAudit, userHandler.Get)
		userRoutes.PUT("/:id", middleware.RequirePermission(models.PermUsersManage), userHandler.Update)
		userRoutes.DELETE("/:id", middleware.RequirePermission(models.PermUsersManage), userHandler.Deactivate)
	}

	api.GET("/roles", middleware.JWT(authSvc), middleware.RequirePermission(models.PermUsersRead), roleHandler.List)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
