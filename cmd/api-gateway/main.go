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
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/cca-portal-api/api/swagger"
	"github.com/noah-isme/cca-portal-api/internal/handler"
	"github.com/noah-isme/cca-portal-api/internal/middleware"
	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/repository"
	"github.com/noah-isme/cca-portal-api/internal/service"
	"github.com/noah-isme/cca-portal-api/pkg/cache"
	"github.com/noah-isme/cca-portal-api/pkg/config"
	"github.com/noah-isme/cca-portal-api/pkg/database"
	"github.com/noah-isme/cca-portal-api/pkg/export"
	"github.com/noah-isme/cca-portal-api/pkg/jobs"
	"github.com/noah-isme/cca-portal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/cca-portal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/cca-portal-api/pkg/middleware/requestid"
	"github.com/noah-isme/cca-portal-api/pkg/storage"
)

// @title CCA Portal API
// @version 1.0.0
// @description Co-curricular activity enrollment with seat-capacity transactions
// @BasePath /api/v1
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, availability cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	cacheRepo := repository.NewCacheRepository(redisClient, "cca", logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Availability.CacheTTL, logr, redisClient != nil)

	ledgerRepo := repository.NewLedgerRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	classRepo := repository.NewClassRepository(db)
	vendorRepo := repository.NewVendorRepository(db)
	configRepo := repository.NewConfigurationRepository(db)

	retry := service.RetryPolicy{MaxRetries: cfg.Enrollment.MaxRetries, Backoff: cfg.Enrollment.RetryBackoff}
	rolloverGate := service.NewRolloverGate()
	configSvc := service.NewConfigurationService(configRepo, validate, logr, service.ConfigurationServiceConfig{
		Defaults: models.EnrollmentSettings{
			MinSelections:    cfg.Enrollment.DefaultMinSelections,
			MaxSelections:    cfg.Enrollment.DefaultMaxSelections,
			RegistrationOpen: cfg.Enrollment.RegistrationOpen,
		},
		Gate: rolloverGate,
	})
	enrollmentSvc := service.NewEnrollmentService(ledgerRepo, classRepo, activityRepo, configSvc, cacheSvc, metricsSvc, validate, logr, service.EnrollmentServiceConfig{
		LockConfirmed:   cfg.Enrollment.LockConfirmed,
		Retry:           retry,
		AvailabilityTTL: cfg.Availability.CacheTTL,
		Gate:            rolloverGate,
	})
	compensationSvc := service.NewCompensationService(ledgerRepo, ledgerRepo, cacheSvc, metricsSvc, logr, retry, rolloverGate)
	catalogSvc := service.NewCatalogService(activityRepo, classRepo, vendorRepo, cacheSvc, validate, logr)
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	backupStore, err := storage.NewLocalStorage(cfg.Rollover.BackupDir)
	if err != nil {
		logr.Fatal("failed to prepare backup directory", zap.Error(err))
	}
	backupSigner := storage.NewSignedURLSigner(cfg.Rollover.SignedURLSecret, cfg.Rollover.SignedURLTTL)
	rolloverSvc := service.NewRolloverService(ledgerRepo, classRepo, configSvc, backupStore, backupSigner, export.NewCSVExporter(true), nil,
		cacheSvc, metricsSvc, validate, logr, service.RolloverServiceConfig{
			BatchSize:          cfg.Rollover.BatchSize,
			ConfirmationPhrase: cfg.Rollover.ConfirmationPhrase,
			BackupRetention:    cfg.Rollover.BackupRetention,
			DownloadPath:       cfg.APIPrefix + "/admin/rollover/backups",
			Gate:               rolloverGate,
		})
	rolloverWorker := service.NewRolloverWorker(rolloverSvc, cfg.Rollover.WorkerRetries, logr)
	rolloverQueue := jobs.NewQueue("rollover", rolloverWorker.Handle, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: cfg.Rollover.WorkerRetries,
		RetryDelay: 5 * time.Second,
		Logger:     logr,
		OnGiveUp: func(job jobs.Job, err error) {
			rolloverSvc.MarkFailed(job.ID, err)
		},
	})
	rolloverSvc.SetQueue(rolloverQueue)
	rolloverQueue.Start(ctx)
	defer rolloverQueue.Stop()

	scheduler := jobs.NewScheduler(logr, time.Minute)
	if err := scheduler.Register(cfg.Rollover.RetentionSchedule, "purge_rollover_backups", func(ctx context.Context) error {
		_, err := rolloverSvc.PurgeExpiredBackups(ctx)
		return err
	}); err != nil {
		logr.Fatal("failed to schedule backup retention", zap.Error(err))
	}
	scheduler.Start()

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	selectionAdminHandler := handler.NewSelectionAdminHandler(compensationSvc)
	rolloverHandler := handler.NewRolloverHandler(rolloverSvc)
	catalogHandler := handler.NewCatalogHandler(catalogSvc)
	configurationHandler := handler.NewConfigurationHandler(configSvc)
	deps := map[string]handler.PingFunc{"postgres": db.PingContext}
	if redisClient != nil {
		deps["redis"] = cacheRepo.Ping
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, deps)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	// The signed token is the credential so links open from a browser tab.
	api.GET("/admin/rollover/backups/:token", rolloverHandler.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(authSvc))
	registerEnrollmentRoutes(secured, enrollmentHandler)

	admin := secured.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.GET("/selections", selectionAdminHandler.List)
	admin.DELETE("/selections/:studentId", middleware.Audit(logr, "selection.reset"), selectionAdminHandler.Reset)
	admin.DELETE("/selections/:studentId/activities/:activityId", middleware.Audit(logr, "selection.remove_activity"), selectionAdminHandler.RemoveActivity)

	admin.POST("/rollover", middleware.Audit(logr, "rollover.start"), rolloverHandler.Start)
	admin.GET("/rollover/:id", rolloverHandler.Status)

	admin.GET("/activities", catalogHandler.ListActivities)
	admin.POST("/activities", middleware.Audit(logr, "activity.create"), catalogHandler.CreateActivity)
	admin.PUT("/activities/:id", middleware.Audit(logr, "activity.update"), catalogHandler.UpdateActivity)
	admin.DELETE("/activities/:id", middleware.Audit(logr, "activity.delete"), catalogHandler.DeleteActivity)
	admin.GET("/classes", catalogHandler.ListClasses)
	admin.POST("/classes", middleware.Audit(logr, "class.create"), catalogHandler.CreateClass)
	admin.PUT("/classes/:id/activities", middleware.Audit(logr, "class.set_activities"), catalogHandler.SetClassActivities)
	admin.GET("/vendors", catalogHandler.ListVendors)
	admin.POST("/vendors", middleware.Audit(logr, "vendor.create"), catalogHandler.CreateVendor)
	admin.DELETE("/vendors/:id", middleware.Audit(logr, "vendor.delete"), catalogHandler.DeleteVendor)

	admin.GET("/settings/enrollment", configurationHandler.GetEnrollment)
	admin.PUT("/settings/enrollment", middleware.Audit(logr, "settings.update"), configurationHandler.UpdateEnrollment)
	admin.GET("/metrics/summary", metricsHandler.Summary)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
}

// registerEnrollmentRoutes mounts the routes students use. Availability is readable by any
// signed-in role; /me acts on the caller's own record and needs a student token.
func registerEnrollmentRoutes(secured *gin.RouterGroup, h *handler.EnrollmentHandler) {
	secured.GET("/activities/availability", h.Availability)
	me := secured.Group("/me")
	me.Use(middleware.RequireRoles(models.RoleStudent))
	me.GET("/selection", h.GetMine)
	me.POST("/selection", h.Submit)
}
