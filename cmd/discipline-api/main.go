package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-discipline-api/api/swagger"
	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/handler"
	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/cache"
	"github.com/noah-isme/sma-discipline-api/pkg/config"
	"github.com/noah-isme/sma-discipline-api/pkg/database"
	"github.com/noah-isme/sma-discipline-api/pkg/jobs"
	"github.com/noah-isme/sma-discipline-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-discipline-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-discipline-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-discipline-api/pkg/storage"
	"github.com/noah-isme/sma-discipline-api/pkg/tracing"
)

// @title SMA Discipline API
// @version 1.0.0
// @description Discipline case workflow: descargos, decisions, guardian notifications, evidence and sealed actas.
// @BasePath /
// @schemes http
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logr.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	metrics := service.NewMetricsService()

	var cacheRepo service.CacheRepository
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable; case cache disabled", zap.Error(err))
	} else if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
		cacheRepo = repository.NewCacheRepository(redisClient)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, cfg.Cache.Enabled && cacheRepo != nil)

	caseRepo := repository.NewDisciplineCaseRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	files, err := storage.NewLocalStorage(cfg.Attachments.StorageDir)
	if err != nil {
		return fmt.Errorf("init attachment storage: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Attachments.SignedURLSecret, cfg.Attachments.SignedURLTTL)

	sealSvc := service.NewSealService(caseRepo, cacheSvc, metrics, logr, cfg.Seal.Delay)
	sealQueue := jobs.NewQueue("case-seal", sealSvc.Handle, jobs.QueueConfig{
		Workers:     cfg.Seal.Workers,
		MaxRetries:  cfg.Seal.Retries,
		Logger:      logr,
		OnExhausted: sealSvc.Exhausted,
	})
	sealQueue.Start(ctx)
	defer sealQueue.Stop()
	sealSvc.UseQueue(sealQueue)

	var notifier service.GuardianNotifier = service.NewLogNotifier(logr)
	if cfg.Notifier.WebhookURL != "" {
		notifier = service.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout)
	}

	opts := []service.DisciplineServiceOption{
		service.WithCasePolicy(discipline.Policy{AllowNotesWhenSealed: cfg.Discipline.AllowNotesWhenSealed}),
		service.WithCaseCache(cacheSvc),
		service.WithCaseMetrics(metrics),
		service.WithSealScheduler(sealSvc),
		service.WithGuardianNotifier(notifier),
		service.WithAttachments(files, signer, service.AttachmentOptions{
			MaxFileSize:  cfg.Attachments.MaxFileSizeBytes,
			AllowedMIME:  cfg.Attachments.AllowedMIMEs,
			DownloadBase: cfg.APIPrefix,
		}),
	}
	if cfg.AI.URL != "" {
		opts = append(opts, service.WithSuggestionEngine(
			service.NewAIEngineClient(cfg.AI.URL, cfg.AI.Timeout),
			repository.NewPolicyManualRepository(db),
		))
	} else {
		logr.Info("decision engine not configured; suggestions disabled")
	}
	caseSvc := service.NewDisciplineService(caseRepo, studentRepo, validator.New(), logr, opts...)
	exportSvc := service.NewExportService(caseSvc, studentRepo, logr, nil, nil)
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	if n, err := sealSvc.RecoverPending(ctx); err != nil {
		logr.Warn("pending seal recovery failed", zap.Error(err))
	} else if n > 0 {
		logr.Info("pending seals scheduled", zap.Int("count", n))
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics, "/metrics", "/health", "/ready"))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(metrics, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	cases := handler.NewDisciplineHandler(caseSvc, exportSvc)
	registerRoutes(r.Group(cfg.APIPrefix), cases, authSvc, auditRepo, logr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           otelhttp.NewHandler(r, cfg.Tracing.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func capability(name string, pick func(discipline.Capabilities) bool) gin.HandlerFunc {
	return middleware.RequireCapability(name, pick)
}

func registerRoutes(api *gin.RouterGroup, h *handler.DisciplineHandler, auth middleware.TokenValidator, audit middleware.AuditWriter, logr *zap.Logger) {
	const resource = "discipline_case"
	auditOf := func(action string) gin.HandlerFunc {
		return middleware.Audit(audit, logr, action, resource)
	}
	canEdit := capability("edit", func(c discipline.Capabilities) bool { return c.CanEdit })
	canDecide := capability("decide", func(c discipline.Capabilities) bool { return c.CanDecide })
	canSuggest := capability("generate_suggestion", func(c discipline.Capabilities) bool { return c.CanGenerateSuggestion })
	canReview := capability("approve_suggestion", func(c discipline.Capabilities) bool { return c.CanApproveSuggestion })

	// Signed links carry their own authorisation. A bearer token, when the
	// browser sends one, only names the downloader in the audit trail.
	api.GET("/cases/:id/attachments/:aid/download", middleware.OptionalJWT(auth),
		auditOf(models.AuditActionAttachmentDownload), h.DownloadAttachment)

	secured := api.Group("")
	secured.Use(middleware.JWT(auth))

	secured.GET("/students/search", canEdit, h.SearchStudents)

	secured.GET("/cases", h.List)
	secured.POST("/cases", canEdit, auditOf(models.AuditActionCaseCreate), h.Create)
	secured.GET("/cases/export", h.Export)
	secured.GET("/cases/:id", h.Get)
	secured.GET("/cases/:id/acta", h.Acta)

	secured.POST("/cases/:id/descargos", h.RecordDescargos)
	secured.POST("/cases/:id/decide", canDecide, auditOf(models.AuditActionCaseDecide), h.Decide)
	secured.PATCH("/cases/:id/decision", canDecide, auditOf(models.AuditActionCaseDecisionUpdate), h.UpdateDecision)
	secured.DELETE("/cases/:id/decision", canDecide, auditOf(models.AuditActionCaseDecisionClear), h.ClearDecision)
	secured.POST("/cases/:id/close", canDecide, auditOf(models.AuditActionCaseClose), h.Close)
	secured.PUT("/cases/:id/descargos-deadline", auditOf(models.AuditActionCaseDeadline), h.SetDeadline)
	secured.POST("/cases/:id/notes", h.AddNote)
	secured.PATCH("/cases/:id/events/:event_id", auditOf(models.AuditActionEventUpdate), h.UpdateEvent)
	secured.DELETE("/cases/:id/events/:event_id", auditOf(models.AuditActionEventDelete), h.DeleteEvent)
	secured.POST("/cases/:id/participants", h.AddParticipant)
	secured.POST("/cases/:id/attachments", auditOf(models.AuditActionAttachmentUpload), h.UploadAttachments)
	secured.POST("/cases/:id/notify-guardian", h.NotifyGuardian)
	secured.POST("/cases/:id/acknowledge", h.Acknowledge)

	secured.POST("/cases/:id/ai/suggest", canSuggest, h.GenerateSuggestion)
	secured.POST("/cases/:id/ai/suggestions/:sid/approve", canReview, auditOf(models.AuditActionSuggestionReview), h.ApproveSuggestion)
	secured.POST("/cases/:id/ai/suggestions/:sid/reject", canReview, auditOf(models.AuditActionSuggestionReview), h.RejectSuggestion)
	secured.POST("/cases/:id/ai/suggestions/:sid/apply", canReview, auditOf(models.AuditActionSuggestionApply), h.ApplySuggestion)
}
