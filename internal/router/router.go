// Package router assembles the HTTP surface of the sanction engine.
package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/handler"
	"github.com/noah-isme/sanction-engine/internal/middleware"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/service"
	"github.com/noah-isme/sanction-engine/pkg/config"
	"github.com/noah-isme/sanction-engine/pkg/logger"
	corsmiddleware "github.com/noah-isme/sanction-engine/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sanction-engine/pkg/middleware/requestid"
)

type sessionValidator interface {
	ValidateToken(token string) (*models.SessionClaims, error)
}

// Dependencies are the handlers and collaborators the router mounts.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Sessions    sessionValidator
	Metrics     *service.MetricsService
	Tokens      *handler.TokenHandler
	Sanctions   *handler.SanctionHandler
	Submissions *handler.CollectionSubmissionHandler
	Reconcile   *handler.ReconcileHandler
	Observe     *handler.MetricsHandler
}

// New builds the gin engine.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	logr := deps.Logger
	if logr == nil {
		logr = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	r.GET("/health", deps.Observe.Health)
	r.GET("/ready", deps.Observe.Ready)
	r.GET("/metrics", deps.Observe.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	// Token links work without a session; a signed-in click is still attributed in the audit log.
	api.GET("/tokens/:token", middleware.OptionalSession(deps.Sessions), middleware.Audit(logr, "token.dispatch"), deps.Tokens.Dispatch)

	secured := api.Group("", middleware.Session(deps.Sessions))
	secured.GET("/metrics/summary", deps.Observe.Snapshot)

	sanctions := secured.Group("/sanctions")
	sanctions.POST("", middleware.Audit(logr, "sanction.create"), deps.Sanctions.Create)
	sanctions.GET("/:id", deps.Sanctions.Get)
	sanctions.POST("/:id/submit", middleware.Audit(logr, "sanction.submit"), deps.Sanctions.Submit)
	sanctions.POST("/:id/approve", middleware.Audit(logr, "sanction.approve"), deps.Sanctions.Approve)
	sanctions.POST("/:id/reject", middleware.Audit(logr, "sanction.reject"), deps.Sanctions.Reject)
	sanctions.POST("/:id/resubmit", middleware.Audit(logr, "sanction.resubmit"), deps.Sanctions.Resubmit)

	moderation := secured.Group("/moderation",
		middleware.FeatureGate(cfg.Moderation.Enabled),
		middleware.RequireModerator(),
	)
	moderation.GET("/sanctions", deps.Sanctions.ModerationQueue)
	moderation.POST("/sanctions/:id/accept", middleware.Audit(logr, "sanction.moderator_accept"), deps.Sanctions.Accept)
	moderation.POST("/sanctions/:id/reject", middleware.Audit(logr, "sanction.moderator_reject"), deps.Sanctions.Reject)

	submissions := secured.Group("/collection-submissions")
	submissions.POST("", middleware.Audit(logr, "collection_submission.create"), deps.Submissions.Create)
	submissions.GET("/:id", deps.Submissions.Get)
	submissions.POST("/:id/:trigger", middleware.Audit(logr, "collection_submission.trigger"), deps.Submissions.Trigger)

	internal := secured.Group("/internal", middleware.RequireModerator())
	internal.POST("/reconcile", middleware.Audit(logr, "sanction.reconcile"), deps.Reconcile.Run)

	return r
}
