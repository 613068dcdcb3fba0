package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"katasu/internal/config"
	"katasu/internal/middleware"
	"katasu/internal/models"
	"katasu/internal/service"
	"katasu/internal/storage"
)

type Uploader interface {
	Ingest(ctx context.Context, in service.IngestInput) (service.IngestResult, error)
}

type ImageEditor interface {
	Update(ctx context.Context, userID, imageID string, title *string, tags []string) (models.Image, error)
	Delete(ctx context.Context, userID, imageID string) error
}

type Requeuer interface {
	Requeue(ctx context.Context, imageID string) (models.Image, error)
}

type Catalog interface {
	ListPublishedByUser(ctx context.Context, userID string, limit, offset int) ([]models.Image, error)
	ListTagsByUser(ctx context.Context, userID string) ([]string, error)
	List(ctx context.Context, status models.ImageStatus, limit, offset int) ([]models.Image, error)
}

type Users interface {
	GetByID(ctx context.Context, id string) (models.User, error)
	UpdateStatus(ctx context.Context, id string, status models.UserStatus) error
}

type Listings interface {
	Images(ctx context.Context, userID string, load func(context.Context) ([]models.Image, error)) ([]models.Image, error)
	Tags(ctx context.Context, userID string, load func(context.Context) ([]string, error)) ([]string, error)
	InvalidateUser(ctx context.Context, userID string) error
}

type StatusReader interface {
	Get(ctx context.Context, imageID string) (models.PublicState, bool, error)
}

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Uploads  Uploader
	Images   ImageEditor
	Requeue  Requeuer
	Catalog  Catalog
	Users    Users
	Listings Listings
	Statuses StatusReader
	Areas    storage.Areas
	Health   []HealthCheck
	Gatherer prometheus.Gatherer
}

type HandlerSet struct {
	log       zerolog.Logger
	cfg       *config.AppConfig
	deps      Deps
	validator *validator.Validate
}

func NewHandlerSet(deps Deps, cfg *config.AppConfig, log zerolog.Logger) HandlerSet {
	return HandlerSet{
		log:       log,
		cfg:       cfg,
		deps:      deps,
		validator: validator.New(),
	}
}

func (h HandlerSet) Register(router gin.IRouter) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", h.metricsHandler())
	router.GET("/images/:userId/:file", h.ServeImage)

	v1 := router.Group("/api/v1")
	v1.GET("/users/:userId/images", h.ListUserImages)
	v1.GET("/users/:userId/tags", h.ListUserTags)

	auth := middleware.Auth(h.cfg.Security.JWTAccessSecret, h.deps.Users)

	media := v1.Group("/media")
	media.Use(auth)
	media.POST("", h.UploadMedia)
	media.PATCH("/:id", h.UpdateMedia)
	media.DELETE("/:id", h.DeleteMedia)

	admin := v1.Group("/admin")
	admin.Use(auth, middleware.RequireAdmin())
	admin.GET("/images", h.AdminListImages)
	admin.POST("/images/:id/requeue", h.AdminRequeueImage)
	admin.PATCH("/users/:id/status", h.AdminUpdateUserStatus)
}

func (h HandlerSet) metricsHandler() gin.HandlerFunc {
	if h.deps.Gatherer == nil {
		return gin.WrapH(promhttp.Handler())
	}
	return gin.WrapH(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
}
