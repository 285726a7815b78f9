package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kavos113/quickctf/ctf-manager/archive"
	"github.com/kavos113/quickctf/ctf-manager/domain"
	"github.com/kavos113/quickctf/ctf-manager/service"
)

type InstanceService interface {
	StartInstance(ctx context.Context, challengeID int64, req domain.Requester) (*domain.ConnectionInfo, error)
	StopInstance(ctx context.Context, instanceID string, req domain.Requester) error
	RevertInstance(ctx context.Context, instanceID string, req domain.Requester) (*domain.ConnectionInfo, error)
	ExtendInstance(ctx context.Context, instanceID string, req domain.Requester, extra time.Duration) (*domain.Instance, error)
	GetInstanceForRequester(ctx context.Context, challengeID int64, req domain.Requester) (*domain.Instance, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*domain.Instance, error)
	GetInstanceBySession(ctx context.Context, token string) (*domain.Instance, error)
	ListInstancesForRequester(ctx context.Context, req domain.Requester) ([]*domain.Instance, error)
	GetInstanceStats(ctx context.Context, instanceID string, req domain.Requester) (*domain.ContainerStats, error)
}

type AdminService interface {
	ForceStopInstance(ctx context.Context, instanceID string) error
	ListEvents(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error)
	UpsertChallenge(ctx context.Context, challenge *domain.Challenge) error
	Health(ctx context.Context) error
}

type Sweeper interface {
	RunOnce(ctx context.Context) service.SweepReport
}

type Archiver interface {
	Archive(ctx context.Context, since, until time.Time) (*archive.Result, error)
}

type Options struct {
	APIToken string
	Sweeper  Sweeper
	// Archiver is nil when no archive bucket is configured.
	Archiver Archiver
	Metrics  http.Handler
}

// Register mounts the API on e.
func Register(e *echo.Echo, instances InstanceService, admin AdminService, opts Options) {
	ih := NewInstanceHandler(instances)
	ah := NewAdminHandler(admin, opts.Sweeper, opts.Archiver)

	e.GET("/healthz", ah.Health)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api/v1", BearerAuth(opts.APIToken))

	api.POST("/instances", ih.StartInstance)
	api.GET("/instances", ih.GetInstanceForChallenge)
	api.GET("/instances/mine", ih.ListMine)
	api.GET("/instances/:id", ih.GetInstance)
	api.GET("/instances/:id/stats", ih.GetStats)
	api.DELETE("/instances/:id", ih.StopInstance)
	api.POST("/instances/:id/revert", ih.RevertInstance)
	api.POST("/instances/:id/extend", ih.ExtendInstance)
	api.GET("/sessions/:token", ih.GetBySession)

	api.GET("/admin/events", ah.ListEvents)
	api.POST("/admin/events/archive", ah.ArchiveEvents)
	api.PUT("/admin/challenges/:id", ah.UpsertChallenge)
	api.DELETE("/admin/instances/:id", ah.ForceStop)
	api.POST("/admin/sweep", ah.Sweep)
}

// BearerAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func BearerAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(echo.Context) bool {
			return token == ""
		},
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "missing or invalid API token"})
		},
	})
}
