// Package httpapi exposes the notification service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ventushub/notifications/internal/platform/middleware"
	"github.com/ventushub/notifications/internal/services/notifications/activity"
	"github.com/ventushub/notifications/internal/services/notifications/api/wire"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
)

// Inbox is the notification use-case surface the API calls.
type Inbox interface {
	Create(ctx context.Context, draft domain.Draft) (domain.Notification, error)
	Get(ctx context.Context, userID string, notificationID string) (domain.Notification, error)
	List(ctx context.Context, query domain.ListQuery) (domain.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, notificationID string) (domain.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	SetArchived(ctx context.Context, userID string, notificationID string, archived bool) (domain.Notification, error)
	SetPinned(ctx context.Context, userID string, notificationID string, pinned bool) (domain.Notification, error)
	CancelScheduled(ctx context.Context, notificationID string) (int, error)
	ListGroups(ctx context.Context, userID string) ([]domain.Group, error)
	SetGroupCollapsed(ctx context.Context, userID string, groupKey string, collapsed bool) (domain.Group, error)
	Preferences(ctx context.Context, userID string) (domain.Preferences, error)
	UpdatePreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error)
	RegisterDevice(ctx context.Context, token domain.DeviceToken) (domain.DeviceToken, error)
	Devices(ctx context.Context, userID string) ([]domain.DeviceToken, error)
	RemoveDevice(ctx context.Context, token string) error
}

// Rules manages templates, triggers and the recipient directory.
type Rules interface {
	PutTemplate(ctx context.Context, tpl domain.Template) (domain.Template, error)
	Template(ctx context.Context, key string) (domain.Template, error)
	Templates(ctx context.Context, activeOnly bool) ([]domain.Template, error)
	SetTemplateActive(ctx context.Context, key string, active bool) (domain.Template, error)
	PutTrigger(ctx context.Context, trigger domain.Trigger) (domain.Trigger, error)
	Trigger(ctx context.Context, key string) (domain.Trigger, error)
	Triggers(ctx context.Context, activeOnly bool) ([]domain.Trigger, error)
	SetTriggerActive(ctx context.Context, key string, active bool) (domain.Trigger, error)
	PutContact(ctx context.Context, contact domain.Contact) (domain.Contact, error)
}

// Activity records events and lists the activity log.
type Activity interface {
	Ingest(ctx context.Context, event domain.Event) (activity.Result, error)
	Submit(event domain.Event) error
	List(ctx context.Context, filterExpr string, pageSize int, pageToken string) (domain.ActivityPage, error)
}

// Metrics lists stored daily partitions.
type Metrics interface {
	List(ctx context.Context, from string, to string) ([]domain.MetricsPartition, error)
}

// Engagements records provider open and click callbacks.
type Engagements interface {
	RecordEngagement(ctx context.Context, logID string, kind domain.Engagement, at time.Time) (domain.DeliveryLogEntry, error)
}

// Feed streams a user's notifications over a websocket.
type Feed interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

// Deps collects the collaborators behind the routes. Nil optional
// collaborators disable their routes.
type Deps struct {
	Inbox       Inbox
	Rules       Rules
	Activity    Activity
	Metrics     Metrics
	Engagements Engagements
	Feed        Feed
	// Ready reports storage health for /readyz.
	Ready func(ctx context.Context) error
	Clock func() time.Time
}

// Server routes HTTP requests to the notification use-cases.
type Server struct {
	router *gin.Engine
	deps   Deps
}

// NewServer builds the router. jwtSecret signs every bearer token accepted
// under /api/v1.
func NewServer(deps Deps, jwtSecret string) (*Server, error) {
	if deps.Inbox == nil {
		return nil, errors.New("inbox service is required")
	}
	if jwtSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	s := &Server{router: router, deps: deps}
	s.setupRoutes(jwtSecret)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(jwtSecret string) {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/readyz", s.handleReady())

	api := s.router.Group("/api/v1")
	// Browsers cannot set headers on websocket upgrades.
	api.GET("/feed", tokenFromQuery(), middleware.JWTAuth(jwtSecret), s.handleFeed())
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		notifications.GET("", s.handleList())
		notifications.GET("/unread-count", s.handleUnreadCount())
		notifications.POST("/read-all", s.handleMarkAllRead())
		notifications.GET("/:id", s.handleGet())
		notifications.POST("/:id/read", s.handleMarkRead())
		notifications.POST("/:id/archive", s.handleSetArchived(true))
		notifications.POST("/:id/unarchive", s.handleSetArchived(false))
		notifications.POST("/:id/pin", s.handleSetPinned(true))
		notifications.POST("/:id/unpin", s.handleSetPinned(false))

		api.GET("/groups", s.handleListGroups())
		api.POST("/groups/:key/collapse", s.handleSetGroupCollapsed(true))
		api.POST("/groups/:key/expand", s.handleSetGroupCollapsed(false))

		api.GET("/preferences", s.handleGetPreferences())
		api.PUT("/preferences", s.handlePutPreferences())

		api.PUT("/devices", s.handlePutDevice())
		api.DELETE("/devices/:token", s.handleDeleteDevice())
	}

	internal := api.Group("/internal")
	internal.Use(middleware.RequireOperator())
	{
		internal.POST("/notifications", s.handleSend())
		internal.POST("/notifications/:id/cancel", s.handleCancel())
		if s.deps.Activity != nil {
			internal.POST("/events", s.handleIngest())
			internal.GET("/activity", s.handleListActivity())
		}
		if s.deps.Rules != nil {
			internal.PUT("/templates", s.handlePutTemplate())
			internal.GET("/templates", s.handleListTemplates())
			internal.GET("/templates/:key", s.handleGetTemplate())
			internal.POST("/templates/:key/activate", s.handleSetTemplateActive(true))
			internal.POST("/templates/:key/deactivate", s.handleSetTemplateActive(false))
			internal.PUT("/triggers", s.handlePutTrigger())
			internal.GET("/triggers", s.handleListTriggers())
			internal.GET("/triggers/:key", s.handleGetTrigger())
			internal.POST("/triggers/:key/activate", s.handleSetTriggerActive(true))
			internal.POST("/triggers/:key/deactivate", s.handleSetTriggerActive(false))
			internal.PUT("/contacts", s.handlePutContact())
		}
		if s.deps.Metrics != nil {
			internal.GET("/metrics", s.handleListMetrics())
		}
		if s.deps.Engagements != nil {
			internal.POST("/engagements", s.handleEngagement())
		}
	}
}

func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Ready != nil {
			if err := s.deps.Ready(c.Request.Context()); err != nil {
				log.Printf("readiness: %v", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func (s *Server) handleFeed() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Feed == nil {
			c.JSON(http.StatusNotImplemented, wire.Error{Error: "realtime feed is disabled"})
			return
		}
		if err := s.deps.Feed.Serve(c.Writer, c.Request, middleware.GetUserID(c)); err != nil {
			// The upgrader has already written the HTTP error.
			log.Printf("feed upgrade: %v", err)
		}
	}
}

func tokenFromQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("access_token"); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, wire.Error{Error: validation.Error(), Field: validation.Field})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, wire.Error{Error: err.Error()})
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, wire.Error{Error: err.Error()})
	case errors.Is(err, activity.ErrQueueFull), errors.Is(err, activity.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, wire.Error{Error: err.Error()})
	default:
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, wire.Error{Error: "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, wire.Error{Error: "malformed request body: " + err.Error()})
}
