package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/teamshare/internal/auth"
	"github.com/MarcoPoloResearchLab/teamshare/internal/notify"
	"github.com/MarcoPoloResearchLab/teamshare/internal/sharing"
	"github.com/MarcoPoloResearchLab/teamshare/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "teamshare_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingSharingService   = errors.New("sharing service dependency required")
)

// SessionValidator authenticates an inbound request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto canonical user ids.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

// Dependencies wires the HTTP surface to its collaborators. Events is optional;
// without it the event stream endpoint is not registered.
type Dependencies struct {
	SharingService   *sharing.Service
	SessionValidator SessionValidator
	UserResolver     UserResolver
	Events           *notify.Dispatcher
	AllowedOrigins   []string
	// HeartbeatInterval spaces keep-alive events on the event stream.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router for the teamshare API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.UserResolver == nil {
		return nil, errMissingUserResolver
	}
	if deps.SharingService == nil {
		return nil, errMissingSharingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sharing:   deps.SharingService,
		validator: deps.SessionValidator,
		users:     deps.UserResolver,
		events:    deps.Events,
		heartbeat: deps.HeartbeatInterval,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleProfile)

	protected.POST("/workspaces", handler.handleCreateWorkspace)
	protected.GET("/workspaces", handler.handleListWorkspaces)
	protected.GET("/workspaces/:workspaceID", handler.handleGetWorkspace)
	protected.DELETE("/workspaces/:workspaceID", handler.handleDeleteWorkspace)
	protected.POST("/workspaces/:workspaceID/members", handler.handleAddMember)
	protected.PATCH("/workspaces/:workspaceID/members/:userID", handler.handleUpdateMemberRole)
	protected.DELETE("/workspaces/:workspaceID/members/:userID", handler.handleRemoveMember)
	protected.POST("/workspaces/:workspaceID/grants", handler.handleGrantPermission)
	protected.GET("/workspaces/:workspaceID/audit", handler.handleAuditLog)
	protected.POST("/workspaces/:workspaceID/shares", handler.handleShareContext)
	protected.GET("/workspaces/:workspaceID/shares", handler.handleListShares)
	if handler.events != nil {
		protected.GET("/workspaces/:workspaceID/events", handler.handleEventStream)
	}

	protected.GET("/shares/:shareID", handler.handleGetShare)
	protected.PUT("/shares/:shareID", handler.handleUpdateShare)
	protected.DELETE("/shares/:shareID", handler.handleRevokeShare)
	protected.POST("/shares/:shareID/resolve", handler.handleResolveConflict)
	protected.GET("/strategies", handler.handleListStrategies)

	return router, nil
}

// corsMiddleware allows every origin when none are configured.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sharing   *sharing.Service
	validator SessionValidator
	users     UserResolver
	events    *notify.Dispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	profile, err := h.users.Profile(c.Request.Context(), currentUser(c))
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
			return
		}
		h.logger.Error("failed to load profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
