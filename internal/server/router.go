package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/collab"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "sitecraft_identity"

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingDirectory     = errors.New("user directory dependency required")
	errMissingEngine        = errors.New("collaboration engine dependency required")
)

// Authenticator resolves request credentials to identities.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
	CredentialFromRequest(r *http.Request) string
}

// Directory records identities that passed authentication.
type Directory interface {
	Remember(ctx context.Context, identity auth.Identity) (users.User, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Authenticator  Authenticator
	Directory      Directory
	Engine         *collab.Engine
	AllowedOrigins []string
	WebSocket      WebSocketConfig
	Logger         *zap.Logger
}

// Handler serves the REST API and the WebSocket endpoint.
type Handler struct {
	http.Handler
	realtime *httpHandler
}

// Close refuses new WebSocket upgrades, cancels every open socket and waits
// until each one has been disconnected from the engine or ctx is done.
// http.Server.Shutdown does not reach hijacked connections, so call Close
// after it.
func (h *Handler) Close(ctx context.Context) error {
	return h.realtime.closeSockets(ctx)
}

// NewHTTPHandler builds the gin router serving the REST API and the
// WebSocket endpoint.
func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	sockets, stopSockets := context.WithCancel(context.Background())
	handler := &httpHandler{
		authenticator: deps.Authenticator,
		directory:     deps.Directory,
		engine:        deps.Engine,
		ws:            deps.WebSocket.withDefaults(),
		logger:        logger,
		sockets:       sockets,
		stopSockets:   stopSockets,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)

	projects := protected.Group("/projects/:projectID")
	projects.GET("/collaborators", handler.handleListCollaborators)
	projects.POST("/collaborators", handler.handleInvite)
	projects.POST("/collaborators/accept", handler.handleAccept)
	projects.PATCH("/collaborators/:collaboratorID", handler.handleUpdateRole)
	projects.DELETE("/collaborators/:collaboratorID", handler.handleRemoveCollaborator)
	projects.GET("/sessions", handler.handleActiveSessions)
	projects.GET("/history", handler.handleHistory)
	projects.GET("/history/export", handler.handleExportHistory)
	projects.GET("/chat", handler.handleListChat)
	projects.PATCH("/chat/:messageID", handler.handleEditChat)
	projects.DELETE("/chat/:messageID", handler.handleDeleteChat)

	return &Handler{Handler: router, realtime: handler}, nil
}

type httpHandler struct {
	authenticator Authenticator
	directory     Directory
	engine        *collab.Engine
	ws            WebSocketConfig
	logger        *zap.Logger

	// sockets is the parent of every WebSocket loop context.
	sockets     context.Context
	stopSockets context.CancelFunc
	socketsMu   sync.Mutex
	closing     bool
	open        sync.WaitGroup
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	credential := h.authenticator.CredentialFromRequest(c.Request)
	identity, err := h.authenticator.Authenticate(c.Request.Context(), credential)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredCredential) || errors.Is(err, auth.ErrMissingCredential) {
			level = zap.InfoLevel
		}
		if entry := h.logger.Check(level, "token validation failed"); entry != nil {
			entry.Write(zap.String("path", c.FullPath()), zap.Error(err))
		}
		h.abortWithError(c, err)
		return
	}
	if _, err := h.directory.Remember(c.Request.Context(), identity); err != nil {
		h.logger.Warn("failed to remember identity", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), h.errorBody(c, err))
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), h.errorBody(c, err))
}

func (h *httpHandler) errorBody(c *gin.Context, err error) errorResponse {
	event := collab.ErrorEvent(err, "")
	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	case apperr.KindUnavailable:
		h.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	return errorResponse{
		Error:     event.Kind,
		Code:      event.Code,
		Message:   event.Message,
		Retryable: event.Retryable,
	}
}
