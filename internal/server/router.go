package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tablesync/internal/blocks"
	"github.com/MarcoPoloResearchLab/tablesync/internal/collab"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
	"github.com/MarcoPoloResearchLab/tablesync/internal/users"
	"github.com/MarcoPoloResearchLab/tablesync/internal/views"
)

const (
	userIDContextKey         = "tablesync_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTableHub         = errors.New("table hub dependency required")
	errMissingUpdateLog        = errors.New("update log dependency required")
	errMissingViewsService     = errors.New("views service dependency required")
	errMissingBlockCache       = errors.New("block cache dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
	errMissingMemberDirectory  = errors.New("member directory dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// TableHub serves live table documents. collab.Hub implements it.
type TableHub interface {
	Table(ctx context.Context, tableID documents.DocumentID) (table.Table, error)
	ApplyUpdates(ctx context.Context, userID documents.UserID, tableID documents.DocumentID, updates [][]byte) (documents.CrdtSyncResult, error)
	RetainRows(ctx context.Context, tableID documents.DocumentID, rowIDs []string) (table.Table, error)
	OpenSyncSession(ctx context.Context, userID documents.UserID, tableID documents.DocumentID) (*collab.SyncSession, error)
}

// UpdateLog lists persisted updates. documents.Service implements it.
type UpdateLog interface {
	ListCrdtUpdates(ctx context.Context, documentID documents.DocumentID, after documents.CrdtUpdateID) ([]documents.CrdtUpdateRecord, error)
}

type Dependencies struct {
	Sessions  SessionValidator
	Tables    TableHub
	UpdateLog UpdateLog
	Views     *views.Service
	Blocks    *blocks.Cache
	Realtime  *RealtimeDispatcher
	Members   *users.Service
	Logger    *zap.Logger
	// HeartbeatInterval spaces SSE heartbeats. Zero selects the default.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Tables == nil:
		return nil, errMissingTableHub
	case deps.UpdateLog == nil:
		return nil, errMissingUpdateLog
	case deps.Views == nil:
		return nil, errMissingViewsService
	case deps.Blocks == nil:
		return nil, errMissingBlockCache
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	case deps.Members == nil:
		return nil, errMissingMemberDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:          deps.Sessions,
		tables:            deps.Tables,
		updateLog:         deps.UpdateLog,
		views:             deps.Views,
		blocks:            deps.Blocks,
		realtime:          deps.Realtime,
		members:           deps.Members,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/tables/:table_id", handler.handleGetTable)
	protected.POST("/tables/:table_id/updates", handler.handleApplyUpdates)
	protected.GET("/tables/:table_id/updates", handler.handleListUpdates)
	protected.GET("/tables/:table_id/stream", handler.handleTableStream)
	protected.GET("/tables/:table_id/sync", handler.handleTableSync)

	protected.GET("/documents/:document_id/blocks", handler.handleGetBlocks)
	protected.PUT("/documents/:document_id/blocks", handler.handlePutBlocks)
	protected.DELETE("/documents/:document_id/blocks", handler.handleDeleteBlocks)

	protected.POST("/views", handler.handleCreateView)
	protected.GET("/views/:view_id", handler.handleGetView)
	protected.GET("/views/:view_id/properties", handler.handleListProperties)
	protected.POST("/views/:view_id/properties", handler.handleAddProperty)
	protected.POST("/views/:view_id/properties/:property_id/move", handler.handleMoveProperty)
	protected.PATCH("/views/:view_id/properties/:property_id", handler.handleRenameProperty)
	protected.DELETE("/views/:view_id/properties/:property_id", handler.handleDeleteProperty)

	protected.GET("/workspaces/:workspace_id/members", handler.handleListMembers)

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	tables            TableHub
	updateLog         UpdateLog
	views             *views.Service
	blocks            *blocks.Cache
	realtime          *RealtimeDispatcher
	members           *users.Service
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Workspace-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.members != nil {
		if _, err := h.members.Touch(c.Request.Context(), claims); err != nil {
			h.logger.Warn("member directory update failed", zap.String("user_id", claims.UserID), zap.Error(err))
		}
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) (documents.UserID, bool) {
	userID, err := documents.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

type codedError interface {
	Code() string
}

// respondError writes {"error": reason, "code": code}. The status follows the
// sentinel wrapped by err.
func (h *httpHandler) respondError(c *gin.Context, reason string, err error) {
	status := statusForError(err)
	body := gin.H{"error": reason}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("reason", reason),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, views.ErrViewNotFound),
		errors.Is(err, views.ErrPropertyNotFound):
		return http.StatusNotFound
	case errors.Is(err, views.ErrInvalidViewKind),
		errors.Is(err, views.ErrInvalidViewID),
		errors.Is(err, views.ErrInvalidPropertyID),
		errors.Is(err, views.ErrInvalidPropertyName),
		errors.Is(err, documents.ErrInvalidDocumentID),
		errors.Is(err, documents.ErrInvalidCrdtUpdate),
		errors.Is(err, documents.ErrInvalidCrdtUpdateID),
		errors.Is(err, collab.ErrInvalidUpdate),
		errors.Is(err, blocks.ErrInvalidBlock):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
