package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/metrics"
	"raterhub/api/internal/store"
)

const principalKey = "principal"

// WSHandler upgrades GET /ws.
type WSHandler interface {
	Handle(c *gin.Context)
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	ws         WSHandler
	log        *zap.Logger
	engine     *gin.Engine
}

func NewHTTPServer(service *Service, corsOrigin string, wsHandler WSHandler, log *zap.Logger) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, ws: wsHandler, log: logging.OrNop(log)}
	s.engine = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("raterhub-api"))
	r.Use(metrics.HTTPMiddleware())
	r.Use(s.requestLog())

	r.GET("/api/health", s.handleHealth)
	r.HEAD("/api/health", s.handleHealth)
	r.GET("/api/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.ws != nil {
		r.GET("/ws", s.ws.Handle)
	}

	pub := r.Group("/api/auth")
	pub.POST("/signup", s.handleSignUp)
	pub.POST("/signin", s.handleSignIn)
	pub.POST("/refresh", s.handleRefresh)
	pub.POST("/logout", s.handleLogout)
	pub.POST("/reset-password/request", s.handleRequestReset)
	pub.POST("/reset-password", s.handleResetPassword)

	api := r.Group("/api", s.requireSession)
	api.GET("/me", s.handleMe)
	api.GET("/me/level", s.handleLevel)
	api.POST("/me/password", s.handleChangePassword)
	api.POST("/me/hidden", s.handleSetHidden)

	api.GET("/users", s.handleListUsers)
	api.POST("/users/:uid/status", s.handleSetStatus)
	api.POST("/users/:uid/role", s.handleSetRole)
	api.GET("/reset-requests", s.handleListResetRequests)
	api.POST("/reset-requests/:rid/approve", s.handleApproveReset)

	api.GET("/groups", s.handleListGroups)
	api.POST("/groups", s.handleCreateGroup)
	api.DELETE("/groups/:gid", s.handleDeleteGroup)
	api.POST("/groups/:gid/restricted", s.handleSetRestricted)
	api.POST("/groups/:gid/members", s.handleAddMember)
	api.DELETE("/groups/:gid/members/:uid", s.handleRemoveMember)
	api.GET("/group-requests", s.handleListGroupRequests)
	api.POST("/group-requests/:rid/approve", s.handleApproveGroupRequest)
	api.POST("/group-requests/:rid/reject", s.handleRejectGroupRequest)
	api.POST("/groups/:gid/meeting/start", s.handleStartMeeting)
	api.POST("/groups/:gid/meeting/end", s.handleEndMeeting)

	api.GET("/groups/:gid/messages", s.handleView)
	api.POST("/groups/:gid/messages", s.handleSend)
	api.PATCH("/groups/:gid/messages/:mid", s.handleEdit)
	api.DELETE("/groups/:gid/messages/:mid", s.handleDelete)
	api.POST("/groups/:gid/messages/:mid/reactions", s.handleReact)
	api.POST("/groups/:gid/messages/:mid/star", s.handleStar)
	api.POST("/groups/:gid/messages/:mid/pin", s.handlePin)
	api.DELETE("/groups/:gid/pin", s.handleUnpin)
	api.POST("/groups/:gid/messages/:mid/forward", s.handleForward)
	api.POST("/groups/:gid/uploads", s.handleUpload)
	api.POST("/groups/:gid/read", s.handleMarkRead)

	api.POST("/groups/:gid/polls", s.handleCreatePoll)
	api.POST("/groups/:gid/messages/:mid/vote", s.handleVote)
	api.POST("/groups/:gid/messages/:mid/reveal", s.handleReveal)
	api.GET("/groups/:gid/messages/:mid/report", s.handleReport)

	api.GET("/search", s.handleSearch)
	api.GET("/groups/:gid/export", s.handleExport)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	return r
}

// requestLog tags every request with an id, applies CORS and logs one line
// per request.
func (s *HTTPServer) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		setCORSHeaders(c.Writer.Header(), s.corsOrigin)
		c.Header("X-Request-ID", requestID)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		started := time.Now()
		c.Next()

		s.log.Info("http: request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	}
}

func (s *HTTPServer) requireSession(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		c.Abort()
		return
	}
	p, err := s.service.Authenticate(c.Request.Context(), token)
	if err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Set(principalKey, p)
	c.Next()
}

func actor(c *gin.Context) store.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(store.Principal)
	return principal
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.service.Ready(ctx)
	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"ok": ok, "status": status, "checks": checks})
}

// fail renders err. Typed errors carry their own status and code; anything
// else is a 500 and is logged.
func (s *HTTPServer) fail(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("http: request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	} else if status == http.StatusServiceUnavailable {
		s.log.Warn("http: upstream unavailable", zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeError(c, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return apperr.HTTPStatus(appErr.Kind), appErr.Code, appErr.Message, appErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "req-unknown"
	}
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-ID")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID,Content-Disposition")
}

func writeJSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(c, status, response)
}

// bindBody decodes a JSON body. An empty body leaves target untouched.
func bindBody(c *gin.Context, target any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(target); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
