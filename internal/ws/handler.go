package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/auth"
	"raterhub/api/internal/authpw"
	"raterhub/api/internal/chat"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/metrics"
	"raterhub/api/internal/presence"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/store"
	"raterhub/api/internal/xp"
)

// Options tune the transport.
type Options struct {
	JWTSecret string
	// Heartbeat is how often the liveness deadline is refreshed and a ping
	// is written. It must be well under the tree liveness TTL.
	Heartbeat time.Duration
	Presence  presence.Policy
	// AllowedOrigin is matched against the Origin header; "*" or empty
	// accepts any origin.
	AllowedOrigin string
}

// Handler upgrades authenticated requests and runs one Client per socket.
type Handler struct {
	opts     Options
	repo     *store.Repo
	chat     *chat.Service
	receipts *receipts.Tracker
	presence *presence.Tracker
	ledger   *xp.Ledger
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewHandler(opts Options, repo *store.Repo, chatSvc *chat.Service, rt *receipts.Tracker, pt *presence.Tracker, ledger *xp.Ledger, hub *Hub, log *zap.Logger) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	h := &Handler{
		opts:     opts,
		repo:     repo,
		chat:     chatSvc,
		receipts: rt,
		presence: pt,
		ledger:   ledger,
		hub:      hub,
		log:      logging.OrNop(log),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, h.opts.AllowedOrigin)
}

// Handle is mounted at GET /ws. The access token comes from the token query
// parameter or a bearer Authorization header.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("raterhub/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	principal, err := h.authenticate(ctx, c)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		status := apperr.HTTPStatus(apperr.KindOf(err))
		if apperr.KindOf(err) == "" {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"code": apperr.CodeOf(err), "error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("user.id", principal.ID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("ws: upgrade failed", zap.Error(err))
		return
	}

	// The session outlives the request context.
	session, err := h.presence.Connect(context.WithoutCancel(ctx), principal)
	if err != nil {
		h.log.Warn("ws: presence connect", zap.String("user", principal.ID), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable"))
		_ = conn.Close()
		return
	}

	client := newClient(h, conn, principal, session)
	h.hub.add(client)
	metrics.IncWSEvent("connect")
	h.log.Info("ws: connected", zap.String("user", principal.ID), zap.String("conn", session.ID()))
	go client.run()
}

func (h *Handler) authenticate(ctx context.Context, c *gin.Context) (store.Principal, error) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		return store.Principal{}, apperr.Unauthenticated("Missing access token")
	}
	claims, err := auth.ParseToken([]byte(h.opts.JWTSecret), token)
	if err != nil {
		return store.Principal{}, apperr.Unauthenticated("Invalid or expired access token")
	}

	p, err := h.repo.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return store.Principal{}, apperr.Unauthenticated("Unknown principal")
		}
		return store.Principal{}, err
	}
	if err := authpw.RequireActive(p); err != nil {
		return store.Principal{}, err
	}

	// Returning after a long absence costs XP before anything is shown.
	penalized, err := h.ledger.CheckInactivity(ctx, p.ID, h.repo.Now())
	if err != nil {
		h.log.Warn("ws: inactivity check", zap.String("user", p.ID), zap.Error(err))
	}
	if penalized {
		if fresh, err := h.repo.GetPrincipal(ctx, p.ID); err == nil {
			p = fresh
		}
	}
	return p, nil
}

// Hub exposes the live client registry.
func (h *Handler) Hub() *Hub { return h.hub }
