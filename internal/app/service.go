// Package app composes the engine packages into one facade and serves it
// over HTTP.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/auth"
	"raterhub/api/internal/authpw"
	"raterhub/api/internal/chat"
	"raterhub/api/internal/export"
	"raterhub/api/internal/groups"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/poll"
	"raterhub/api/internal/presence"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/search"
	"raterhub/api/internal/session"
	"raterhub/api/internal/store"
	"raterhub/api/internal/util"
	"raterhub/api/internal/ws"
	"raterhub/api/internal/xp"
)

// Session is what a successful sign-in or refresh hands back.
type Session struct {
	Token        string
	RefreshToken string
	Principal    store.Principal
	JTI          string
	ExpiresAt    time.Time
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// RefreshStore keeps refresh tokens by hash.
type RefreshStore interface {
	Save(ctx context.Context, tokenHash, principalID string, expiresAt time.Time) error
	Consume(ctx context.Context, tokenHash string) (session.Session, error)
	Revoke(ctx context.Context, tokenHash string) error
}

// Deps are the collaborators of the facade. Export, Search, Hub and
// Database may be nil.
type Deps struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Repo     *store.Repo
	Database Pinger
	Sessions RefreshStore
	Auth     *authpw.Service
	Chat     *chat.Service
	Polls    *poll.Engine
	Groups   *groups.Service
	Receipts *receipts.Tracker
	Presence *presence.Tracker
	Search   *search.Service
	Export   *export.Service
	Hub      *ws.Hub
	Log      *zap.Logger
}

type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	repo     *store.Repo
	db       Pinger
	sessions RefreshStore
	auth     *authpw.Service
	chat     *chat.Service
	polls    *poll.Engine
	groups   *groups.Service
	receipts *receipts.Tracker
	presence *presence.Tracker
	search   *search.Service
	export   *export.Service
	hub      *ws.Hub
	log      *zap.Logger
}

func New(d Deps) *Service {
	if d.AccessTTL <= 0 {
		d.AccessTTL = 15 * time.Minute
	}
	if d.RefreshTTL <= 0 {
		d.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Service{
		secret:     []byte(d.JWTSecret),
		accessTTL:  d.AccessTTL,
		refreshTTL: d.RefreshTTL,
		repo:       d.Repo,
		db:         d.Database,
		sessions:   d.Sessions,
		auth:       d.Auth,
		chat:       d.Chat,
		polls:      d.Polls,
		groups:     d.Groups,
		receipts:   d.Receipts,
		presence:   d.Presence,
		search:     d.Search,
		export:     d.Export,
		hub:        d.Hub,
		log:        logging.OrNop(d.Log),
	}
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	p, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, p)
}

// Refresh trades a refresh token for a new pair. Refresh tokens are single
// use; replaying one fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, apperr.Unauthenticated("Refresh token required")
	}
	rec, err := s.sessions.Consume(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, session.ErrUnknownToken) {
		return Session{}, apperr.Unauthenticated("Refresh token invalid")
	}
	if err != nil {
		return Session{}, err
	}
	p, err := s.repo.GetPrincipal(ctx, rec.PrincipalID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Session{}, apperr.Unauthenticated("Refresh token invalid")
		}
		return Session{}, err
	}
	if err := authpw.RequireActive(p); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, p)
}

func (s *Service) issueSession(ctx context.Context, p store.Principal) (Session, error) {
	now := s.repo.Now()
	expiresAt := now.Add(s.accessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken(s.secret, p.ID, p.Name(), p.Subject().Role, jti, s.accessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), p.ID, now.Add(s.refreshTTL)); err != nil {
		return Session{}, err
	}
	return Session{
		Token:        token,
		RefreshToken: refresh,
		Principal:    p,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

// Authenticate resolves a bearer token to the current principal record.
// Roles and status are read from the store, not from the token.
func (s *Service) Authenticate(ctx context.Context, token string) (store.Principal, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return store.Principal{}, apperr.Unauthenticated("Unauthorized")
	}
	p, err := s.repo.GetPrincipal(ctx, claims.Subject)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return store.Principal{}, apperr.Unauthenticated("Unauthorized")
		}
		return store.Principal{}, err
	}
	if err := authpw.RequireActive(p); err != nil {
		return store.Principal{}, err
	}
	return p, nil
}

// SetStatus also drops the live sockets of a principal who is no longer
// active.
func (s *Service) SetStatus(ctx context.Context, actor store.Principal, uid, status string) (store.Principal, error) {
	p, err := s.auth.SetStatus(ctx, actor, uid, status)
	if err != nil {
		return store.Principal{}, err
	}
	if p.Status != store.StatusActive && s.hub != nil {
		if n := s.hub.Disconnect(uid); n > 0 {
			s.log.Info("app: closed sockets of inactive principal", zap.String("user", uid), zap.Int("sockets", n))
		}
	}
	return p, nil
}

// UserView is a principal as listed to managers.
type UserView struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Role        rbac.Role `json:"role"`
	Status      string    `json:"status"`
	XP          int       `json:"xp"`
	Level       string    `json:"level"`
	IsHidden    bool      `json:"isHidden,omitempty"`
}

// ListUsers is open to managers. Emails and hidden flags are shown to the
// admin tier only.
func (s *Service) ListUsers(ctx context.Context, actor store.Principal) ([]UserView, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.IsManager(subject.Role), "Only managers can list users"); err != nil {
		return nil, err
	}
	all, err := s.repo.ListPrincipals(ctx)
	if err != nil {
		return nil, err
	}
	adminTier := rbac.IsAdminTier(subject.Role)
	out := make([]UserView, 0, len(all))
	for _, p := range all {
		v := UserView{
			ID:          p.ID,
			DisplayName: p.Name(),
			Role:        p.Subject().Role,
			Status:      p.Status,
			XP:          p.XP,
			Level:       xp.LevelFor(p.XP).Name,
		}
		if adminTier {
			v.Email = p.Email
			v.IsHidden = p.IsHidden
		}
		out = append(out, v)
	}
	return out, nil
}

// Search runs a message search over every group the actor can see.
func (s *Service) Search(ctx context.Context, actor store.Principal, text string) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, apperr.Upstream("search", nil)
	}
	all, err := s.repo.ListGroups(ctx)
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, actor, text, all)
}

// ViewOptions are the per-request filters of GET messages.
type ViewOptions struct {
	Search      string
	StarredOnly bool
}

// View renders a group the way the realtime transport does, with the stored
// watermark standing in for the session watermark.
func (s *Service) View(ctx context.Context, actor store.Principal, gid string, opts ViewOptions) (chat.View, error) {
	if err := s.requireVisible(ctx, actor, gid); err != nil {
		return chat.View{}, err
	}
	snap, err := s.chat.LoadSnapshot(ctx, gid)
	if err != nil {
		return chat.View{}, err
	}
	watermark, err := s.receipts.BeginSession(ctx, actor.ID, gid)
	if err != nil {
		return chat.View{}, err
	}
	starred, err := s.repo.StarredIn(ctx, actor.ID, gid)
	if err != nil {
		return chat.View{}, err
	}
	return chat.BuildView(snap, actor, chat.ViewOptions{
		Watermark:   watermark,
		Search:      opts.Search,
		StarredOnly: opts.StarredOnly,
		Starred:     starred,
	}), nil
}

// Items redacts messages returned by a mutation the way the group view would
// show them to actor. The messages must share one group.
func (s *Service) Items(ctx context.Context, actor store.Principal, gid string, msgs ...store.Message) ([]chat.Item, error) {
	g, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return nil, err
	}
	polls, err := s.repo.ListPolls(ctx, gid, msgs)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Item, 0, len(msgs))
	for _, m := range msgs {
		var state *store.PollState
		if ps, ok := polls[m.ID]; ok {
			state = &ps
		}
		out = append(out, chat.ItemFor(m, actor, g, state))
	}
	return out, nil
}

// MarkRead advances the watermark when the scroll position allows it. The
// returned bool reports whether anything was written.
func (s *Service) MarkRead(ctx context.Context, actor store.Principal, gid string, distanceFromBottom float64, jumped bool) (time.Time, bool, error) {
	if err := s.requireVisible(ctx, actor, gid); err != nil {
		return time.Time{}, false, err
	}
	if !receipts.ShouldMarkRead(distanceFromBottom, jumped) {
		mark, err := s.repo.LastViewed(ctx, actor.ID, gid)
		return mark, false, err
	}
	mark, err := s.receipts.MarkRead(ctx, actor.ID, gid, s.repo.Now())
	return mark, err == nil, err
}

func (s *Service) requireVisible(ctx context.Context, actor store.Principal, gid string) error {
	g, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return err
	}
	return rbac.Require(rbac.CanViewGroup(actor.Subject(), g.IsMember(actor.ID)), "You are not a member of this group")
}

// Export renders a transcript.
func (s *Service) Export(ctx context.Context, actor store.Principal, gid string, format export.Format) (*export.Result, error) {
	if s.export == nil {
		return nil, apperr.Upstream("export", nil)
	}
	return s.export.Export(ctx, actor, gid, format)
}

// ReadyCheck is one dependency in /api/ready.
type ReadyCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready pings the tree and the credential database.
func (s *Service) Ready(ctx context.Context) (bool, map[string]ReadyCheck) {
	checks := map[string]ReadyCheck{}
	ok := true
	check := func(name string, p Pinger) {
		if p == nil {
			checks[name] = ReadyCheck{Status: "disabled"}
			return
		}
		if err := p.Ping(ctx); err != nil {
			ok = false
			checks[name] = ReadyCheck{Status: "error", Error: err.Error()}
			return
		}
		checks[name] = ReadyCheck{Status: "ok"}
	}
	check("redis", s.repo.Tree())
	check("database", s.db)
	return ok, checks
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
