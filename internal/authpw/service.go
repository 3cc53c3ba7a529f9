// Package authpw is the identity provider: email/password accounts whose
// credentials live in Postgres and whose principals live in the tree, plus
// the admin approvals that gate sign-in and password resets.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/audit"
	"raterhub/api/internal/auth"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/util"
)

const (
	CodeInvalidEmail  = "INVALID_EMAIL"
	CodeWeakPassword  = "WEAK_PASSWORD"
	CodeEmailTaken    = "EMAIL_TAKEN"
	CodeNotActive     = "ACCOUNT_NOT_ACTIVE"
	CodeInvalidStatus = "INVALID_STATUS"
	CodeInvalidRole   = "INVALID_ROLE"
	CodeRequestClosed = "REQUEST_CLOSED"
	CodeInvalidToken  = "INVALID_RESET_TOKEN"
)

const (
	MinPasswordLength = 6
	ResetTokenTTL     = time.Hour
)

// CredentialStore is implemented by store.PostgresStore.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred store.Credential) error
	GetCredentialByEmail(ctx context.Context, email string) (store.Credential, error)
	GetCredentialByPrincipal(ctx context.Context, principalID string) (store.Credential, error)
	UpdatePasswordHash(ctx context.Context, principalID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, principalID, tokenHash string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, tokenHash string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, tokenHash string) error
}

type Mailer interface {
	IsConfigured() bool
	SendPasswordResetEmail(to, userName, resetURL string) error
}

// SessionRevoker drops a principal's refresh tokens.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, principalID string) error
}

type Service struct {
	creds    CredentialStore
	repo     *store.Repo
	mailer   Mailer
	sessions SessionRevoker
	audit    *audit.Emitter
	baseURL  string
	log      *zap.Logger
}

type Options struct {
	Mailer   Mailer
	Sessions SessionRevoker
	Audit    *audit.Emitter
	// BaseURL is the web app origin reset links point at.
	BaseURL string
	Log     *zap.Logger
}

func NewService(creds CredentialStore, repo *store.Repo, opts Options) *Service {
	return &Service{
		creds:    creds,
		repo:     repo,
		mailer:   opts.Mailer,
		sessions: opts.Sessions,
		audit:    opts.Audit,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		log:      logging.OrNop(opts.Log),
	}
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// SignUp creates a pending rater. The account cannot sign in until an admin
// approves it.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Principal, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return store.Principal{}, err
	}
	if err := checkPassword(req.Password); err != nil {
		return store.Principal{}, err
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = store.EmailLocalPart(email)
	}

	if _, err := s.creds.GetCredentialByEmail(ctx, email); err == nil {
		return store.Principal{}, apperr.Invalid(CodeEmailTaken, "That email is already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Principal{}, apperr.Upstream("identity store", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.Principal{}, fmt.Errorf("hash password: %w", err)
	}
	p := store.Principal{
		ID:          util.NewID("usr"),
		Email:       email,
		DisplayName: name,
		Role:        rbac.RoleRater,
		Status:      store.StatusPending,
		CreatedAt:   s.repo.Now(),
	}
	if err := s.creds.CreateCredential(ctx, store.Credential{PrincipalID: p.ID, Email: email, PasswordHash: string(hash)}); err != nil {
		return store.Principal{}, apperr.Upstream("identity store", err)
	}
	if err := s.repo.PutPrincipal(ctx, p); err != nil {
		return store.Principal{}, err
	}
	s.log.Info("authpw: signed up", zap.String("principal", p.ID))
	return p, nil
}

// SignIn checks the password and that the principal is active.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.Principal{}, apperr.Unauthenticated("Email and password are required")
	}
	cred, err := s.creds.GetCredentialByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.Principal{}, apperr.Unauthenticated("Invalid email or password")
	}
	if err != nil {
		return store.Principal{}, apperr.Upstream("identity store", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return store.Principal{}, apperr.Unauthenticated("Invalid email or password")
	}

	p, err := s.repo.GetPrincipal(ctx, cred.PrincipalID)
	if err != nil {
		return store.Principal{}, err
	}
	if err := RequireActive(p); err != nil {
		return store.Principal{}, err
	}
	return p, nil
}

// RequireActive refuses principals whose status is not active, naming the
// status in the message.
func RequireActive(p store.Principal) error {
	if p.Status == store.StatusActive {
		return nil
	}
	status := p.Status
	if status == "" {
		status = store.StatusPending
	}
	return apperr.DeniedCode(CodeNotActive, "Your account is currently "+status+".")
}

// RequestPasswordReset files a request an admin must approve. Unknown emails
// are accepted too so the endpoint does not reveal which accounts exist.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (store.ResetRequest, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.ResetRequest{}, err
	}
	req := store.ResetRequest{
		ID:        util.NewID("prr"),
		Email:     email,
		Status:    store.RequestPending,
		CreatedAt: s.repo.Now(),
	}
	if err := s.repo.Tree().Set(ctx, tree.ResetRequest(req.ID), req); err != nil {
		return store.ResetRequest{}, err
	}
	return req, nil
}

func (s *Service) ListResetRequests(ctx context.Context, actor store.Principal) ([]store.ResetRequest, error) {
	if err := rbac.Require(rbac.Resolve(actor.Subject(), nil, nil).ApprovePrincipals, "Only admins can review password resets"); err != nil {
		return nil, err
	}
	return s.repo.ListResetRequests(ctx)
}

// ApproveResult carries the reset link back to the approver when it could
// not be mailed.
type ApproveResult struct {
	Request store.ResetRequest `json:"request"`
	Emailed bool               `json:"emailed"`
	Link    string             `json:"link,omitempty"`
}

// ApproveReset closes the request and issues a one-hour, single-use token.
func (s *Service) ApproveReset(ctx context.Context, actor store.Principal, rid string) (ApproveResult, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).ApprovePrincipals, "Only admins can approve password resets"); err != nil {
		return ApproveResult{}, err
	}
	pending, err := s.repo.GetResetRequest(ctx, rid)
	if err != nil {
		return ApproveResult{}, err
	}
	cred, err := s.creds.GetCredentialByEmail(ctx, pending.Email)
	if errors.Is(err, store.ErrNotFound) {
		return ApproveResult{}, apperr.NotFound("account for " + pending.Email)
	}
	if err != nil {
		return ApproveResult{}, apperr.Upstream("identity store", err)
	}

	now := s.repo.Now()
	req, err := store.Transact(ctx, s.repo, tree.ResetRequest(rid), func(cur *store.ResetRequest) (*store.ResetRequest, error) {
		if cur == nil {
			return nil, apperr.NotFound("reset request")
		}
		if cur.Status != store.RequestPending {
			return nil, apperr.Invalid(CodeRequestClosed, "This request was already "+cur.Status)
		}
		cur.Status = store.RequestApproved
		cur.ReviewedBy = subject.ID
		cur.ReviewedAt = &now
		return cur, nil
	})
	if err != nil {
		return ApproveResult{}, err
	}

	token, err := generateToken()
	if err != nil {
		return ApproveResult{}, fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.creds.CreatePasswordReset(ctx, cred.PrincipalID, auth.HashToken(token), now.Add(ResetTokenTTL)); err != nil {
		return ApproveResult{}, apperr.Upstream("identity store", err)
	}
	s.audit.Emit(ctx, audit.Event{
		Type:      audit.ResetApproved,
		ActorID:   subject.ID,
		ActorRole: string(subject.Role),
		TargetID:  cred.PrincipalID,
	})

	link := s.baseURL + "/reset-password?token=" + url.QueryEscape(token)
	res := ApproveResult{Request: *req}
	if s.mailer != nil && s.mailer.IsConfigured() {
		name := store.EmailLocalPart(cred.Email)
		if p, err := s.repo.GetPrincipal(ctx, cred.PrincipalID); err == nil {
			name = p.Name()
		}
		if err := s.mailer.SendPasswordResetEmail(cred.Email, name, link); err != nil {
			s.log.Warn("authpw: reset email failed", zap.String("request", rid), zap.Error(err))
		} else {
			res.Emailed = true
			return res, nil
		}
	}
	res.Link = link
	return res, nil
}

// ResetPassword spends a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return apperr.Invalid(CodeInvalidToken, "Reset token is required")
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	tokenHash := auth.HashToken(token)
	uid, err := s.creds.GetPasswordReset(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Invalid(CodeInvalidToken, "This reset link is invalid or has expired")
	}
	if err != nil {
		return apperr.Upstream("identity store", err)
	}
	if err := s.setPassword(ctx, uid, newPassword); err != nil {
		return err
	}
	if err := s.creds.MarkPasswordResetUsed(ctx, tokenHash); err != nil {
		s.log.Warn("authpw: mark reset used failed", zap.String("principal", uid), zap.Error(err))
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, uid, oldPassword, newPassword string) error {
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	cred, err := s.creds.GetCredentialByPrincipal(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("account")
	}
	if err != nil {
		return apperr.Upstream("identity store", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(oldPassword)); err != nil {
		return apperr.Unauthenticated("Current password is incorrect")
	}
	return s.setPassword(ctx, uid, newPassword)
}

func (s *Service) setPassword(ctx context.Context, uid, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.creds.UpdatePasswordHash(ctx, uid, string(hash)); err != nil {
		return apperr.Upstream("identity store", err)
	}
	s.revokeSessions(ctx, uid)
	return nil
}

var statuses = map[string]bool{
	store.StatusPending:   true,
	store.StatusActive:    true,
	store.StatusSuspended: true,
	store.StatusRejected:  true,
}

// SetStatus approves, suspends, reactivates or rejects a principal. Approving
// a principal without a role makes it a rater.
func (s *Service) SetStatus(ctx context.Context, actor store.Principal, uid, status string) (store.Principal, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).ApprovePrincipals, "Only admins can change account status"); err != nil {
		return store.Principal{}, err
	}
	if subject.ID == uid {
		return store.Principal{}, apperr.Denied("You cannot change your own status")
	}
	if !statuses[status] {
		return store.Principal{}, apperr.Invalid(CodeInvalidStatus, "Unknown status "+status)
	}

	var from string
	p, err := s.repo.UpdatePrincipal(ctx, uid, func(p *store.Principal) error {
		if p.Subject().Role == rbac.RoleAdmin && subject.Role != rbac.RoleAdmin {
			return apperr.Denied("Only the admin can change an admin's account")
		}
		from = p.Status
		p.Status = status
		if status == store.StatusActive && p.Subject().Role == rbac.RoleUnset {
			p.Role = rbac.RoleRater
		}
		return nil
	})
	if err != nil {
		return store.Principal{}, err
	}
	if status != store.StatusActive {
		s.revokeSessions(ctx, uid)
	}
	s.audit.Emit(ctx, audit.Event{
		Type:       audit.PrincipalStatus,
		ActorID:    subject.ID,
		ActorRole:  string(subject.Role),
		TargetID:   uid,
		Attributes: map[string]string{"from": from, "to": status},
	})
	return p, nil
}

func (s *Service) SetRole(ctx context.Context, actor store.Principal, uid, role string) (store.Principal, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).SetRoles, "Only the admin can change roles"); err != nil {
		return store.Principal{}, err
	}
	if subject.ID == uid {
		return store.Principal{}, apperr.Denied("You cannot change your own role")
	}
	next := rbac.Normalize(role)
	if next == rbac.RoleUnset {
		return store.Principal{}, apperr.Invalid(CodeInvalidRole, "Unknown role "+role)
	}

	var from rbac.Role
	p, err := s.repo.UpdatePrincipal(ctx, uid, func(p *store.Principal) error {
		from = p.Role
		p.Role = next
		return nil
	})
	if err != nil {
		return store.Principal{}, err
	}
	s.audit.Emit(ctx, audit.Event{
		Type:       audit.PrincipalRole,
		ActorID:    subject.ID,
		ActorRole:  string(subject.Role),
		TargetID:   uid,
		Attributes: map[string]string{"from": string(from), "to": string(next)},
	})
	return p, nil
}

func (s *Service) revokeSessions(ctx context.Context, uid string) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.RevokeAll(ctx, uid); err != nil {
		s.log.Warn("authpw: revoke sessions failed", zap.String("principal", uid), zap.Error(err))
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return "", apperr.Invalid(CodeInvalidEmail, "Enter a valid email address")
	}
	return email, nil
}

func checkPassword(password string) error {
	if len(password) < MinPasswordLength {
		return apperr.Invalid(CodeWeakPassword, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
