package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"raterhub/api/internal/auth"
	"raterhub/api/internal/authpw"
	"raterhub/api/internal/chat"
	"raterhub/api/internal/export"
	"raterhub/api/internal/groups"
	"raterhub/api/internal/poll"
	"raterhub/api/internal/presence"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/session"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/xp"
)

const testSecret = "app-test-secret"

// memCredentials is an in-memory authpw.CredentialStore.
type memCredentials struct {
	mu     sync.Mutex
	creds  map[string]store.Credential
	resets map[string]string
}

func newMemCredentials() *memCredentials {
	return &memCredentials{creds: map[string]store.Credential{}, resets: map[string]string{}}
}

func (m *memCredentials) CreateCredential(_ context.Context, cred store.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.PrincipalID] = cred
	return nil
}

func (m *memCredentials) GetCredentialByEmail(_ context.Context, email string) (store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.Email == email {
			return c, nil
		}
	}
	return store.Credential{}, store.ErrNotFound
}

func (m *memCredentials) GetCredentialByPrincipal(_ context.Context, principalID string) (store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[principalID]; ok {
		return c, nil
	}
	return store.Credential{}, store.ErrNotFound
}

func (m *memCredentials) UpdatePasswordHash(_ context.Context, principalID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[principalID]
	if !ok {
		return store.ErrNotFound
	}
	c.PasswordHash = hash
	m.creds[principalID] = c
	return nil
}

func (m *memCredentials) CreatePasswordReset(_ context.Context, principalID, tokenHash string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[tokenHash] = principalID
	return nil
}

func (m *memCredentials) GetPasswordReset(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid, ok := m.resets[tokenHash]; ok {
		return uid, nil
	}
	return "", store.ErrNotFound
}

func (m *memCredentials) MarkPasswordResetUsed(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resets, tokenHash)
	return nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	server  *HTTPServer
	service *Service
	repo    *store.Repo
}

func setupApp(t *testing.T, db Pinger) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	ts, err := tree.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	repo := store.NewRepo(ts)
	ctx := context.Background()
	for _, p := range []store.Principal{
		{ID: "admin", Email: "root@example.com", DisplayName: "Root", Role: rbac.RoleAdmin, Status: store.StatusActive},
		{ID: "lead", Email: "lena@example.com", DisplayName: "Lena", Role: rbac.RoleLeader, Status: store.StatusActive},
		{ID: "ann", Email: "ann@example.com", DisplayName: "Ann", Role: rbac.RoleRater, XP: 20, Status: store.StatusActive},
		{ID: "vet", Email: "vet@example.com", DisplayName: "Vet", Role: rbac.RoleRater, XP: 300, Status: store.StatusActive},
	} {
		require.NoError(t, repo.PutPrincipal(ctx, p))
	}
	require.NoError(t, repo.PutGroup(ctx, store.Group{
		ID:      "g1",
		Name:    "Raters",
		Members: map[string]bool{"lead": true, "ann": true, "vet": true},
	}))

	creds := newMemCredentials()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret1"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, creds.CreateCredential(ctx, store.Credential{PrincipalID: "ann", Email: "ann@example.com", PasswordHash: string(hash)}))

	sessions := session.NewRedisStoreWithClient(ts.Client(), "test:")
	ledger := xp.NewLedger(repo, nil)
	rt := receipts.NewTracker(repo, nil)
	svc := New(Deps{
		JWTSecret: testSecret,
		Repo:      repo,
		Database:  db,
		Sessions:  sessions,
		Auth:      authpw.NewService(creds, repo, authpw.Options{Sessions: sessions, BaseURL: "http://app.test"}),
		Chat:      chat.NewService(repo, ledger, nil),
		Polls:     poll.NewEngine(repo, ledger, nil, nil),
		Groups:    groups.NewService(repo, rt, presence.Policy{}, nil, nil),
		Receipts:  rt,
		Presence:  presence.NewTracker(repo, nil),
		Export:    export.NewService(repo, nil),
	})
	return fixture{server: NewHTTPServer(svc, "*", nil, nil), service: svc, repo: repo}
}

func (f fixture) do(t *testing.T, method, path, uid string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		token, err := auth.IssueToken([]byte(testSecret), uid, uid, rbac.RoleRater, "jti-"+uid, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	f := setupApp(t, nil)
	rr, payload := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		f := setupApp(t, pingFunc(func(context.Context) error { return nil }))
		rr, payload := f.do(t, http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", payload["status"])
		checks := payload["checks"].(map[string]any)
		assert.Equal(t, "ok", checks["redis"].(map[string]any)["status"])
		assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
	})

	t.Run("database down", func(t *testing.T) {
		f := setupApp(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }))
		rr, payload := f.do(t, http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "not_ready", payload["status"])
		db := payload["checks"].(map[string]any)["database"].(map[string]any)
		assert.Equal(t, "error", db["status"])
		assert.Equal(t, "connection refused", db["error"])
	})
}

func TestRequireSession(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodGet, "/api/groups", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", payload["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rr, _ = f.do(t, http.MethodGet, "/api/groups", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSignInRefreshIsSingleUse(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ANN@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ann", payload["userId"])
	assert.Equal(t, "rater", payload["role"])
	access := payload["accessToken"].(string)
	refresh := payload["refreshToken"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	claims, err := auth.ParseToken([]byte(testSecret), access)
	require.NoError(t, err)
	assert.Equal(t, "ann", claims.Subject)

	rr, payload = f.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEqual(t, refresh, payload["refreshToken"])

	rr, _ = f.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, payload = f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ann@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid email or password", payload["error"])
}

func TestSignUpNeedsApproval(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "new@example.com", "password": "secret1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, store.StatusPending, payload["status"])
	uid := payload["userId"].(string)

	rr, payload = f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "new@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, authpw.CodeNotActive, payload["code"])
	assert.Equal(t, "Your account is currently pending.", payload["error"])

	rr, _ = f.do(t, http.MethodPost, "/api/users/"+uid+"/status", "admin", map[string]string{"status": store.StatusActive})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "new@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, payload = f.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"email": "bad", "password": "secret1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, authpw.CodeInvalidEmail, payload["code"])
}

func TestUsersAndSuspension(t *testing.T) {
	f := setupApp(t, nil)

	rr, _ := f.do(t, http.MethodGet, "/api/users", "ann", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, payload := f.do(t, http.MethodGet, "/api/users", "lead", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	for _, u := range payload["users"].([]any) {
		assert.Nil(t, u.(map[string]any)["email"])
	}

	rr, payload = f.do(t, http.MethodGet, "/api/users", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["users"], 4)

	rr, _ = f.do(t, http.MethodPost, "/api/users/ann/status", "admin", map[string]string{"status": store.StatusSuspended})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, payload = f.do(t, http.MethodGet, "/api/me", "ann", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Your account is currently suspended.", payload["error"])
}

func TestSendViewAndRestricted(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/groups/g1/messages", "ann", map[string]string{"text": "  hello raters  "})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "hello raters", payload["message"].(map[string]any)["text"])

	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages", "ann", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, chat.CodeEmptyMessage, payload["code"])

	rr, payload = f.do(t, http.MethodGet, "/api/groups/g1/messages", "lead", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := payload["items"].([]any)
	require.Len(t, items, 1)
	assert.EqualValues(t, 1, payload["unread"])

	rr, _ = f.do(t, http.MethodPost, "/api/groups/g1/read", "lead", map[string]any{"distanceFromBottom": 10})
	require.Equal(t, http.StatusOK, rr.Code)
	_, payload = f.do(t, http.MethodGet, "/api/groups/g1/messages", "lead", nil)
	assert.EqualValues(t, 0, payload["unread"])

	rr, _ = f.do(t, http.MethodPost, "/api/groups/g1/restricted", "lead", map[string]bool{"restricted": true})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages", "ann", map[string]string{"text": "still here?"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, rbac.ErrRestrictedGroup, payload["error"])

	rr, _ = f.do(t, http.MethodGet, "/api/groups/g1/messages", "admin", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPollOverHTTP(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/groups/g1/polls", "lead", map[string]any{
		"question":      "Which rubric?",
		"options":       []string{"Strict", "Lenient"},
		"isQuiz":        true,
		"correctOption": 1,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	mid := payload["message"].(map[string]any)["id"].(string)

	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages/"+mid+"/vote", "ann", map[string]any{"optionId": 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, _ = f.do(t, http.MethodPost, "/api/groups/g1/messages/"+mid+"/vote", "ann", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, _ = f.do(t, http.MethodPost, "/api/groups/g1/messages/"+mid+"/reveal", "ann", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages/"+mid+"/reveal", "lead", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, payload["poll"].(map[string]any)["isRevealed"])

	rr, payload = f.do(t, http.MethodGet, "/api/groups/g1/messages/"+mid+"/report", "lead", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []any{"ann"}, payload["correct"])
}

func TestGroupsOverHTTP(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/groups", "lead", map[string]string{"name": "Night shift"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	rid := payload["request"].(map[string]any)["id"].(string)

	rr, _ = f.do(t, http.MethodPost, "/api/group-requests/"+rid+"/approve", "ann", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr, payload = f.do(t, http.MethodPost, "/api/group-requests/"+rid+"/approve", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	gid := payload["group"].(map[string]any)["id"].(string)

	rr, _ = f.do(t, http.MethodPost, "/api/groups/"+gid+"/members", "admin", map[string]string{"userId": "ann"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, payload = f.do(t, http.MethodGet, "/api/groups", "ann", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, payload["groups"], 2)

	rr, _ = f.do(t, http.MethodDelete, "/api/groups/"+gid, "lead", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr, _ = f.do(t, http.MethodDelete, "/api/groups/"+gid, "admin", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr, _ = f.do(t, http.MethodGet, "/api/groups/"+gid+"/messages", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExportOverHTTP(t *testing.T) {
	f := setupApp(t, nil)
	rr, _ := f.do(t, http.MethodPost, "/api/groups/g1/messages", "ann", map[string]string{"text": "for the record"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr, payload := f.do(t, http.MethodGet, "/api/groups/g1/export?format=odt", "admin", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, export.CodeUnsupportedFormat, payload["code"])

	rr, _ = f.do(t, http.MethodGet, "/api/groups/g1/export?format=html", "lead", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = f.do(t, http.MethodGet, "/api/groups/g1/export?format=html", "admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "Raters-transcript.html")
	assert.Contains(t, rr.Body.String(), "for the record")
}

func TestSearchWithoutBackend(t *testing.T) {
	f := setupApp(t, nil)
	rr, payload := f.do(t, http.MethodGet, "/api/search?q=hello", "ann", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", payload["code"])
}

func TestUnknownRoute(t *testing.T) {
	f := setupApp(t, nil)
	rr, payload := f.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}

func TestMutationResponsesAreRedactedForCaller(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/groups/g1/messages", "vet", map[string]string{"text": "first draft"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	vetMsg := payload["message"].(map[string]any)["id"].(string)
	rr, _ = f.do(t, http.MethodPatch, "/api/groups/g1/messages/"+vetMsg, "vet", map[string]string{"text": "final wording"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// A low-XP rater reacting gets the masked sender and none of the
	// moderator-only fields.
	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages/"+vetMsg+"/reactions", "ann", map[string]string{"emoji": "👍"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	msg := payload["message"].(map[string]any)
	assert.Equal(t, "Member", msg["senderName"])
	assert.Equal(t, "final wording", msg["text"])
	assert.NotContains(t, msg, "editHistory")
	assert.NotContains(t, msg, "readBy")
	reactions := msg["reactions"].([]any)
	require.Len(t, reactions, 1)
	assert.Equal(t, true, reactions[0].(map[string]any)["mine"])
	assert.Equal(t, "added", payload["outcome"])

	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages", "ann", map[string]string{"text": "oops, wrong group"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	annMsg := payload["message"].(map[string]any)["id"].(string)

	// A leader deleting sees the tombstone, not the deleted text.
	rr, payload = f.do(t, http.MethodDelete, "/api/groups/g1/messages/"+annMsg, "lead", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	msg = payload["message"].(map[string]any)
	assert.Equal(t, true, msg["isDeleted"])
	assert.Equal(t, string(rbac.RoleLeader), msg["deletedByRole"])
	assert.Equal(t, "Ann", msg["senderName"])
	assert.NotContains(t, msg, "text")
	assert.NotContains(t, msg, "deletedBy")
	assert.NotContains(t, msg, "editHistory")

	rr, payload = f.do(t, http.MethodDelete, "/api/groups/g1/messages/"+annMsg, "lead", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, chat.CodeDeleted, payload["code"])
}

func TestPinnedSenderIsMaskedPerViewer(t *testing.T) {
	f := setupApp(t, nil)

	rr, payload := f.do(t, http.MethodPost, "/api/groups/g1/messages", "vet", map[string]string{"text": "rubric v2 is live"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	mid := payload["message"].(map[string]any)["id"].(string)

	rr, payload = f.do(t, http.MethodPost, "/api/groups/g1/messages/"+mid+"/pin", "lead", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Vet", payload["pinned"].(map[string]any)["sender"])

	rr, payload = f.do(t, http.MethodGet, "/api/groups/g1/messages", "ann", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Member", payload["pinned"].(map[string]any)["sender"])

	rr, payload = f.do(t, http.MethodGet, "/api/groups", "ann", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	groups := payload["groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, "Member", groups[0].(map[string]any)["pinned"].(map[string]any)["sender"])

	_, payload = f.do(t, http.MethodGet, "/api/groups/g1/messages", "vet", nil)
	assert.Equal(t, "Vet", payload["pinned"].(map[string]any)["sender"])
}
