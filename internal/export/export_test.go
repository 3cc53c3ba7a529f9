package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
)

func setupExport(t *testing.T) (*Service, *store.Repo) {
	t.Helper()
	mr := miniredis.RunT(t)
	ts, err := tree.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	repo := store.NewRepo(ts)
	ctx := context.Background()
	for _, p := range []store.Principal{
		{ID: "admin", DisplayName: "Root", Role: rbac.RoleAdmin, Status: store.StatusActive},
		{ID: "asst", DisplayName: "Assistant", Role: rbac.RoleAssistantAdmin, Status: store.StatusActive},
		{ID: "lead", DisplayName: "Lena", Role: rbac.RoleLeader, Status: store.StatusActive},
		{ID: "ann", DisplayName: "Ann", Role: rbac.RoleRater, XP: 20, Status: store.StatusActive},
	} {
		require.NoError(t, repo.PutPrincipal(ctx, p))
	}
	require.NoError(t, repo.PutGroup(ctx, store.Group{
		ID:      "g1",
		Name:    "Raters",
		Members: map[string]bool{"lead": true, "ann": true},
	}))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	correct := 1
	for _, m := range []store.Message{
		{
			ID: "m1", GroupID: "g1", SenderID: "ann", SenderName: "Ann", SenderRole: rbac.RoleRater,
			Text: "final wording", IsEdited: true, CreatedAt: base,
			EditHistory: []store.EditEntry{{At: base.Add(time.Minute), Text: "first draft"}},
			Reactions:   map[string]map[string]bool{"👍": {"lead": true, "ann": true}},
		},
		{
			ID: "m2", GroupID: "g1", SenderID: "ann", SenderName: "Ann", SenderRole: rbac.RoleRater,
			Text: "regret this", IsDeleted: true, DeletedBy: "lead", DeletedByRole: rbac.RoleLeader,
			CreatedAt: base.Add(2 * time.Minute),
		},
		{
			ID: "m3", GroupID: "g1", SenderID: "lead", SenderName: "Lena", SenderRole: rbac.RoleLeader,
			Type: "poll", Text: "Which rubric?", CreatedAt: base.Add(3 * time.Minute),
		},
		{
			ID: "m4", GroupID: "g1", SenderID: "ann", SenderName: "Ann", SenderRole: rbac.RoleRater,
			Type: "file", FileName: "half.pdf", IsUploading: true, CreatedAt: base.Add(4 * time.Minute),
		},
	} {
		require.NoError(t, repo.PutMessage(ctx, m))
	}
	require.NoError(t, ts.Set(ctx, tree.Poll("g1", "m3"), store.PollState{
		Question:        "Which rubric?",
		Options:         []store.PollOption{{ID: 0, Text: "Strict", VoteCount: 1}, {ID: 1, Text: "Lenient", VoteCount: 2}},
		IsQuiz:          true,
		CorrectOptionID: &correct,
		IsRevealed:      true,
		CreatorID:       "lead",
	}))

	return NewService(repo, nil), repo
}

func principal(t *testing.T, repo *store.Repo, uid string) store.Principal {
	t.Helper()
	p, err := repo.GetPrincipal(context.Background(), uid)
	require.NoError(t, err)
	return p
}

func TestExportRequiresAdminTier(t *testing.T) {
	svc, repo := setupExport(t)
	ctx := context.Background()

	for _, uid := range []string{"lead", "ann"} {
		_, err := svc.Export(ctx, principal(t, repo, uid), "g1", FormatHTML)
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied), uid)
	}

	res, err := svc.Export(ctx, principal(t, repo, "asst"), "g1", FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", res.MimeType)
	assert.Equal(t, "Raters-transcript.html", res.Filename)

	_, err = svc.Export(ctx, principal(t, repo, "admin"), "missing", FormatHTML)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestExportHTMLIncludesFullHistory(t *testing.T) {
	svc, repo := setupExport(t)

	res, err := svc.Export(context.Background(), principal(t, repo, "admin"), "g1", FormatHTML)
	require.NoError(t, err)
	html := string(res.Data)

	assert.Contains(t, html, "final wording")
	assert.Contains(t, html, "first draft")
	assert.Contains(t, html, "regret this")
	assert.Contains(t, html, "deleted by Lena")
	assert.Contains(t, html, "Quiz: Which rubric?")
	assert.Contains(t, html, `<li class="correct">Lenient (2)</li>`)
	assert.Contains(t, html, "👍 2")
	assert.Contains(t, html, "Members: Ann, Lena")
	assert.NotContains(t, html, "half.pdf")
	assert.Equal(t, 3, strings.Count(html, `<div class="msg`))
}

func TestExportUsesRenderers(t *testing.T) {
	svc, repo := setupExport(t)
	ctx := context.Background()
	admin := principal(t, repo, "admin")

	var gotTitle string
	svc.WithRenderers(
		func(_ context.Context, html, title string) (*Result, error) {
			gotTitle = title
			require.Contains(t, html, "final wording")
			return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
		},
		func(context.Context, string, string) (*Result, error) {
			return nil, ErrDOCXDependencyMissing
		},
	)

	res, err := svc.Export(ctx, admin, "g1", FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "Raters transcript", gotTitle)
	assert.Equal(t, []byte("%PDF"), res.Data)

	_, err = svc.Export(ctx, admin, "g1", FormatDOCX)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable))
	assert.True(t, errors.Is(err, ErrDOCXDependencyMissing))

	_, err = svc.Export(ctx, admin, "g1", Format("odt"))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeUnsupportedFormat, ae.Code)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"", FormatPDF, true},
		{"pdf", FormatPDF, true},
		{"docx", FormatDOCX, true},
		{"html", FormatHTML, true},
		{"odt", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Raters-transcript", sanitizeFilename("Raters transcript"))
	assert.Equal(t, "transcript", sanitizeFilename("///"))
	assert.Len(t, sanitizeFilename(strings.Repeat("a", 80)), 50)
}

func TestPercentEncodeForDataURL(t *testing.T) {
	assert.Equal(t, "a%20b%3C%2Fp%3E", percentEncodeForDataURL("a b</p>"))
	assert.Equal(t, "%C3%A9", percentEncodeForDataURL("é"))
}

func TestRenderDOCXWithoutPandoc(t *testing.T) {
	prev := pandocBinary
	pandocBinary = "pandoc-not-installed-raterhub"
	t.Cleanup(func() { pandocBinary = prev })

	_, err := RenderDOCX(context.Background(), "<p>hi</p>", "g1 transcript")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDOCXDependencyMissing))
}
