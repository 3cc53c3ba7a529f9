package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/xp"
)

type engineFixture struct {
	engine *Engine
	repo   *store.Repo
}

func setupEngine(t *testing.T) engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	ts, err := tree.New("redis://"+mr.Addr(), tree.WithMaxRetries(100))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	repo := store.NewRepo(ts)
	ctx := context.Background()
	for _, p := range []store.Principal{
		{ID: "creator", Role: rbac.RoleRater, XP: 600, Status: store.StatusActive},
		{ID: "ann", Role: rbac.RoleRater, XP: 0, Status: store.StatusActive},
		{ID: "bo", Role: rbac.RoleRater, XP: 5, Status: store.StatusActive},
		{ID: "lead", Role: rbac.RoleLeader, Status: store.StatusActive},
		{ID: "outsider", Role: rbac.RoleRater, Status: store.StatusActive},
	} {
		require.NoError(t, repo.PutPrincipal(ctx, p))
	}
	require.NoError(t, repo.PutGroup(ctx, store.Group{
		ID:      "g1",
		Name:    "Raters",
		Members: map[string]bool{"creator": true, "ann": true, "bo": true, "lead": true},
	}))
	return engineFixture{engine: NewEngine(repo, xp.NewLedger(repo, nil), nil, nil), repo: repo}
}

func (f engineFixture) seedPoll(t *testing.T, mid string, in CreateInput) {
	t.Helper()
	state, err := New(in, "creator")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, f.repo.Tree().Update(ctx, map[string]any{
		tree.Message("g1", mid): store.Message{ID: mid, GroupID: "g1", SenderID: "creator", SenderRole: rbac.RoleRater, Type: store.TypePoll, CreatedAt: time.Now()},
		tree.Poll("g1", mid):    state,
	}))
}

func (f engineFixture) principal(t *testing.T, uid string) store.Principal {
	t.Helper()
	p, err := f.repo.GetPrincipal(context.Background(), uid)
	require.NoError(t, err)
	return p
}

func TestConcurrentVotesOnTwoOptions(t *testing.T) {
	f := setupEngine(t)
	f.seedPoll(t, "m1", CreateInput{Question: "A or B?", Options: []string{"A", "B"}})
	ctx := context.Background()

	ann, bo := f.principal(t, "ann"), f.principal(t, "bo")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.engine.Vote(ctx, ann, "g1", "m1", 0)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.engine.Vote(ctx, bo, "g1", "m1", 1)
		assert.NoError(t, err)
	}()
	wg.Wait()

	state, err := f.repo.GetPoll(ctx, "g1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Options[0].VoteCount)
	assert.Equal(t, 1, state.Options[1].VoteCount)
	assert.Len(t, state.Votes, 2)
	require.NoError(t, CheckInvariant(state))

	// Non-quiz first votes are worth 2 XP each.
	assert.Equal(t, 2, f.principal(t, "ann").XP)
	assert.Equal(t, 7, f.principal(t, "bo").XP)
}

func TestRepeatVoteIsIdempotentAndGrantsOnce(t *testing.T) {
	f := setupEngine(t)
	f.seedPoll(t, "m1", CreateInput{Question: "Q", Options: []string{"A", "B"}})
	ctx := context.Background()
	ann := f.principal(t, "ann")

	first, err := f.engine.Vote(ctx, ann, "g1", "m1", 1)
	require.NoError(t, err)
	second, err := f.engine.Vote(ctx, ann, "g1", "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, second.Outcome)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, 2, f.principal(t, "ann").XP)

	_, err = f.engine.Vote(ctx, ann, "g1", "m1", 0)
	assert.Equal(t, CodeVoteChangeBlocked, apperr.CodeOf(err))
}

func TestQuizVoteXP(t *testing.T) {
	f := setupEngine(t)
	f.seedPoll(t, "q1", CreateInput{Question: "2+2", Options: []string{"4", "5"}, IsQuiz: true, CorrectOption: intPtr(0)})
	ctx := context.Background()

	res, err := f.engine.Vote(ctx, f.principal(t, "ann"), "g1", "q1", 0)
	require.NoError(t, err)
	assert.Equal(t, xp.QuizCorrect, res.XPDelta)

	res, err = f.engine.Vote(ctx, f.principal(t, "bo"), "g1", "q1", 1)
	require.NoError(t, err)
	assert.Equal(t, xp.QuizWrong, res.XPDelta)

	assert.Equal(t, 10, f.principal(t, "ann").XP)
	assert.Equal(t, 4, f.principal(t, "bo").XP)
}

func TestVoteRequiresMembership(t *testing.T) {
	f := setupEngine(t)
	f.seedPoll(t, "m1", CreateInput{Question: "Q", Options: []string{"A", "B"}})

	_, err := f.engine.Vote(context.Background(), f.principal(t, "outsider"), "g1", "m1", 0)
	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
}

func TestRevealPermissionsAndReport(t *testing.T) {
	f := setupEngine(t)
	f.seedPoll(t, "q1", CreateInput{Question: "2+2", Options: []string{"4", "5"}, IsQuiz: true, CorrectOption: intPtr(0)})
	ctx := context.Background()
	_, _ = f.engine.Vote(ctx, f.principal(t, "ann"), "g1", "q1", 0)
	_, _ = f.engine.Vote(ctx, f.principal(t, "bo"), "g1", "q1", 1)

	// A leader is not the creator and not admin-tier.
	_, err := f.engine.Reveal(ctx, f.principal(t, "lead"), "g1", "q1")
	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))

	state, err := f.engine.Reveal(ctx, f.principal(t, "creator"), "g1", "q1")
	require.NoError(t, err)
	assert.True(t, state.IsRevealed)
	_, err = f.engine.Reveal(ctx, f.principal(t, "creator"), "g1", "q1")
	require.NoError(t, err)

	_, err = f.engine.Report(ctx, f.principal(t, "ann"), "g1", "q1")
	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))

	report, err := f.engine.Report(ctx, f.principal(t, "lead"), "g1", "q1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann"}, report.Correct)
	assert.Equal(t, []string{"bo"}, report.Wrong)

	_, err = f.engine.Vote(ctx, f.principal(t, "lead"), "g1", "q1", 0)
	assert.Equal(t, CodePollClosed, apperr.CodeOf(err))
}
