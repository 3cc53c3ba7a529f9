package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
)

type fakeBackend struct {
	name    string
	healthy bool
	err     error
	results []Result

	mu       sync.Mutex
	queries  []Query
	upserted []MessageRecord
}

func (f *fakeBackend) Name() string  { return f.name }
func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) Search(ctx context.Context, q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, 0, f.err
	}
	out := append([]Result(nil), f.results...)
	return out, len(out), nil
}

func (f *fakeBackend) Upsert(ctx context.Context, records []MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, records...)
	return f.err
}

func (f *fakeBackend) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessageRecord(nil), f.upserted...), nil
}

var groups = []store.Group{
	{ID: "g1", Members: map[string]bool{"ann": true}},
	{ID: "g2", Members: map[string]bool{"bo": true}},
}

func hits() []Result {
	return []Result{
		{MessageID: "m1", GroupID: "g1", SenderID: "bo", SenderName: "Bo", SenderRole: rbac.RoleRater, Snippet: "rubric <mark>update</mark>"},
		{MessageID: "m2", GroupID: "g1", SenderID: "lead", SenderName: "Lena", SenderRole: rbac.RoleLeader, Snippet: "update soon"},
	}
}

func TestSearchRestrictsToVisibleGroups(t *testing.T) {
	primary := &fakeBackend{name: "meilisearch", healthy: true, results: hits()}
	svc := NewService(primary, &fakeBackend{name: "postgres", healthy: true}, nil)
	ann := store.Principal{ID: "ann", Role: rbac.RoleRater, XP: 10}

	resp, err := svc.Search(context.Background(), ann, "  update ", groups)
	require.NoError(t, err)
	require.Len(t, primary.queries, 1)
	assert.Equal(t, []string{"g1"}, primary.queries[0].GroupIDs)
	assert.False(t, primary.queries[0].IncludeDeleted)
	assert.Equal(t, "update", resp.Query)
	assert.Equal(t, "meilisearch", resp.Backend)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Member", resp.Results[0].SenderName, "low-XP viewers see masked names")
	assert.Equal(t, "Lena", resp.Results[1].SenderName)

	admin := store.Principal{ID: "root", Role: rbac.RoleAdmin}
	_, err = svc.Search(context.Background(), admin, "update", groups)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, primary.queries[1].GroupIDs)
	assert.True(t, primary.queries[1].IncludeDeleted)
}

func TestSearchEmptyInputs(t *testing.T) {
	primary := &fakeBackend{name: "meilisearch", healthy: true, results: hits()}
	svc := NewService(primary, nil, nil)
	outsider := store.Principal{ID: "zed", Role: rbac.RoleRater}

	resp, err := svc.Search(context.Background(), outsider, "update", groups)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	resp, err = svc.Search(context.Background(), store.Principal{ID: "ann"}, "   ", groups)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, primary.queries)
}

func TestSearchFallsBack(t *testing.T) {
	ann := store.Principal{ID: "ann", Role: rbac.RoleRater, XP: 200}
	fallback := &fakeBackend{name: "postgres", healthy: true, results: hits()[:1]}

	t.Run("primary error", func(t *testing.T) {
		primary := &fakeBackend{name: "meilisearch", healthy: true, err: errors.New("timeout")}
		resp, err := NewService(primary, fallback, nil).Search(context.Background(), ann, "update", groups)
		require.NoError(t, err)
		assert.Equal(t, "postgres", resp.Backend)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "Bo", resp.Results[0].SenderName)
	})

	t.Run("primary unhealthy", func(t *testing.T) {
		primary := &fakeBackend{name: "meilisearch", healthy: false}
		resp, err := NewService(primary, fallback, nil).Search(context.Background(), ann, "update", groups)
		require.NoError(t, err)
		assert.Equal(t, "postgres", resp.Backend)
		assert.Empty(t, primary.queries)
	})

	t.Run("everything down", func(t *testing.T) {
		broken := &fakeBackend{name: "postgres", healthy: true, err: errors.New("conn refused")}
		_, err := NewService(nil, broken, nil).Search(context.Background(), ann, "update", groups)
		assert.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable))
	})
}

func TestIndexWritesBothBackends(t *testing.T) {
	primary := &fakeBackend{name: "meilisearch", healthy: true}
	mirror := &fakeBackend{name: "postgres", healthy: true}
	svc := NewService(primary, mirror, nil)

	ctx, cancel := context.WithCancel(context.Background())
	msg := store.Message{ID: "m1", GroupID: "g1", SenderID: "ann", Text: "hello", CreatedAt: time.UnixMilli(1700000000000)}
	svc.Index(ctx, msg)
	cancel()
	svc.Index(context.Background(), store.Message{ID: "s1", GroupID: "g1", Type: store.TypeSystem, Text: "📹 Meeting ended"})
	svc.Index(context.Background(), store.Message{ID: "u1", GroupID: "g1", Type: store.TypeImage, IsUploading: true})
	svc.Wait()

	for _, b := range []*fakeBackend{primary, mirror} {
		require.Len(t, b.upserted, 1, b.name)
		assert.Equal(t, "m1", b.upserted[0].ID)
		assert.Equal(t, int64(1700000000000), b.upserted[0].CreatedAt)
	}

	fresh := &fakeBackend{name: "meilisearch", healthy: true}
	NewService(fresh, mirror, nil).Reindex(context.Background(), mirror)
	require.Len(t, fresh.upserted, 1)
}

func TestMeiliFilter(t *testing.T) {
	assert.Equal(t,
		[]string{`groupId IN ["g1", "g2"]`, "isDeleted = false"},
		meiliFilter(Query{GroupIDs: []string{"g1", "g2"}}))
	assert.Equal(t,
		[]string{`groupId IN ["g\"x"]`},
		meiliFilter(Query{GroupIDs: []string{`g"x`}, IncludeDeleted: true}))
}
