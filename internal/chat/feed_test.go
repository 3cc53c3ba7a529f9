package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raterhub/api/internal/tree"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want Change
		ok   bool
	}{
		{"groups/g1", Change{Kind: ChangeGroup, GroupID: "g1"}, true},
		{"groups/g1/messages/m1", Change{Kind: ChangeMessage, GroupID: "g1"}, true},
		{"groups/g1/messages/m1/poll", Change{Kind: ChangePoll, GroupID: "g1"}, true},
		{"groups/g1/typing/u1", Change{Kind: ChangeTyping, GroupID: "g1", UserID: "u1"}, true},
		{"status/u1", Change{Kind: ChangePresence, UserID: "u1"}, true},
		{"users/u1", Change{Kind: ChangePrincipal, UserID: "u1"}, true},
		{"users/u1/starredMessages/g1/m1", Change{Kind: ChangeStarred, GroupID: "g1", UserID: "u1"}, true},
		{"users/u1/lastViewed/g1", Change{Kind: ChangeWatermark, GroupID: "g1", UserID: "u1"}, true},
		{"groups", Change{}, false},
		{"groups/g1/messages", Change{}, false},
		{"group_requests/r1", Change{}, false},
		{"users/u1/other", Change{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Classify(tree.Event{Path: tt.path, Op: tree.OpSet})
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				tt.want.Path = tt.path
				tt.want.Op = tree.OpSet
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFeedRebuildsAfterChanges(t *testing.T) {
	f := setupChat(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed, err := f.svc.Feed(ctx, "g1")
	require.NoError(t, err)
	defer feed.Close()

	first := <-feed.Updates()
	require.NoError(t, first.Err)
	assert.Empty(t, first.Changes)
	assert.Empty(t, first.Snapshot.Messages)
	assert.Equal(t, "Raters", first.Snapshot.Group.Name)
	assert.Len(t, first.Snapshot.Members, 5)

	// Changes inside other groups are filtered out.
	f.send(t, "ann", "g3", "elsewhere")
	sent := f.send(t, "ann", "g1", "hello feed")

	var update Update
	kinds := map[ChangeKind]bool{}
	require.Eventually(t, func() bool {
		select {
		case update = <-feed.Updates():
			for _, c := range update.Changes {
				kinds[c.Kind] = true
				assert.NotEqual(t, "g3", c.GroupID)
			}
			return len(update.Snapshot.Messages) == 1 && update.Snapshot.Members["ann"].XP == 52
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, update.Err)
	assert.Equal(t, sent.ID, update.Snapshot.Messages[0].ID)
	assert.True(t, kinds[ChangeMessage])
	assert.True(t, kinds[ChangePrincipal])

	feed.Close()
	for range feed.Updates() {
	}
}
