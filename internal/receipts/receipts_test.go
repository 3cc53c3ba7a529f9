package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
)

func setupTracker(t *testing.T) (*Tracker, *store.Repo) {
	t.Helper()
	mr := miniredis.RunT(t)
	ts, err := tree.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	repo := store.NewRepo(ts)
	return NewTracker(repo, nil), repo
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func msg(id, sender string, offset time.Duration) store.Message {
	return store.Message{ID: id, GroupID: "g1", SenderID: sender, Type: store.TypeText, Text: id, CreatedAt: base.Add(offset)}
}

func TestShouldMarkRead(t *testing.T) {
	tests := []struct {
		distance float64
		jumped   bool
		want     bool
	}{
		{0, false, true},
		{200, false, true},
		{200.5, false, false},
		{1500, false, false},
		{1500, true, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldMarkRead(tt.distance, tt.jumped), "distance=%v jumped=%v", tt.distance, tt.jumped)
	}
}

func TestUnreadCountIgnoresOwnMessages(t *testing.T) {
	msgs := []store.Message{
		msg("m1", "ann", 0),
		msg("m2", "bo", time.Minute),
		msg("m3", "me", 2*time.Minute),
		msg("m4", "bo", 3*time.Minute),
	}
	assert.Equal(t, 2, UnreadCount(msgs, "me", base))
	assert.Equal(t, 3, UnreadCount(msgs, "me", time.Time{}))
	assert.Equal(t, 0, UnreadCount(msgs, "me", base.Add(time.Hour)))
}

func TestDeliveryStatus(t *testing.T) {
	members := []string{"me", "ann", "bo"}
	m := msg("m1", "me", 0)

	assert.Equal(t, Delivered, DeliveryStatus(m, members))

	m.ReadBy = map[string]time.Time{"ann": base}
	assert.Equal(t, ReadBySome, DeliveryStatus(m, members))

	m.ReadBy["bo"] = base
	assert.Equal(t, ReadByAll, DeliveryStatus(m, members))

	// A reader who left the group no longer counts.
	assert.Equal(t, ReadByAll, DeliveryStatus(m, []string{"me", "ann"}))
	assert.Equal(t, Delivered, DeliveryStatus(m, []string{"me"}))
}

func TestMarkReadIsForwardOnly(t *testing.T) {
	tracker, repo := setupTracker(t)
	ctx := context.Background()
	for _, m := range []store.Message{msg("m1", "ann", 0), msg("m2", "me", time.Minute)} {
		require.NoError(t, repo.PutMessage(ctx, m))
	}

	watermark, err := tracker.BeginSession(ctx, "me", "g1")
	require.NoError(t, err)
	assert.True(t, watermark.IsZero())

	later := base.Add(time.Hour)
	got, err := tracker.MarkRead(ctx, "me", "g1", later)
	require.NoError(t, err)
	assert.True(t, got.Equal(later))

	got, err = tracker.MarkRead(ctx, "me", "g1", base)
	require.NoError(t, err)
	assert.True(t, got.Equal(later), "an older mark never moves the watermark back")

	stored, err := tracker.BeginSession(ctx, "me", "g1")
	require.NoError(t, err)
	assert.True(t, stored.Equal(later))

	m1, err := repo.GetMessage(ctx, "g1", "m1")
	require.NoError(t, err)
	assert.Contains(t, m1.ReadBy, "me")
	m2, err := repo.GetMessage(ctx, "g1", "m2")
	require.NoError(t, err)
	assert.NotContains(t, m2.ReadBy, "me", "own messages are not stamped")
}

func TestUnreadByGroup(t *testing.T) {
	tracker, repo := setupTracker(t)
	ctx := context.Background()
	for _, m := range []store.Message{msg("m1", "ann", 0), msg("m2", "ann", time.Minute)} {
		require.NoError(t, repo.PutMessage(ctx, m))
	}
	other := msg("x1", "bo", 0)
	other.GroupID = "g2"
	require.NoError(t, repo.PutMessage(ctx, other))

	_, err := tracker.MarkRead(ctx, "me", "g2", base.Add(time.Hour))
	require.NoError(t, err)

	counts, err := tracker.UnreadByGroup(ctx, "me", []string{"g1", "g2", "empty"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"g1": 2, "g2": 0, "empty": 0}, counts)
}
