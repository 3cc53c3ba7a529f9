package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raterhub/api/internal/rbac"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/store"
)

var t0 = time.Date(2026, 4, 10, 14, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func viewSnapshot() Snapshot {
	bo := store.Principal{ID: "bo", DisplayName: "Bo", Role: rbac.RoleRater, XP: 150}
	lead := store.Principal{ID: "lead", DisplayName: "Lena", Role: rbac.RoleLeader}
	ann := store.Principal{ID: "ann", DisplayName: "Ann", Role: rbac.RoleRater, XP: 50}
	msg := func(id string, p store.Principal, minute int, text string) store.Message {
		return store.Message{ID: id, GroupID: "g1", SenderID: p.ID, SenderName: p.DisplayName, SenderRole: p.Role, Type: store.TypeText, Text: text, CreatedAt: at(minute)}
	}

	m2 := msg("m2", bo, 1, "second take")
	m2.IsEdited = true
	m2.EditHistory = []store.EditEntry{{At: at(2), Text: "first take"}}

	m3 := msg("m3", ann, 2, "my note")
	m3.ReadBy = map[string]time.Time{"bo": at(3)}
	m3.ReplyTo = &store.ReplyRef{ID: "m1", Text: "apple pie", Sender: "bo", SenderID: "bo", SenderRole: rbac.RoleRater}

	m5 := msg("m5", bo, 4, "")
	m5.Type = store.TypeFile
	m5.FileName = "Guidelines.pdf"
	m5.Reactions = map[string]map[string]bool{"👍": {"ann": true, "lead": true}, "🔥": {"bo": true}}

	m6 := msg("m6", lead, 5, "secret")
	m6.IsDeleted = true
	m6.DeletedBy = "lead"
	m6.DeletedByRole = rbac.RoleLeader

	m7 := msg("m7", lead, 6, "Which rubric?")
	m7.Type = store.TypePoll

	return Snapshot{
		Group: store.Group{
			ID:            "g1",
			Name:          "Raters",
			Members:       map[string]bool{"ann": true, "bo": true, "lead": true},
			PinnedMessage: &store.PinnedSummary{ID: "m1", Text: "apple pie", Sender: "Bo", SenderID: "bo", SenderRole: rbac.RoleRater},
		},
		Messages: []store.Message{
			msg("m1", bo, 0, "Apple pie"),
			m2,
			m3,
			msg("m4", bo, 3, "fresh"),
			m5,
			m6,
			m7,
		},
		Polls: map[string]store.PollState{
			"m7": {
				Question:  "Which rubric?",
				Options:   []store.PollOption{{ID: 0, Text: "A", VoteCount: 1}, {ID: 1, Text: "B"}},
				Votes:     map[string]int{"bo": 0},
				CreatorID: "lead",
			},
		},
		Typing:  map[string]string{"bo": "Bo", "ann": "Ann"},
		Members: map[string]store.Principal{"ann": ann, "bo": bo, "lead": lead},
	}
}

func itemsByID(v View) map[string]Item {
	out := make(map[string]Item, len(v.Items))
	for _, it := range v.Items {
		out[it.ID] = it
	}
	return out
}

func TestBuildViewDividerAndGrouping(t *testing.T) {
	snap := viewSnapshot()
	ann := snap.Members["ann"]
	v := BuildView(snap, ann, ViewOptions{Watermark: at(2).Add(30 * time.Second)})

	require.Len(t, v.Items, 7)
	dividers := 0
	for _, it := range v.Items {
		if it.DividerBefore {
			dividers++
		}
	}
	assert.Equal(t, 1, dividers)

	items := itemsByID(v)
	assert.False(t, items["m1"].GroupWithPrevious)
	assert.True(t, items["m2"].GroupWithPrevious)
	assert.False(t, items["m3"].GroupWithPrevious)
	assert.True(t, items["m4"].DividerBefore)
	assert.False(t, items["m4"].GroupWithPrevious, "the divider breaks a run")
	assert.True(t, items["m5"].GroupWithPrevious)
	assert.False(t, items["m6"].GroupWithPrevious)
	assert.True(t, items["m7"].GroupWithPrevious)

	assert.Equal(t, 4, v.Unread)
	assert.Equal(t, 0, BuildView(snap, ann, ViewOptions{Watermark: at(2), ReadMark: at(10)}).Unread,
		"the live read mark drives the count, the session watermark the divider")
}

func TestBuildViewDividerIgnoresOwnMessages(t *testing.T) {
	snap := viewSnapshot()
	v := BuildView(snap, snap.Members["ann"], ViewOptions{Watermark: at(1).Add(30 * time.Second)})
	items := itemsByID(v)
	assert.False(t, items["m3"].DividerBefore)
	assert.True(t, items["m4"].DividerBefore)
}

func TestBuildViewMaskingFollowsViewerXP(t *testing.T) {
	snap := viewSnapshot()
	ann := snap.Members["ann"]

	items := itemsByID(BuildView(snap, ann, ViewOptions{}))
	assert.Equal(t, "Member", items["m1"].SenderName)
	assert.Equal(t, "Lena", items["m7"].SenderName, "leaders are never masked")
	assert.Equal(t, "Ann", items["m3"].SenderName)
	assert.Equal(t, "Member", items["m3"].ReplyTo.Sender)

	ann.XP = 100
	items = itemsByID(BuildView(snap, ann, ViewOptions{}))
	assert.Equal(t, "Bo", items["m1"].SenderName)
	assert.Equal(t, "bo", items["m3"].ReplyTo.Sender)

	v := BuildView(snap, snap.Members["ann"], ViewOptions{})
	assert.Equal(t, []string{"Member"}, v.Typing, "own typing entry hidden, others masked")
}

func TestBuildViewDeletedAndHistory(t *testing.T) {
	snap := viewSnapshot()

	rater := itemsByID(BuildView(snap, snap.Members["ann"], ViewOptions{}))
	assert.True(t, rater["m6"].IsDeleted)
	assert.Empty(t, rater["m6"].Text)
	assert.False(t, rater["m6"].AdminView)
	assert.Empty(t, rater["m6"].DeletedBy)
	assert.Equal(t, rbac.RoleLeader, rater["m6"].DeletedByRole)
	assert.Empty(t, rater["m2"].EditHistory)
	assert.True(t, rater["m2"].IsEdited)

	coAdmin := store.Principal{ID: "co", Role: rbac.RoleCoAdmin}
	co := itemsByID(BuildView(snap, coAdmin, ViewOptions{}))
	assert.Empty(t, co["m6"].Text, "deleted content is for admins only")
	require.Len(t, co["m2"].EditHistory, 1)
	assert.Equal(t, "first take", co["m2"].EditHistory[0].Text)

	admin := store.Principal{ID: "root", Role: rbac.RoleAdmin}
	ad := itemsByID(BuildView(snap, admin, ViewOptions{}))
	assert.Equal(t, "secret", ad["m6"].Text)
	assert.True(t, ad["m6"].AdminView)
	assert.Equal(t, "lead", ad["m6"].DeletedBy)
	assert.False(t, ad["m6"].CanDelete)
}

func TestBuildViewDeliveryCapsAndReactions(t *testing.T) {
	snap := viewSnapshot()
	ann := snap.Members["ann"]
	v := BuildView(snap, ann, ViewOptions{})
	items := itemsByID(v)

	assert.Equal(t, receipts.ReadBySome, items["m3"].Delivery)
	assert.Empty(t, items["m1"].Delivery, "ticks only on own messages")
	assert.True(t, items["m3"].CanEdit)
	assert.False(t, items["m3"].CanDelete, "ann is below 100 XP")
	assert.False(t, items["m1"].CanEdit)

	assert.Equal(t, []ReactionView{
		{Emoji: "👍", Count: 2, Mine: true},
		{Emoji: "🔥", Count: 1},
	}, items["m5"].Reactions)

	require.NotNil(t, items["m7"].Poll)
	assert.Nil(t, items["m7"].Poll.Options[0].VoteCount, "tallies hidden before voting")
	assert.True(t, items["m7"].Poll.CanVote)

	lead := itemsByID(BuildView(snap, snap.Members["lead"], ViewOptions{}))
	require.NotNil(t, lead["m7"].Poll.Options[0].VoteCount)
	assert.Equal(t, 1, *lead["m7"].Poll.Options[0].VoteCount)
	assert.True(t, lead["m1"].CanDelete)

	assert.True(t, v.CanSend)
	assert.False(t, v.CanPin)
	assert.False(t, v.CanCreatePoll)
	assert.Zero(t, v.MemberCount, "group details need 100 XP")
	assert.Equal(t, "m1", v.Pinned.ID)
	assert.Equal(t, "Member", v.Pinned.Sender, "ann is below the unmask threshold")
	assert.Equal(t, "Bo", BuildView(snap, snap.Members["bo"], ViewOptions{}).Pinned.Sender)
	assert.Equal(t, "Bo", snap.Group.PinnedMessage.Sender, "stored summary is not rewritten")
}

func TestItemForMatchesViewRedaction(t *testing.T) {
	snap := viewSnapshot()
	ann := snap.Members["ann"]
	inView := itemsByID(BuildView(snap, ann, ViewOptions{}))

	for _, m := range snap.Messages {
		var state *store.PollState
		if ps, ok := snap.Polls[m.ID]; ok {
			state = &ps
		}
		got := ItemFor(m, ann, snap.Group, state)
		want := inView[m.ID]
		want.GroupWithPrevious = false
		want.DividerBefore = false
		assert.Equal(t, want, got, m.ID)
	}
}

func TestBuildViewFilters(t *testing.T) {
	snap := viewSnapshot()
	ann := snap.Members["ann"]

	ids := func(v View) []string {
		out := make([]string, len(v.Items))
		for i, it := range v.Items {
			out[i] = it.ID
		}
		return out
	}

	assert.Equal(t, []string{"m1"}, ids(BuildView(snap, ann, ViewOptions{Search: "APPLE"})))
	assert.Equal(t, []string{"m5"}, ids(BuildView(snap, ann, ViewOptions{Search: "guidelines"})))
	assert.Equal(t, []string{"m7"}, ids(BuildView(snap, ann, ViewOptions{Search: "rubric"})))
	assert.Empty(t, ids(BuildView(snap, ann, ViewOptions{Search: "secret"})), "deleted text is not searchable")
	assert.Equal(t, []string{"m6"}, ids(BuildView(snap, store.Principal{ID: "root", Role: rbac.RoleAdmin}, ViewOptions{Search: "secret"})))

	starred := BuildView(snap, ann, ViewOptions{StarredOnly: true, Starred: map[string]bool{"m2": true, "m4": true}, Watermark: at(2)})
	assert.Equal(t, []string{"m2", "m4"}, ids(starred))
	assert.True(t, starred.Items[0].Starred)
	assert.True(t, starred.Items[1].DividerBefore)
}
