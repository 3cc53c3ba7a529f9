package rbac

import (
	"testing"

	"raterhub/api/internal/apperr"
)

func TestLevelOrdering(t *testing.T) {
	order := []Role{RoleAdmin, RoleCoAdmin, RoleAssistantAdmin, RoleLeader, RoleRater, RoleUnset}
	for i := 1; i < len(order); i++ {
		if Level(order[i-1]) <= Level(order[i]) {
			t.Fatalf("%q should outrank %q", order[i-1], order[i])
		}
	}
	if Level(RoleLeader) != Level(RoleGroupLeader) {
		t.Fatal("leader and group_leader share a level")
	}
	if !IsManager(RoleGroupLeader) || IsManager(RoleRater) {
		t.Fatal("manager boundary is level 50")
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"admin":        RoleAdmin,
		" Co_Admin ":   RoleCoAdmin,
		"group_leader": RoleGroupLeader,
		"superuser":    RoleUnset,
		"":             RoleUnset,
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanDeleteMessage(t *testing.T) {
	cases := []struct {
		name    string
		actor   Subject
		message MessageScope
		allow   bool
	}{
		{name: "rater own below xp", actor: Subject{ID: "u1", Role: RoleRater, XP: 99}, message: MessageScope{SenderID: "u1", SenderRole: RoleRater}, allow: false},
		{name: "rater own at xp", actor: Subject{ID: "u1", Role: RoleRater, XP: 100}, message: MessageScope{SenderID: "u1", SenderRole: RoleRater}, allow: true},
		{name: "rater other", actor: Subject{ID: "u1", Role: RoleRater, XP: 5000}, message: MessageScope{SenderID: "u2", SenderRole: RoleRater}, allow: false},
		{name: "leader deletes rater", actor: Subject{ID: "l", Role: RoleLeader}, message: MessageScope{SenderID: "u2", SenderRole: RoleRater}, allow: true},
		{name: "leader deletes leader", actor: Subject{ID: "l", Role: RoleLeader}, message: MessageScope{SenderID: "l2", SenderRole: RoleGroupLeader}, allow: false},
		{name: "leader deletes admin", actor: Subject{ID: "l", Role: RoleLeader}, message: MessageScope{SenderID: "a", SenderRole: RoleAdmin}, allow: false},
		{name: "co_admin deletes admin", actor: Subject{ID: "c", Role: RoleCoAdmin}, message: MessageScope{SenderID: "a", SenderRole: RoleAdmin}, allow: false},
		{name: "assistant deletes admin", actor: Subject{ID: "s", Role: RoleAssistantAdmin}, message: MessageScope{SenderID: "a", SenderRole: RoleAdmin}, allow: false},
		{name: "co_admin deletes assistant", actor: Subject{ID: "c", Role: RoleCoAdmin}, message: MessageScope{SenderID: "s", SenderRole: RoleAssistantAdmin}, allow: true},
		{name: "admin deletes admin", actor: Subject{ID: "a", Role: RoleAdmin}, message: MessageScope{SenderID: "a2", SenderRole: RoleAdmin}, allow: true},
		{name: "admin own", actor: Subject{ID: "a", Role: RoleAdmin}, message: MessageScope{SenderID: "a", SenderRole: RoleAdmin}, allow: true},
		{name: "already deleted", actor: Subject{ID: "a", Role: RoleAdmin}, message: MessageScope{SenderID: "u", SenderRole: RoleRater, IsDeleted: true}, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := CanDeleteMessage(tc.actor, tc.message)
			if got != tc.allow {
				t.Fatalf("CanDeleteMessage = %v (%s), want %v", got, reason, tc.allow)
			}
			if !got && reason == "" {
				t.Fatal("a refusal must carry a reason")
			}
		})
	}
}

func TestCanEditMessage(t *testing.T) {
	me := Subject{ID: "u1", Role: RoleRater}
	cases := []struct {
		name  string
		msg   MessageScope
		allow bool
	}{
		{name: "own text", msg: MessageScope{SenderID: "u1", Type: "text"}, allow: true},
		{name: "own legacy", msg: MessageScope{SenderID: "u1"}, allow: true},
		{name: "own image", msg: MessageScope{SenderID: "u1", Type: "image"}, allow: false},
		{name: "own deleted", msg: MessageScope{SenderID: "u1", Type: "text", IsDeleted: true}, allow: false},
		{name: "other", msg: MessageScope{SenderID: "u2", Type: "text"}, allow: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, _ := CanEditMessage(me, tc.msg); got != tc.allow {
				t.Fatalf("got %v, want %v", got, tc.allow)
			}
		})
	}
}

func TestResolveGroupCapabilities(t *testing.T) {
	restricted := &GroupScope{IsMember: true, Restricted: true}
	open := &GroupScope{IsMember: true}

	rich := Resolve(Subject{ID: "r", Role: RoleRater, XP: 10000}, restricted, nil)
	if rich.SendMessage || rich.CreatePoll {
		t.Fatal("restricted group refuses non-managers regardless of XP")
	}

	leader := Resolve(Subject{ID: "l", Role: RoleLeader}, restricted, nil)
	if !leader.SendMessage || !leader.Pin || !leader.ToggleRestricted || !leader.CreatePoll {
		t.Fatalf("leader should send, pin, toggle and poll: %+v", leader)
	}

	novice := Resolve(Subject{ID: "r", Role: RoleRater, XP: 499}, open, nil)
	if !novice.SendMessage || novice.CreatePoll || novice.Pin {
		t.Fatalf("unexpected rater caps: %+v", novice)
	}
	veteran := Resolve(Subject{ID: "r", Role: RoleRater, XP: 500}, open, nil)
	if !veteran.CreatePoll {
		t.Fatal("rater with 500 XP may create polls")
	}
}

func TestGroupVisibility(t *testing.T) {
	cases := []struct {
		role   Role
		member bool
		want   bool
	}{
		{RoleAdmin, false, true},
		{RoleAssistantAdmin, false, true},
		{RoleCoAdmin, false, false},
		{RoleLeader, false, false},
		{RoleRater, true, true},
	}
	for _, tc := range cases {
		if got := CanViewGroup(Subject{Role: tc.role}, tc.member); got != tc.want {
			t.Errorf("CanViewGroup(%q, member=%v) = %v, want %v", tc.role, tc.member, got, tc.want)
		}
	}
	caps := Resolve(Subject{ID: "c", Role: RoleCoAdmin}, &GroupScope{}, nil)
	if caps.SendMessage {
		t.Fatal("cannot send to an invisible group")
	}
}

func TestDisplayNameMasking(t *testing.T) {
	masked := Subject{ID: "viewer", Role: RoleRater, XP: 99}
	cases := []struct {
		role Role
		want string
	}{
		{RoleAdmin, "Admin"},
		{RoleCoAdmin, "Task Expert"},
		{RoleAssistantAdmin, "Task Expert"},
		{RoleLeader, "Dana"},
		{RoleGroupLeader, "Dana"},
		{RoleRater, "Member"},
		{RoleUnset, "Member"},
	}
	for _, tc := range cases {
		if got := DisplayName(masked, "sender", tc.role, "Dana"); got != tc.want {
			t.Errorf("masked view of %q = %q, want %q", tc.role, got, tc.want)
		}
	}

	unmasked := Subject{ID: "viewer", Role: RoleRater, XP: 100}
	if got := DisplayName(unmasked, "sender", RoleAdmin, "Dana"); got != "Dana" {
		t.Errorf("XP 100 should unmask, got %q", got)
	}
	if got := DisplayName(masked, "viewer", RoleRater, "Me"); got != "Me" {
		t.Errorf("own messages are never masked, got %q", got)
	}
	if got := DisplayName(Subject{ID: "l", Role: RoleLeader}, "s", RoleAdmin, "Dana"); got != "Dana" {
		t.Errorf("managers see identities, got %q", got)
	}
}

func TestPollCapabilities(t *testing.T) {
	poll := &MessageScope{SenderID: "creator", SenderRole: RoleRater, Type: "poll", PollCreatorID: "creator"}

	creator := Resolve(Subject{ID: "creator", Role: RoleRater}, nil, poll)
	if !creator.RevealPoll || !creator.SeePollReport {
		t.Fatal("creator may reveal and see the report")
	}
	leader := Resolve(Subject{ID: "l", Role: RoleLeader}, nil, poll)
	if leader.RevealPoll || !leader.SeePollReport {
		t.Fatalf("leader sees the report but cannot reveal: %+v", leader)
	}
	assistant := Resolve(Subject{ID: "a", Role: RoleAssistantAdmin}, nil, poll)
	if !assistant.RevealPoll {
		t.Fatal("admin tier may reveal")
	}
	rater := Resolve(Subject{ID: "x", Role: RoleRater, XP: 9999}, nil, poll)
	if rater.RevealPoll || rater.SeePollReport {
		t.Fatal("other raters cannot reveal or see reports")
	}
}

func TestCanRemoveMember(t *testing.T) {
	if ok, _ := CanRemoveMember(Subject{ID: "l", Role: RoleLeader}, "r", RoleRater); !ok {
		t.Error("leader removes rater")
	}
	if ok, _ := CanRemoveMember(Subject{ID: "l", Role: RoleLeader}, "g", RoleGroupLeader); ok {
		t.Error("leader cannot remove an equal")
	}
	if ok, _ := CanRemoveMember(Subject{ID: "a", Role: RoleAdmin}, "a", RoleAdmin); ok {
		t.Error("nobody removes themself")
	}
	if ok, _ := CanRemoveMember(Subject{ID: "r", Role: RoleRater, XP: 9000}, "u", RoleUnset); ok {
		t.Error("non-managers cannot remove members")
	}
}

func TestRequire(t *testing.T) {
	if err := Require(true, "nope"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	err := Require(false, ErrRestrictedGroup)
	if !apperr.Is(err, apperr.KindPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestHighTierReactor(t *testing.T) {
	for _, role := range []Role{RoleAdmin, RoleCoAdmin, RoleLeader, RoleGroupLeader} {
		if !IsHighTierReactor(role) {
			t.Errorf("%q should be high tier", role)
		}
	}
	for _, role := range []Role{RoleAssistantAdmin, RoleRater, RoleUnset} {
		if IsHighTierReactor(role) {
			t.Errorf("%q should not be high tier", role)
		}
	}
}
