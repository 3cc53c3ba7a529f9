package rbac

import (
	"strings"

	"raterhub/api/internal/apperr"
)

type Role string

const (
	RoleAdmin          Role = "admin"
	RoleCoAdmin        Role = "co_admin"
	RoleAssistantAdmin Role = "assistant_admin"
	RoleLeader         Role = "leader"
	RoleGroupLeader    Role = "group_leader"
	RoleRater          Role = "rater"
	RoleUnset          Role = ""
)

// ManagerLevel is the lowest level treated as a manager.
const ManagerLevel = 50

// XP thresholds at which non-managers gain capabilities.
const (
	XPDeleteOwnMessage = 100
	XPUnmaskIdentities = 100
	XPSeeGroupDetails  = 100
	XPCreatePoll       = 500
)

const ErrRestrictedGroup = "Only managers can send messages in this group"

var levels = map[Role]int{
	RoleAdmin:          100,
	RoleCoAdmin:        90,
	RoleAssistantAdmin: 80,
	RoleLeader:         50,
	RoleGroupLeader:    50,
	RoleRater:          10,
	RoleUnset:          0,
}

func Level(role Role) int {
	return levels[role]
}

func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if _, ok := levels[r]; ok {
		return r
	}
	return RoleUnset
}

func IsManager(role Role) bool {
	return Level(role) >= ManagerLevel
}

// IsAdminTier covers admin, co_admin and assistant_admin.
func IsAdminTier(role Role) bool {
	return Level(role) >= Level(RoleAssistantAdmin)
}

// SeesAllGroups reports whether role may see groups it is not a member of.
func SeesAllGroups(role Role) bool {
	return role == RoleAdmin || role == RoleAssistantAdmin
}

// IsHighTierReactor reports whether reactions from role carry the high XP value.
// assistant_admin is deliberately absent from this table.
func IsHighTierReactor(role Role) bool {
	switch role {
	case RoleAdmin, RoleCoAdmin, RoleLeader, RoleGroupLeader:
		return true
	default:
		return false
	}
}

// Subject is the principal a capability set is resolved for.
type Subject struct {
	ID   string
	Role Role
	XP   int
}

type GroupScope struct {
	IsMember   bool
	Restricted bool
}

type MessageScope struct {
	SenderID      string
	SenderRole    Role
	Type          string
	IsDeleted     bool
	PollCreatorID string
}

type Capabilities struct {
	Manager   bool
	AdminTier bool

	CreateGroup       bool
	RequestGroup      bool
	ApproveRequests   bool
	ApprovePrincipals bool
	SetRoles          bool
	DeleteGroup       bool
	ExportTranscript  bool

	SeeIdentities     bool
	SeeLastSeen       bool
	SeeEditHistory    bool
	SeeDeletedContent bool

	// Group scoped; false when no group was supplied.
	ViewGroup        bool
	SeeGroupDetails  bool
	SendMessage      bool
	CreatePoll       bool
	Pin              bool
	ToggleRestricted bool
	ManageMembers    bool
	StartMeeting     bool

	// Message scoped; false when no message was supplied.
	DeleteMessage bool
	EditMessage   bool
	RevealPoll    bool
	SeePollReport bool
}

// Resolve maps a subject and optional group and message to its capability set.
func Resolve(s Subject, g *GroupScope, m *MessageScope) Capabilities {
	manager := IsManager(s.Role)
	adminTier := IsAdminTier(s.Role)

	caps := Capabilities{
		Manager:           manager,
		AdminTier:         adminTier,
		CreateGroup:       adminTier,
		RequestGroup:      manager && !adminTier,
		ApproveRequests:   adminTier,
		ApprovePrincipals: adminTier,
		SetRoles:          s.Role == RoleAdmin,
		DeleteGroup:       s.Role == RoleAdmin,
		ExportTranscript:  adminTier,
		SeeIdentities:     manager || s.XP >= XPUnmaskIdentities,
		SeeLastSeen:       manager,
		SeeEditHistory:    adminTier,
		SeeDeletedContent: s.Role == RoleAdmin,
	}

	if g != nil {
		caps.ViewGroup = CanViewGroup(s, g.IsMember)
		caps.SeeGroupDetails = caps.ViewGroup && (manager || s.XP >= XPSeeGroupDetails)
		caps.SendMessage = caps.ViewGroup && (!g.Restricted || manager)
		caps.CreatePoll = caps.SendMessage && (manager || s.XP >= XPCreatePoll)
		caps.Pin = caps.ViewGroup && manager
		caps.ToggleRestricted = caps.ViewGroup && manager
		caps.ManageMembers = caps.ViewGroup && manager
		caps.StartMeeting = caps.SendMessage
	}

	if m != nil {
		caps.DeleteMessage, _ = CanDeleteMessage(s, *m)
		caps.EditMessage, _ = CanEditMessage(s, *m)
		if m.PollCreatorID != "" || m.Type == "poll" {
			caps.RevealPoll = m.PollCreatorID == s.ID || adminTier
			caps.SeePollReport = m.PollCreatorID == s.ID || manager
		}
	}
	return caps
}

func CanViewGroup(s Subject, isMember bool) bool {
	return SeesAllGroups(s.Role) || isMember
}

// CanDeleteMessage returns the decision and, when refused, the reason shown to the user.
func CanDeleteMessage(s Subject, m MessageScope) (bool, string) {
	if m.IsDeleted {
		return false, "This message was already deleted"
	}
	if m.SenderRole == RoleAdmin && s.Role != RoleAdmin {
		return false, "Only an admin can delete an admin's message"
	}
	if m.SenderID == s.ID {
		if IsManager(s.Role) || s.XP >= XPDeleteOwnMessage {
			return true, ""
		}
		return false, "You need 100 XP to delete your own messages"
	}
	if !IsManager(s.Role) {
		return false, "You can only delete your own messages"
	}
	if s.Role == RoleAdmin || Level(s.Role) > Level(m.SenderRole) {
		return true, ""
	}
	return false, "You can only delete messages from lower-ranked members"
}

// CanEditMessage allows the original sender to edit text (and legacy untyped)
// messages that are not deleted.
func CanEditMessage(s Subject, m MessageScope) (bool, string) {
	if m.SenderID != s.ID {
		return false, "Only the sender can edit this message"
	}
	if m.IsDeleted {
		return false, "Deleted messages cannot be edited"
	}
	if m.Type != "" && m.Type != "text" {
		return false, "Only text messages can be edited"
	}
	return true, ""
}

// CanRemoveMember requires a manager who strictly outranks the target.
func CanRemoveMember(actor Subject, targetID string, targetRole Role) (bool, string) {
	if actor.ID == targetID {
		return false, "You cannot remove yourself"
	}
	if !IsManager(actor.Role) {
		return false, "Only managers can remove members"
	}
	if Level(actor.Role) <= Level(targetRole) {
		return false, "You can only remove lower-ranked members"
	}
	return true, ""
}

// DisplayName returns the name viewer sees for a sender. Viewers without the
// unmask capability see a role-derived placeholder.
func DisplayName(viewer Subject, senderID string, senderRole Role, realName string) string {
	if viewer.ID == senderID || IsManager(viewer.Role) || viewer.XP >= XPUnmaskIdentities {
		return realName
	}
	switch senderRole {
	case RoleAdmin:
		return "Admin"
	case RoleCoAdmin, RoleAssistantAdmin:
		return "Task Expert"
	case RoleLeader, RoleGroupLeader:
		return realName
	default:
		return "Member"
	}
}

// Require converts a capability decision into a PermissionDenied error.
func Require(allowed bool, reason string) error {
	if allowed {
		return nil
	}
	return apperr.Denied(reason)
}
