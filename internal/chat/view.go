package chat

import (
	"sort"
	"strings"
	"time"

	"raterhub/api/internal/poll"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/store"
)

// ViewOptions are the per-viewer inputs of BuildView. Watermark is the value
// captured when the viewing session began and places the unread divider;
// ReadMark is the live watermark used for the unread count.
type ViewOptions struct {
	Watermark   time.Time
	ReadMark    time.Time
	Search      string
	StarredOnly bool
	Starred     map[string]bool
}

type ReplyView struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

type ReactionView struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Mine  bool   `json:"mine"`
}

type Item struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName"`
	SenderRole  rbac.Role       `json:"senderRole"`
	Text        string          `json:"text,omitempty"`
	FileName    string          `json:"fileName,omitempty"`
	Media       *store.MediaRef `json:"media,omitempty"`
	IsUploading bool            `json:"isUploading,omitempty"`
	ReplyTo     *ReplyView      `json:"replyTo,omitempty"`
	IsForwarded bool            `json:"isForwarded,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`

	IsEdited      bool              `json:"isEdited,omitempty"`
	EditHistory   []store.EditEntry `json:"editHistory,omitempty"`
	IsDeleted     bool              `json:"isDeleted,omitempty"`
	DeletedBy     string            `json:"deletedBy,omitempty"`
	DeletedByRole rbac.Role         `json:"deletedByRole,omitempty"`
	AdminView     bool              `json:"adminView,omitempty"`

	IsOwn             bool              `json:"isOwn"`
	Starred           bool              `json:"starred,omitempty"`
	GroupWithPrevious bool              `json:"groupWithPrevious"`
	DividerBefore     bool              `json:"dividerBefore,omitempty"`
	Delivery          receipts.Delivery `json:"delivery,omitempty"`
	CanDelete         bool              `json:"canDelete"`
	CanEdit           bool              `json:"canEdit"`
	Reactions         []ReactionView    `json:"reactions,omitempty"`
	Poll              *poll.View        `json:"poll,omitempty"`
}

type View struct {
	GroupID       string               `json:"groupId"`
	Name          string               `json:"name"`
	Items         []Item               `json:"items"`
	Unread        int                  `json:"unread"`
	Typing        []string             `json:"typing"`
	Pinned        *store.PinnedSummary `json:"pinned,omitempty"`
	Restricted    bool                 `json:"restricted"`
	Meeting       *store.MeetingStatus `json:"meeting,omitempty"`
	CanSend       bool                 `json:"canSend"`
	CanPin        bool                 `json:"canPin"`
	CanCreatePoll bool                 `json:"canCreatePoll"`
	MemberCount   int                  `json:"memberCount,omitempty"`
}

// BuildView reduces a snapshot to what viewer sees. It has no side effects
// and is recomputed on every update.
func BuildView(snap Snapshot, viewer store.Principal, opts ViewOptions) View {
	subject := viewer.Subject()
	gcaps := rbac.Resolve(subject, groupScope(snap.Group, subject.ID), nil)

	v := View{
		GroupID:       snap.Group.ID,
		Name:          snap.Group.Name,
		Restricted:    snap.Group.Restricted,
		Pinned:        snap.Group.PinnedMessage.For(subject),
		CanSend:       gcaps.SendMessage,
		CanPin:        gcaps.Pin,
		CanCreatePoll: gcaps.CreatePoll,
		Typing:        typingNames(snap, subject),
		Items:         []Item{},
	}
	if snap.Group.Meeting != nil && snap.Group.Meeting.Active {
		v.Meeting = snap.Group.Meeting
	}
	if gcaps.SeeGroupDetails {
		v.MemberCount = len(snap.Group.MemberIDs())
	}
	readMark := opts.ReadMark
	if readMark.IsZero() {
		readMark = opts.Watermark
	}
	v.Unread = receipts.UnreadCount(snap.Messages, subject.ID, readMark)

	members := snap.Group.MemberIDs()
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	dividerPlaced := false
	var prev *Item
	for _, m := range snap.Messages {
		if opts.StarredOnly && !opts.Starred[m.ID] {
			continue
		}
		state, isPoll := snap.Polls[m.ID]
		item := buildItem(m, subject, state, isPoll, members)
		item.Starred = opts.Starred[m.ID]
		if search != "" && !matches(item, state, isPoll, search) {
			continue
		}
		if !dividerPlaced && receipts.IsUnread(m, subject.ID, opts.Watermark) {
			item.DividerBefore = true
			dividerPlaced = true
		}
		item.GroupWithPrevious = prev != nil &&
			!item.DividerBefore &&
			prev.SenderID == item.SenderID &&
			prev.Type != store.TypeSystem &&
			item.Type != store.TypeSystem
		v.Items = append(v.Items, item)
		prev = &v.Items[len(v.Items)-1]
	}
	return v
}

// ItemFor projects a single message for viewer with the same redaction as
// BuildView. state is nil unless m is a poll.
func ItemFor(m store.Message, viewer store.Principal, group store.Group, state *store.PollState) Item {
	var ps store.PollState
	if state != nil {
		ps = *state
	}
	return buildItem(m, viewer.Subject(), ps, state != nil, group.MemberIDs())
}

func buildItem(m store.Message, viewer rbac.Subject, state store.PollState, isPoll bool, members []string) Item {
	caps := rbac.Resolve(viewer, nil, &rbac.MessageScope{
		SenderID:      m.SenderID,
		SenderRole:    m.SenderRole,
		Type:          m.Type,
		IsDeleted:     m.IsDeleted,
		PollCreatorID: state.CreatorID,
	})
	item := Item{
		ID:          m.ID,
		Type:        m.Type,
		SenderID:    m.SenderID,
		SenderName:  rbac.DisplayName(viewer, m.SenderID, m.SenderRole, m.SenderName),
		SenderRole:  m.SenderRole,
		CreatedAt:   m.CreatedAt,
		IsForwarded: m.IsForwarded,
		IsEdited:    m.IsEdited,
		IsDeleted:   m.IsDeleted,
		IsOwn:       m.SenderID == viewer.ID,
		CanDelete:   caps.DeleteMessage,
		CanEdit:     caps.EditMessage,
	}
	if item.Type == "" {
		item.Type = store.TypeText
	}
	if m.IsDeleted {
		item.DeletedByRole = m.DeletedByRole
	}

	if m.IsDeleted && !caps.SeeDeletedContent {
		return item
	}
	item.AdminView = m.IsDeleted
	if m.IsDeleted {
		item.DeletedBy = m.DeletedBy
	}

	item.Text = m.Text
	item.FileName = m.FileName
	item.Media = m.Media
	item.IsUploading = m.IsUploading
	if m.ReplyTo != nil {
		item.ReplyTo = &ReplyView{
			ID:     m.ReplyTo.ID,
			Text:   m.ReplyTo.Text,
			Sender: rbac.DisplayName(viewer, m.ReplyTo.SenderID, m.ReplyTo.SenderRole, m.ReplyTo.Sender),
		}
	}
	if caps.SeeEditHistory && len(m.EditHistory) > 0 {
		item.EditHistory = append([]store.EditEntry(nil), m.EditHistory...)
	}
	if item.IsOwn && !m.IsDeleted {
		item.Delivery = receipts.DeliveryStatus(m, members)
	}
	item.Reactions = summarizeReactions(m.Reactions, viewer.ID)
	if isPoll {
		pv := poll.BuildView(state, viewer.ID, caps.RevealPoll, caps.SeePollReport)
		item.Poll = &pv
	}
	return item
}

func summarizeReactions(reactions map[string]map[string]bool, viewerID string) []ReactionView {
	out := make([]ReactionView, 0, len(reactions))
	for emoji, users := range reactions {
		n := 0
		for _, on := range users {
			if on {
				n++
			}
		}
		if n == 0 {
			continue
		}
		out = append(out, ReactionView{Emoji: emoji, Count: n, Mine: users[viewerID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// matches is the case-insensitive search over text and file name. Polls
// match on their question only.
func matches(item Item, state store.PollState, isPoll bool, needle string) bool {
	if isPoll {
		return item.Poll != nil && strings.Contains(strings.ToLower(state.Question), needle)
	}
	return strings.Contains(strings.ToLower(item.Text), needle) ||
		strings.Contains(strings.ToLower(item.FileName), needle)
}

func typingNames(snap Snapshot, viewer rbac.Subject) []string {
	names := make([]string, 0, len(snap.Typing))
	for uid, name := range snap.Typing {
		if uid == viewer.ID {
			continue
		}
		role := rbac.RoleUnset
		if p, ok := snap.Members[uid]; ok {
			role = p.Subject().Role
		}
		names = append(names, rbac.DisplayName(viewer, uid, role, name))
	}
	sort.Strings(names)
	return names
}
