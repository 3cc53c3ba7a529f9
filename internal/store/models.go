package store

import (
	"time"

	"raterhub/api/internal/rbac"
)

// Principal statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRejected  = "rejected"
)

// Message types. An empty type is a plain text message.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeVideo  = "video"
	TypeAudio  = "audio"
	TypeFile   = "file"
	TypePoll   = "poll"
	TypeSystem = "system"
)

// Principal is the user record at users/{uid}.
type Principal struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"displayName"`
	Role          rbac.Role  `json:"role"`
	Status        string     `json:"status"`
	XP            int        `json:"xp"`
	LastActive    *time.Time `json:"lastActive,omitempty"`
	LastXPTime    *time.Time `json:"lastXpTime,omitempty"`
	Streak        int        `json:"streak"`
	LastStreakDay string     `json:"lastStreakDay,omitempty"`
	IsHidden      bool       `json:"isHidden"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (p Principal) Subject() rbac.Subject {
	return rbac.Subject{ID: p.ID, Role: rbac.Normalize(string(p.Role)), XP: p.XP}
}

// Name is the display name, falling back to the email local part.
func (p Principal) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return EmailLocalPart(p.Email)
}

// PinnedSummary is the copy of a pinned message kept on its group.
type PinnedSummary struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderRole rbac.Role `json:"senderRole,omitempty"`
}

// For returns the summary with the sender name masked for viewer.
func (p *PinnedSummary) For(viewer rbac.Subject) *PinnedSummary {
	if p == nil {
		return nil
	}
	out := *p
	out.Sender = rbac.DisplayName(viewer, p.SenderID, p.SenderRole, p.Sender)
	return &out
}

// MeetingStatus tracks the single external video meeting a group may have.
type MeetingStatus struct {
	Active      bool       `json:"active"`
	InitiatorID string     `json:"initiatorId,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
}

// Group is the group record at groups/{gid}. Messages, typing entries and
// polls live below it in the tree and are not part of this document.
type Group struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Members       map[string]bool `json:"members"`
	Restricted    bool            `json:"restricted"`
	PinnedMessage *PinnedSummary  `json:"pinnedMessage,omitempty"`
	Meeting       *MeetingStatus  `json:"meetingStatus,omitempty"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (g Group) IsMember(uid string) bool {
	return g.Members[uid]
}

func (g Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for uid, ok := range g.Members {
		if ok {
			ids = append(ids, uid)
		}
	}
	return ids
}

// MediaRef is what the media store returns for an uploaded file.
type MediaRef struct {
	URL          string `json:"url"`
	ResourceType string `json:"resourceType"`
	SizeBytes    int64  `json:"sizeBytes"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType,omitempty"`
}

// ReplyRef is the snippet of the message being replied to.
type ReplyRef struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender"`
	SenderID   string    `json:"senderId"`
	SenderRole rbac.Role `json:"senderRole"`
}

type EditEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Message is stored at groups/{gid}/messages/{mid}. A poll's mutable state
// lives in its own node (see PollState).
type Message struct {
	ID            string                     `json:"id"`
	GroupID       string                     `json:"groupId"`
	SenderID      string                     `json:"senderId"`
	SenderName    string                     `json:"senderName"`
	SenderRole    rbac.Role                  `json:"senderRole"`
	SenderXP      int                        `json:"senderXp"`
	Type          string                     `json:"type,omitempty"`
	Text          string                     `json:"text"`
	FileName      string                     `json:"fileName,omitempty"`
	Media         *MediaRef                  `json:"media,omitempty"`
	IsUploading   bool                       `json:"isUploading,omitempty"`
	ReplyTo       *ReplyRef                  `json:"replyTo,omitempty"`
	Reactions     map[string]map[string]bool `json:"reactions,omitempty"`
	ReadBy        map[string]time.Time       `json:"readBy,omitempty"`
	EditHistory   []EditEntry                `json:"editHistory,omitempty"`
	IsEdited      bool                       `json:"isEdited,omitempty"`
	IsDeleted     bool                       `json:"isDeleted,omitempty"`
	DeletedBy     string                     `json:"deletedBy,omitempty"`
	DeletedByRole rbac.Role                  `json:"deletedByRole,omitempty"`
	DeletedAt     *time.Time                 `json:"deletedAt,omitempty"`
	IsForwarded   bool                       `json:"isForwarded,omitempty"`
	CreatedAt     time.Time                  `json:"createdAt"`
}

// IsTextual reports whether the message carries editable text.
func (m Message) IsTextual() bool {
	return m.Type == "" || m.Type == TypeText
}

// ReactionOf returns the emoji uid currently reacts with, if any.
func (m Message) ReactionOf(uid string) (string, bool) {
	for emoji, users := range m.Reactions {
		if users[uid] {
			return emoji, true
		}
	}
	return "", false
}

type PollOption struct {
	ID        int    `json:"id"`
	Text      string `json:"text"`
	VoteCount int    `json:"voteCount"`
}

// PollState is stored at groups/{gid}/messages/{mid}/poll.
type PollState struct {
	Question        string         `json:"question"`
	Options         []PollOption   `json:"options"`
	IsQuiz          bool           `json:"isQuiz"`
	CorrectOptionID *int           `json:"correctOptionId,omitempty"`
	AllowVoteChange bool           `json:"allowVoteChange"`
	Votes           map[string]int `json:"votes"`
	IsRevealed      bool           `json:"isRevealed"`
	CreatorID       string         `json:"creatorId"`
}

// PresenceRecord is stored at status/{uid}.
type PresenceRecord struct {
	State       string    `json:"state"`
	LastChanged time.Time `json:"lastChanged"`
	Role        rbac.Role `json:"role,omitempty"`
	IsHidden    bool      `json:"isHidden,omitempty"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// GroupRequest is a leader's request for a new group.
type GroupRequest struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	RequestedBy string     `json:"requestedBy"`
	Requester   string     `json:"requester"`
	Status      string     `json:"status"`
	ReviewedBy  string     `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time `json:"reviewedAt,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ResetRequest is a password reset waiting for an admin.
type ResetRequest struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	ReviewedBy string     `json:"reviewedBy,omitempty"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Credential is the Postgres-held login secret of a principal.
type Credential struct {
	PrincipalID  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EmailLocalPart returns the part of an address before '@'.
func EmailLocalPart(email string) string {
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			return email[:i]
		}
	}
	return email
}
