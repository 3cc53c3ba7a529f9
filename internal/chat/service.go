// Package chat is the message synchronizer: every mutation of a group's
// message list, and the projections clients render from it.
package chat

import (
	"context"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/audit"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/util"
	"raterhub/api/internal/xp"
)

const (
	CodeEmptyMessage = "EMPTY_MESSAGE"
	CodeInvalidType  = "INVALID_MESSAGE_TYPE"
	CodeDeleted      = "MESSAGE_DELETED"
	CodeEmptyEmoji   = "EMPTY_REACTION"
)

// ReplySnippetLength is how much of a replied-to text is copied.
const ReplySnippetLength = 50

// Indexer mirrors messages into the search backends. Implementations do not
// fail the caller.
type Indexer interface {
	Index(ctx context.Context, m store.Message)
}

// MediaStore keeps uploaded files and returns where they live.
type MediaStore interface {
	Upload(ctx context.Context, name string, r io.Reader, declaredType string) (store.MediaRef, error)
}

type Service struct {
	repo       *store.Repo
	ledger     *xp.Ledger
	audit      *audit.Emitter
	index      Indexer
	media      MediaStore
	streakMode bool
	log        *zap.Logger
}

type Option func(*Service)

func WithIndexer(ix Indexer) Option {
	return func(s *Service) { s.index = ix }
}

func WithMedia(m MediaStore) Option {
	return func(s *Service) { s.media = m }
}

// WithStreakMode routes text-message XP through the cooldown and streak rules.
func WithStreakMode(on bool) Option {
	return func(s *Service) { s.streakMode = on }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(log) }
}

func NewService(repo *store.Repo, ledger *xp.Ledger, emitter *audit.Emitter, opts ...Option) *Service {
	s := &Service{repo: repo, ledger: ledger, audit: emitter, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendInput is a new message. A non-empty EditTarget turns the call into an
// edit of that message.
type SendInput struct {
	Text       string          `json:"text"`
	Type       string          `json:"type"`
	ReplyTo    string          `json:"replyTo"`
	EditTarget string          `json:"editTarget"`
	FileName   string          `json:"fileName"`
	Media      *store.MediaRef `json:"media"`
}

func (s *Service) Send(ctx context.Context, actor store.Principal, gid string, in SendInput) (store.Message, error) {
	if in.EditTarget != "" {
		return s.Edit(ctx, actor, gid, in.EditTarget, in.Text)
	}

	msgType := in.Type
	if msgType == "" {
		msgType = store.TypeText
	}
	text := strings.TrimSpace(in.Text)
	switch msgType {
	case store.TypeText:
		if text == "" {
			return store.Message{}, apperr.Invalid(CodeEmptyMessage, "Message cannot be empty")
		}
	case store.TypeImage, store.TypeVideo, store.TypeAudio, store.TypeFile:
		if in.Media == nil {
			return store.Message{}, apperr.Invalid(CodeInvalidType, "Media messages need an uploaded file")
		}
	default:
		return store.Message{}, apperr.Invalid(CodeInvalidType, "Unsupported message type")
	}

	if _, err := s.sendableGroup(ctx, actor.Subject(), gid); err != nil {
		return store.Message{}, err
	}
	m := s.newMessage(actor, gid, msgType)
	m.Text = text
	m.Media = in.Media
	m.FileName = in.FileName
	if m.FileName == "" && in.Media != nil {
		m.FileName = in.Media.FileName
	}
	if in.ReplyTo != "" {
		ref, err := s.replyRef(ctx, gid, in.ReplyTo)
		if err != nil {
			return store.Message{}, err
		}
		m.ReplyTo = ref
	}

	if err := s.repo.Tree().Update(ctx, map[string]any{
		tree.Message(gid, m.ID):    m,
		tree.Typing(gid, actor.ID): nil,
	}); err != nil {
		return store.Message{}, err
	}
	s.grantSendXP(ctx, actor.ID, msgType)
	s.indexMessage(ctx, m)
	return m, nil
}

func (s *Service) newMessage(actor store.Principal, gid, msgType string) store.Message {
	return store.Message{
		ID:         util.NewID("msg"),
		GroupID:    gid,
		SenderID:   actor.ID,
		SenderName: actor.Name(),
		SenderRole: actor.Subject().Role,
		SenderXP:   actor.XP,
		Type:       msgType,
		CreatedAt:  s.repo.Now(),
	}
}

func (s *Service) grantSendXP(ctx context.Context, uid, msgType string) {
	switch msgType {
	case store.TypeAudio:
		s.ledger.Grant(ctx, uid, xp.VoiceNote, xp.SourceVoice)
	case store.TypeImage, store.TypeVideo, store.TypeFile:
		s.ledger.Grant(ctx, uid, xp.ShareMedia, xp.SourceMedia)
	default:
		if !s.streakMode {
			s.ledger.Grant(ctx, uid, xp.SendMessage, xp.SourceMessage)
			return
		}
		if _, err := s.ledger.HandleMessageXP(ctx, uid, s.repo.Now()); err != nil {
			s.log.Warn("chat: message xp", zap.String("user", uid), zap.Error(err))
		}
	}
}

func (s *Service) replyRef(ctx context.Context, gid, mid string) (*store.ReplyRef, error) {
	target, err := s.repo.GetMessage(ctx, gid, mid)
	if err != nil {
		return nil, err
	}
	if target.IsDeleted {
		return nil, apperr.Invalid(CodeDeleted, "You cannot reply to a deleted message")
	}
	sender := target.SenderName
	if p, err := s.repo.GetPrincipal(ctx, target.SenderID); err == nil && p.Email != "" {
		sender = store.EmailLocalPart(p.Email)
	}
	return &store.ReplyRef{
		ID:         target.ID,
		Text:       Snippet(target),
		Sender:     sender,
		SenderID:   target.SenderID,
		SenderRole: target.SenderRole,
	}, nil
}

// Snippet is the short text shown for a message in replies and pins.
func Snippet(m store.Message) string {
	if m.Text != "" && m.Type != store.TypePoll {
		return truncate(m.Text, ReplySnippetLength)
	}
	switch m.Type {
	case store.TypeImage:
		return "📷 Image"
	case store.TypeVideo:
		return "🎥 Video"
	case store.TypeAudio:
		return "🎵 Audio"
	case store.TypeFile:
		name := m.FileName
		if name == "" {
			name = "File"
		}
		return "📁 " + name
	case store.TypePoll:
		return "📊 Poll"
	}
	return "Message"
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Edit replaces the text of the actor's own text message and keeps the
// previous text in the edit history.
func (s *Service) Edit(ctx context.Context, actor store.Principal, gid, mid, text string) (store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Message{}, apperr.Invalid(CodeEmptyMessage, "Message cannot be empty")
	}
	subject := actor.Subject()
	if _, err := s.visibleGroup(ctx, subject, gid); err != nil {
		return store.Message{}, err
	}

	now := s.repo.Now()
	m, err := s.repo.UpdateMessage(ctx, gid, mid, func(m *store.Message) error {
		if ok, reason := rbac.CanEditMessage(subject, scopeOf(*m, "")); !ok {
			return apperr.Denied(reason)
		}
		m.EditHistory = append(m.EditHistory, store.EditEntry{At: now, Text: m.Text})
		m.Text = text
		m.IsEdited = true
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}
	s.indexMessage(ctx, m)
	return m, nil
}

// Delete soft-deletes a message. Deleting someone else's message costs its
// author XP and is audited.
func (s *Service) Delete(ctx context.Context, actor store.Principal, gid, mid string) (store.Message, error) {
	subject := actor.Subject()
	group, err := s.visibleGroup(ctx, subject, gid)
	if err != nil {
		return store.Message{}, err
	}

	now := s.repo.Now()
	m, err := s.repo.UpdateMessage(ctx, gid, mid, func(m *store.Message) error {
		if m.IsDeleted {
			return apperr.Invalid(CodeDeleted, "This message was already deleted")
		}
		if ok, reason := rbac.CanDeleteMessage(subject, scopeOf(*m, "")); !ok {
			return apperr.Denied(reason)
		}
		m.IsDeleted = true
		m.DeletedBy = subject.ID
		m.DeletedByRole = subject.Role
		m.DeletedAt = &now
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}

	if m.SenderID != subject.ID {
		s.ledger.Grant(ctx, m.SenderID, xp.DeletedByOther, xp.SourceModeration)
		s.audit.Emit(ctx, audit.Event{
			Type:      audit.MessageDeleted,
			ActorID:   subject.ID,
			ActorRole: string(subject.Role),
			GroupID:   gid,
			TargetID:  mid,
			Attributes: map[string]string{
				"author":     m.SenderID,
				"authorRole": string(m.SenderRole),
			},
		})
	}
	if group.PinnedMessage != nil && group.PinnedMessage.ID == mid {
		_, err := s.repo.UpdateGroup(ctx, gid, func(g *store.Group) error {
			if g.PinnedMessage != nil && g.PinnedMessage.ID == mid {
				g.PinnedMessage = nil
			}
			return nil
		})
		if err != nil {
			s.log.Warn("chat: clear pin of deleted message", zap.String("group", gid), zap.Error(err))
		}
	}
	s.indexMessage(ctx, m)
	return m, nil
}

type ReactionOutcome string

const (
	ReactionAdded   ReactionOutcome = "added"
	ReactionRemoved ReactionOutcome = "removed"
	ReactionMoved   ReactionOutcome = "moved"
)

type ReactResult struct {
	Outcome ReactionOutcome `json:"outcome"`
	Message store.Message   `json:"message"`
	XPDelta int             `json:"xpDelta"`
}

// React toggles the actor's reaction. A principal holds at most one
// reaction per message; choosing another emoji moves it.
func (s *Service) React(ctx context.Context, actor store.Principal, gid, mid, emoji string) (ReactResult, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ReactResult{}, apperr.Invalid(CodeEmptyEmoji, "Pick a reaction")
	}
	subject := actor.Subject()
	if _, err := s.visibleGroup(ctx, subject, gid); err != nil {
		return ReactResult{}, err
	}

	var outcome ReactionOutcome
	m, err := s.repo.UpdateMessage(ctx, gid, mid, func(m *store.Message) error {
		if m.IsDeleted {
			return apperr.Invalid(CodeDeleted, "This message was deleted")
		}
		if m.Reactions == nil {
			m.Reactions = map[string]map[string]bool{}
		}
		prev, had := m.ReactionOf(subject.ID)
		if had {
			delete(m.Reactions[prev], subject.ID)
			if len(m.Reactions[prev]) == 0 {
				delete(m.Reactions, prev)
			}
		}
		switch {
		case had && prev == emoji:
			outcome = ReactionRemoved
			return nil
		case had:
			outcome = ReactionMoved
		default:
			outcome = ReactionAdded
		}
		if m.Reactions[emoji] == nil {
			m.Reactions[emoji] = map[string]bool{}
		}
		m.Reactions[emoji][subject.ID] = true
		return nil
	})
	if err != nil {
		return ReactResult{}, err
	}

	res := ReactResult{Outcome: outcome, Message: m}
	if m.SenderID != subject.ID {
		value := xp.ReactionValue(subject.Role, emoji)
		switch outcome {
		case ReactionAdded:
			res.XPDelta = value
		case ReactionRemoved:
			res.XPDelta = -value
		}
		if res.XPDelta != 0 {
			s.ledger.Grant(ctx, m.SenderID, res.XPDelta, xp.SourceReaction)
		}
	}
	return res, nil
}

// Star toggles a private bookmark under the actor's own record and returns
// the new state.
func (s *Service) Star(ctx context.Context, actor store.Principal, gid, mid string) (bool, error) {
	if _, err := s.visibleGroup(ctx, actor.Subject(), gid); err != nil {
		return false, err
	}
	if _, err := s.repo.GetMessage(ctx, gid, mid); err != nil {
		return false, err
	}
	ts := s.repo.Tree()
	path := tree.Starred(actor.ID, gid, mid)
	var on bool
	if _, err := ts.Get(ctx, path, &on); err != nil {
		return false, err
	}
	if on {
		return false, ts.Delete(ctx, path)
	}
	return true, ts.Set(ctx, path, true)
}

func (s *Service) Pin(ctx context.Context, actor store.Principal, gid, mid string) (store.Group, error) {
	subject := actor.Subject()
	group, err := s.visibleGroup(ctx, subject, gid)
	if err != nil {
		return store.Group{}, err
	}
	caps := rbac.Resolve(subject, groupScope(group, subject.ID), nil)
	if err := rbac.Require(caps.Pin, "Only managers can pin messages"); err != nil {
		return store.Group{}, err
	}
	m, err := s.repo.GetMessage(ctx, gid, mid)
	if err != nil {
		return store.Group{}, err
	}
	if m.IsDeleted {
		return store.Group{}, apperr.Invalid(CodeDeleted, "Deleted messages cannot be pinned")
	}
	summary := &store.PinnedSummary{
		ID:         m.ID,
		Text:       Snippet(m),
		Sender:     m.SenderName,
		SenderID:   m.SenderID,
		SenderRole: m.SenderRole,
	}
	return s.repo.UpdateGroup(ctx, gid, func(g *store.Group) error {
		g.PinnedMessage = summary
		return nil
	})
}

func (s *Service) Unpin(ctx context.Context, actor store.Principal, gid string) (store.Group, error) {
	subject := actor.Subject()
	group, err := s.visibleGroup(ctx, subject, gid)
	if err != nil {
		return store.Group{}, err
	}
	caps := rbac.Resolve(subject, groupScope(group, subject.ID), nil)
	if err := rbac.Require(caps.Pin, "Only managers can unpin messages"); err != nil {
		return store.Group{}, err
	}
	return s.repo.UpdateGroup(ctx, gid, func(g *store.Group) error {
		g.PinnedMessage = nil
		return nil
	})
}

func (s *Service) indexMessage(ctx context.Context, m store.Message) {
	if s.index != nil {
		s.index.Index(ctx, m)
	}
}

func (s *Service) visibleGroup(ctx context.Context, subject rbac.Subject, gid string) (store.Group, error) {
	group, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return store.Group{}, err
	}
	if !rbac.CanViewGroup(subject, group.IsMember(subject.ID)) {
		return store.Group{}, apperr.Denied("You are not a member of this group")
	}
	return group, nil
}

func (s *Service) sendableGroup(ctx context.Context, subject rbac.Subject, gid string) (store.Group, error) {
	group, err := s.visibleGroup(ctx, subject, gid)
	if err != nil {
		return store.Group{}, err
	}
	caps := rbac.Resolve(subject, groupScope(group, subject.ID), nil)
	if err := rbac.Require(caps.SendMessage, rbac.ErrRestrictedGroup); err != nil {
		return store.Group{}, err
	}
	return group, nil
}

func groupScope(g store.Group, uid string) *rbac.GroupScope {
	return &rbac.GroupScope{IsMember: g.IsMember(uid), Restricted: g.Restricted}
}

func scopeOf(m store.Message, pollCreator string) rbac.MessageScope {
	return rbac.MessageScope{
		SenderID:      m.SenderID,
		SenderRole:    m.SenderRole,
		Type:          m.Type,
		IsDeleted:     m.IsDeleted,
		PollCreatorID: pollCreator,
	}
}
