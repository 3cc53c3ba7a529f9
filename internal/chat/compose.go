package chat

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/poll"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/xp"
)

const CodeNotForwardable = "NOT_FORWARDABLE"

// CreatePoll posts a poll message and its state node in one multi-path write.
func (s *Service) CreatePoll(ctx context.Context, actor store.Principal, gid string, in poll.CreateInput) (store.Message, error) {
	subject := actor.Subject()
	group, err := s.sendableGroup(ctx, subject, gid)
	if err != nil {
		return store.Message{}, err
	}
	caps := rbac.Resolve(subject, groupScope(group, subject.ID), nil)
	if err := rbac.Require(caps.CreatePoll, "You need 500 XP to create polls"); err != nil {
		return store.Message{}, err
	}
	state, err := poll.New(in, subject.ID)
	if err != nil {
		return store.Message{}, err
	}

	m := s.newMessage(actor, gid, store.TypePoll)
	m.Text = state.Question
	if err := s.repo.Tree().Update(ctx, map[string]any{
		tree.Message(gid, m.ID):    m,
		tree.Poll(gid, m.ID):       state,
		tree.Typing(gid, actor.ID): nil,
	}); err != nil {
		return store.Message{}, err
	}
	s.ledger.Grant(ctx, subject.ID, xp.CreatePoll, xp.SourcePoll)
	s.indexMessage(ctx, m)
	return m, nil
}

// Forward copies a message into other groups as the actor's own forwarded
// message. Every target is checked before anything is written. A forwarded
// poll starts over with no votes.
func (s *Service) Forward(ctx context.Context, actor store.Principal, fromGid, mid string, toGids []string) ([]store.Message, error) {
	subject := actor.Subject()
	if _, err := s.visibleGroup(ctx, subject, fromGid); err != nil {
		return nil, err
	}
	src, err := s.repo.GetMessage(ctx, fromGid, mid)
	if err != nil {
		return nil, err
	}
	if src.IsDeleted || src.IsUploading || src.Type == store.TypeSystem {
		return nil, apperr.Invalid(CodeNotForwardable, "This message cannot be forwarded")
	}
	var state store.PollState
	if src.Type == store.TypePoll {
		if state, err = s.repo.GetPoll(ctx, fromGid, mid); err != nil {
			return nil, err
		}
	}

	targets := dedupe(toGids)
	if len(targets) == 0 {
		return nil, apperr.Invalid(CodeNotForwardable, "Pick at least one group")
	}
	for _, gid := range targets {
		group, err := s.sendableGroup(ctx, subject, gid)
		if err != nil {
			return nil, err
		}
		if src.Type == store.TypePoll {
			caps := rbac.Resolve(subject, groupScope(group, subject.ID), nil)
			if err := rbac.Require(caps.CreatePoll, "You need 500 XP to create polls"); err != nil {
				return nil, err
			}
		}
	}

	writes := make(map[string]any, len(targets)*2)
	out := make([]store.Message, 0, len(targets))
	for _, gid := range targets {
		m := s.newMessage(actor, gid, src.Type)
		m.Text = src.Text
		m.FileName = src.FileName
		m.Media = src.Media
		m.IsForwarded = true
		writes[tree.Message(gid, m.ID)] = m
		if src.Type == store.TypePoll {
			writes[tree.Poll(gid, m.ID)] = poll.Reset(state, subject.ID)
		}
		out = append(out, m)
	}
	if err := s.repo.Tree().Update(ctx, writes); err != nil {
		return nil, err
	}
	for _, m := range out {
		s.indexMessage(ctx, m)
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// UploadInput is a file on its way to the media store.
type UploadInput struct {
	FileName string
	Type     string
	Caption  string
	ReplyTo  string
	Body     io.Reader
}

// Upload shows an uploading placeholder in the group while the file goes to
// the media store. On failure the placeholder is removed.
func (s *Service) Upload(ctx context.Context, actor store.Principal, gid string, in UploadInput) (store.Message, error) {
	if s.media == nil {
		return store.Message{}, apperr.Upstream("media store", nil)
	}
	msgType := DeclaredType(in.Type, in.FileName)
	subject := actor.Subject()
	if _, err := s.sendableGroup(ctx, subject, gid); err != nil {
		return store.Message{}, err
	}

	m := s.newMessage(actor, gid, msgType)
	m.FileName = in.FileName
	m.Text = strings.TrimSpace(in.Caption)
	m.IsUploading = true
	if in.ReplyTo != "" {
		ref, err := s.replyRef(ctx, gid, in.ReplyTo)
		if err != nil {
			return store.Message{}, err
		}
		m.ReplyTo = ref
	}
	path := tree.Message(gid, m.ID)
	if err := s.repo.PutMessage(ctx, m); err != nil {
		return store.Message{}, err
	}

	ref, err := s.media.Upload(ctx, in.FileName, in.Body, msgType)
	if err != nil {
		if derr := s.repo.Tree().Delete(ctx, path); derr != nil {
			s.log.Warn("chat: remove upload placeholder", zap.String("path", path), zap.Error(derr))
		}
		if apperr.KindOf(err) != "" {
			return store.Message{}, err
		}
		return store.Message{}, apperr.Upstream("media store", err)
	}

	finalType := ResolvedType(msgType, ref.ContentType)
	m, err = s.repo.UpdateMessage(ctx, gid, m.ID, func(cur *store.Message) error {
		cur.Type = finalType
		cur.Media = &ref
		cur.IsUploading = false
		if cur.FileName == "" {
			cur.FileName = ref.FileName
		}
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}
	s.grantSendXP(ctx, subject.ID, finalType)
	s.indexMessage(ctx, m)
	return m, nil
}

// DeclaredType normalizes the client's declared upload type. Images named
// *.pdf are documents.
func DeclaredType(declared, fileName string) string {
	switch declared {
	case store.TypeImage:
		if strings.HasSuffix(strings.ToLower(fileName), ".pdf") {
			return store.TypeFile
		}
		return store.TypeImage
	case store.TypeVideo, store.TypeAudio:
		return declared
	default:
		return store.TypeFile
	}
}

// ResolvedType promotes a generic file to image or video when the sniffed
// content says so.
func ResolvedType(declared, contentType string) string {
	if declared != store.TypeFile {
		return declared
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return store.TypeImage
	case strings.HasPrefix(contentType, "video/"):
		return store.TypeVideo
	}
	return store.TypeFile
}
