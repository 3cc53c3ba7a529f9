package export

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
)

const CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"

// Renderer turns transcript HTML into a downloadable file.
type Renderer func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	repo *store.Repo
	pdf  Renderer
	docx Renderer
	log  *zap.Logger
}

func NewService(repo *store.Repo, log *zap.Logger) *Service {
	return &Service{repo: repo, pdf: RenderPDF, docx: RenderDOCX, log: logging.OrNop(log)}
}

// WithRenderers swaps the PDF and DOCX backends.
func (s *Service) WithRenderers(pdf, docx Renderer) *Service {
	s.pdf, s.docx = pdf, docx
	return s
}

// Export renders the whole history of gid, deleted messages and edit history
// included. Only admin-tier principals may export.
func (s *Service) Export(ctx context.Context, actor store.Principal, gid string, format Format) (*Result, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).ExportTranscript, "Only admins can export transcripts"); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return nil, err
	}
	if !rbac.CanViewGroup(subject, group.IsMember(subject.ID)) {
		return nil, apperr.Denied("You are not a member of this group")
	}

	data, err := s.buildData(ctx, actor, group)
	if err != nil {
		return nil, err
	}
	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, err
	}

	title := group.Name + " transcript"
	var res *Result
	switch format {
	case FormatHTML:
		res = &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		res, err = s.pdf(ctx, html, title)
	case FormatDOCX:
		res, err = s.docx(ctx, html, title)
	default:
		return nil, apperr.Invalid(CodeUnsupportedFormat, "Unsupported export format "+string(format))
	}
	if err != nil {
		provider := string(format) + " renderer"
		if errors.Is(err, ErrPDFDependencyMissing) || errors.Is(err, ErrDOCXDependencyMissing) {
			s.log.Warn("export: renderer missing", zap.String("format", string(format)), zap.Error(err))
		}
		return nil, apperr.Upstream(provider, err)
	}
	s.log.Info("export: transcript rendered",
		zap.String("group", gid),
		zap.String("format", string(format)),
		zap.String("by", subject.ID),
		zap.Int("messages", len(data.Messages)),
	)
	return res, nil
}

func (s *Service) buildData(ctx context.Context, actor store.Principal, group store.Group) (TemplateData, error) {
	msgs, err := s.repo.ListMessages(ctx, group.ID)
	if err != nil {
		return TemplateData{}, err
	}
	polls, err := s.repo.ListPolls(ctx, group.ID, msgs)
	if err != nil {
		return TemplateData{}, err
	}

	ids := group.MemberIDs()
	for _, m := range msgs {
		if m.DeletedBy != "" {
			ids = append(ids, m.DeletedBy)
		}
	}
	people, err := s.repo.GetPrincipals(ctx, ids)
	if err != nil {
		return TemplateData{}, err
	}
	nameOf := func(uid string) string {
		if p, ok := people[uid]; ok {
			return p.Name()
		}
		return uid
	}

	data := TemplateData{
		GroupName:  group.Name,
		ExportedBy: actor.Name(),
		ExportedAt: s.repo.Now(),
		Restricted: group.Restricted,
		Messages:   make([]TemplateMessage, 0, len(msgs)),
	}
	for _, uid := range group.MemberIDs() {
		data.Members = append(data.Members, nameOf(uid))
	}
	sort.Strings(data.Members)

	for _, m := range msgs {
		if m.IsUploading {
			continue
		}
		tm := TemplateMessage{
			At:        m.CreatedAt,
			Sender:    m.SenderName,
			Role:      string(m.SenderRole),
			Type:      m.Type,
			Text:      m.Text,
			FileName:  m.FileName,
			Forwarded: m.IsForwarded,
			Edited:    m.IsEdited,
			Deleted:   m.IsDeleted,
			Reactions: reactions(m.Reactions),
			IsSystem:  m.Type == store.TypeSystem,
		}
		if tm.Sender == "" {
			tm.Sender = nameOf(m.SenderID)
		}
		if m.Media != nil {
			tm.MediaURL = m.Media.URL
		}
		if m.IsDeleted && m.DeletedBy != "" {
			tm.DeletedBy = nameOf(m.DeletedBy)
		}
		if m.ReplyTo != nil {
			tm.ReplyTo = m.ReplyTo.Sender + ": " + m.ReplyTo.Text
		}
		for _, e := range m.EditHistory {
			tm.History = append(tm.History, TemplateEdit{At: e.At, Text: e.Text})
		}
		if p, ok := polls[m.ID]; ok {
			tm.Poll = templatePoll(p)
		}
		data.Messages = append(data.Messages, tm)
	}
	return data, nil
}

func templatePoll(p store.PollState) *TemplatePoll {
	tp := &TemplatePoll{Question: p.Question, IsQuiz: p.IsQuiz, Revealed: p.IsRevealed}
	for _, o := range p.Options {
		tp.Options = append(tp.Options, TemplatePollOption{
			Text:    o.Text,
			Votes:   o.VoteCount,
			Correct: p.IsQuiz && p.CorrectOptionID != nil && *p.CorrectOptionID == o.ID,
		})
	}
	return tp
}

func reactions(all map[string]map[string]bool) []TemplateReaction {
	out := make([]TemplateReaction, 0, len(all))
	for emoji, users := range all {
		n := 0
		for _, on := range users {
			if on {
				n++
			}
		}
		if n > 0 {
			out = append(out, TemplateReaction{Emoji: emoji, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}
