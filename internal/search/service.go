package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
)

const indexTimeout = 10 * time.Second

// Service tries the primary backend first and falls back to the mirror. Every
// index write goes to both so the mirror can rebuild the primary.
type Service struct {
	primary  Backend
	fallback Backend
	log      *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured.
func NewService(primary, fallback Backend, log *zap.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, log: logging.OrNop(log)}
}

// Index upserts m in the background. Failures are logged and never reach
// the sender.
func (s *Service) Index(ctx context.Context, m store.Message) {
	rec, ok := RecordFrom(m)
	if !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, b := range []Backend{s.fallback, s.primary} {
		if b == nil || !b.Healthy() {
			continue
		}
		s.pending.Add(1)
		go func(b Backend) {
			defer s.pending.Done()
			ctx, cancel := context.WithTimeout(ctx, indexTimeout)
			defer cancel()
			if err := b.Upsert(ctx, []MessageRecord{rec}); err != nil {
				s.log.Warn("search: index message failed", zap.String("backend", b.Name()), zap.String("message", rec.ID), zap.Error(err))
			}
		}(b)
	}
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Search looks for text in the groups viewer may see. Deleted messages are
// only searchable by the admin, and sender names are masked as in the chat.
func (s *Service) Search(ctx context.Context, viewer store.Principal, text string, groups []store.Group) (Response, error) {
	text = strings.TrimSpace(text)
	resp := Response{Results: []Result{}, Query: text}
	subject := viewer.Subject()

	gids := make([]string, 0, len(groups))
	for _, g := range groups {
		if rbac.CanViewGroup(subject, g.IsMember(subject.ID)) {
			gids = append(gids, g.ID)
		}
	}
	if text == "" || len(gids) == 0 {
		return resp, nil
	}
	q := Query{
		Text:           text,
		GroupIDs:       gids,
		IncludeDeleted: rbac.Resolve(subject, nil, nil).SeeDeletedContent,
	}

	results, total, backend, err := s.run(ctx, q)
	if err != nil {
		return resp, apperr.Upstream("search", err)
	}
	for i := range results {
		r := &results[i]
		r.SenderName = rbac.DisplayName(subject, r.SenderID, r.SenderRole, r.SenderName)
		if r.IsDeleted && !q.IncludeDeleted {
			continue
		}
		resp.Results = append(resp.Results, *r)
	}
	resp.Total = total
	resp.Backend = backend
	return resp, nil
}

func (s *Service) run(ctx context.Context, q Query) ([]Result, int, string, error) {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return results, total, s.primary.Name(), nil
		}
		s.log.Warn("search: primary failed, falling back", zap.String("backend", s.primary.Name()), zap.Error(err))
	}
	if s.fallback == nil {
		return nil, 0, "", errNoBackend
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return nil, 0, "", err
	}
	return results, total, s.fallback.Name(), nil
}

var errNoBackend = errors.New("search: no backend configured")

// RecordLoader lists every mirrored record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}

// Reindex pushes the mirror into the primary backend, used at startup when
// the primary index may be empty.
func (s *Service) Reindex(ctx context.Context, from RecordLoader) {
	if s.primary == nil || !s.primary.Healthy() || from == nil {
		return
	}
	records, err := from.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("search: reindex load failed", zap.Error(err))
		return
	}
	if err := s.primary.Upsert(ctx, records); err != nil {
		s.log.Warn("search: reindex failed", zap.Int("records", len(records)), zap.Error(err))
		return
	}
	s.log.Info("search: reindexed", zap.Int("records", len(records)))
}
