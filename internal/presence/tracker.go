// Package presence keeps status/{uid} and the per-group typing entries tied
// to the liveness of a client connection.
package presence

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"raterhub/api/internal/logging"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
)

const stampField = "lastChanged"

type Tracker struct {
	repo *store.Repo
	log  *zap.Logger
}

func NewTracker(repo *store.Repo, log *zap.Logger) *Tracker {
	return &Tracker{repo: repo, log: logging.OrNop(log)}
}

// Session is one live client of a principal. Closing it, or losing it to the
// reaper, sets the principal offline and clears its typing entries.
type Session struct {
	tracker   *Tracker
	conn      *tree.Conn
	principal store.Principal

	mu     sync.Mutex
	typing map[string]bool
	closed bool
}

// Connect writes the online record and registers the offline write before
// returning, so a session that dies right away still resolves to offline.
func (t *Tracker) Connect(ctx context.Context, p store.Principal) (*Session, error) {
	ts := t.repo.Tree()
	conn, err := ts.Connect(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	offline := store.PresenceRecord{State: store.PresenceOffline, Role: p.Role, IsHidden: p.IsHidden}
	if err := conn.OnDisconnect(ctx, tree.Status(p.ID), offline, stampField); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	online := store.PresenceRecord{
		State:       store.PresenceOnline,
		LastChanged: ts.Now(),
		Role:        p.Role,
		IsHidden:    p.IsHidden,
	}
	if err := ts.Set(ctx, tree.Status(p.ID), online); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("write presence: %w", err)
	}

	t.log.Debug("presence: connected", zap.String("user", p.ID), zap.String("conn", conn.ID))
	return &Session{tracker: t, conn: conn, principal: p, typing: map[string]bool{}}, nil
}

func (s *Session) ID() string { return s.conn.ID }

func (s *Session) Principal() store.Principal { return s.principal }

// SetTyping publishes the principal's display name in the group's typing map.
// Repeated calls for the same group only rewrite the entry.
func (s *Session) SetTyping(ctx context.Context, gid string) error {
	path := tree.Typing(gid, s.principal.ID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tree.ErrConnectionLost
	}
	first := !s.typing[gid]
	s.typing[gid] = true
	s.mu.Unlock()

	if first {
		if err := s.conn.OnDisconnect(ctx, path, nil, ""); err != nil {
			return err
		}
	}
	return s.tracker.repo.Tree().Set(ctx, path, s.principal.Name())
}

func (s *Session) ClearTyping(ctx context.Context, gid string) error {
	s.mu.Lock()
	if !s.typing[gid] {
		s.mu.Unlock()
		return nil
	}
	delete(s.typing, gid)
	s.mu.Unlock()

	path := tree.Typing(gid, s.principal.ID)
	if err := s.tracker.repo.Tree().Delete(ctx, path); err != nil {
		return err
	}
	return s.conn.Cancel(ctx, path)
}

// Heartbeat keeps the connection out of the reaper's reach.
func (s *Session) Heartbeat(ctx context.Context) error {
	return s.conn.Heartbeat(ctx)
}

// Close fires the registered disconnect writes. It is safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Close(ctx); err != nil {
		return err
	}
	s.tracker.log.Debug("presence: closed", zap.String("user", s.principal.ID), zap.String("conn", s.conn.ID))
	return nil
}

// SetHidden stores the opt-out on the principal and mirrors it onto the
// status record when one exists.
func (t *Tracker) SetHidden(ctx context.Context, uid string, hidden bool) (store.Principal, error) {
	p, err := t.repo.UpdatePrincipal(ctx, uid, func(p *store.Principal) error {
		p.IsHidden = hidden
		return nil
	})
	if err != nil {
		return store.Principal{}, err
	}
	_, err = store.Transact(ctx, t.repo, tree.Status(uid), func(cur *store.PresenceRecord) (*store.PresenceRecord, error) {
		if cur == nil || cur.IsHidden == hidden {
			return nil, nil
		}
		cur.IsHidden = hidden
		return cur, nil
	})
	if err != nil {
		return store.Principal{}, err
	}
	return p, nil
}
