package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/tree"
)

// Repo is the typed view of the shared state tree.
type Repo struct {
	tree *tree.Store
}

func NewRepo(t *tree.Store) *Repo {
	return &Repo{tree: t}
}

func (r *Repo) Tree() *tree.Store {
	return r.tree
}

func (r *Repo) Now() time.Time {
	return r.tree.Now()
}

// Transact runs a typed optimistic transaction and maps retry exhaustion to
// ConflictRetryExhausted.
func Transact[T any](ctx context.Context, r *Repo, path string, fn func(current *T) (*T, error)) (*T, error) {
	out, err := tree.TransactJSON(ctx, r.tree, path, fn)
	if errors.Is(err, tree.ErrRetryExhausted) {
		return nil, apperr.Conflict(err)
	}
	return out, err
}

// Principals

func (r *Repo) GetPrincipal(ctx context.Context, uid string) (Principal, error) {
	var p Principal
	found, err := r.tree.Get(ctx, tree.User(uid), &p)
	if err != nil {
		return Principal{}, err
	}
	if !found {
		return Principal{}, apperr.NotFound("user")
	}
	if p.ID == "" {
		p.ID = uid
	}
	return p, nil
}

func (r *Repo) PutPrincipal(ctx context.Context, p Principal) error {
	return r.tree.Set(ctx, tree.User(p.ID), p)
}

// UpdatePrincipal transacts a change to users/{uid}. fn returning an error
// aborts the write.
func (r *Repo) UpdatePrincipal(ctx context.Context, uid string, fn func(p *Principal) error) (Principal, error) {
	out, err := Transact(ctx, r, tree.User(uid), func(cur *Principal) (*Principal, error) {
		if cur == nil {
			return nil, apperr.NotFound("user")
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return Principal{}, err
	}
	return *out, nil
}

// ListPrincipals reads users/ children. Sub-trees such as lastViewed are not
// principal documents and are skipped.
func (r *Repo) ListPrincipals(ctx context.Context) ([]Principal, error) {
	raw, err := r.tree.List(ctx, tree.Users())
	if err != nil {
		return nil, err
	}
	out := make([]Principal, 0, len(raw))
	for uid, value := range raw {
		var p Principal
		if err := json.Unmarshal(value, &p); err != nil {
			return nil, fmt.Errorf("decode user %s: %w", uid, err)
		}
		if p.ID == "" {
			p.ID = uid
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetPrincipals loads the principals that exist among uids.
func (r *Repo) GetPrincipals(ctx context.Context, uids []string) (map[string]Principal, error) {
	paths := make([]string, len(uids))
	for i, uid := range uids {
		paths[i] = tree.User(uid)
	}
	raw, err := r.tree.GetMany(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Principal, len(raw))
	for path, value := range raw {
		var p Principal
		if err := json.Unmarshal(value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		_, uid := tree.Parent(path)
		if p.ID == "" {
			p.ID = uid
		}
		out[uid] = p
	}
	return out, nil
}

// FindPrincipalByEmail scans the principals; the identity provider keeps the
// authoritative email index.
func (r *Repo) FindPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	all, err := r.ListPrincipals(ctx)
	if err != nil {
		return Principal{}, err
	}
	for _, p := range all {
		if p.Email == email {
			return p, nil
		}
	}
	return Principal{}, apperr.NotFound("user")
}

// Groups

func (r *Repo) GetGroup(ctx context.Context, gid string) (Group, error) {
	var g Group
	found, err := r.tree.Get(ctx, tree.Group(gid), &g)
	if err != nil {
		return Group{}, err
	}
	if !found {
		return Group{}, apperr.NotFound("group")
	}
	if g.ID == "" {
		g.ID = gid
	}
	if g.Members == nil {
		g.Members = map[string]bool{}
	}
	return g, nil
}

func (r *Repo) PutGroup(ctx context.Context, g Group) error {
	return r.tree.Set(ctx, tree.Group(g.ID), g)
}

func (r *Repo) UpdateGroup(ctx context.Context, gid string, fn func(g *Group) error) (Group, error) {
	out, err := Transact(ctx, r, tree.Group(gid), func(cur *Group) (*Group, error) {
		if cur == nil {
			return nil, apperr.NotFound("group")
		}
		if cur.Members == nil {
			cur.Members = map[string]bool{}
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return Group{}, err
	}
	return *out, nil
}

func (r *Repo) ListGroups(ctx context.Context) ([]Group, error) {
	raw, err := r.tree.List(ctx, tree.Groups())
	if err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(raw))
	for gid, value := range raw {
		var g Group
		if err := json.Unmarshal(value, &g); err != nil {
			return nil, fmt.Errorf("decode group %s: %w", gid, err)
		}
		if g.ID == "" {
			g.ID = gid
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repo) DeleteGroup(ctx context.Context, gid string) error {
	return r.tree.Delete(ctx, tree.Group(gid))
}

// Messages

func (r *Repo) GetMessage(ctx context.Context, gid, mid string) (Message, error) {
	var m Message
	found, err := r.tree.Get(ctx, tree.Message(gid, mid), &m)
	if err != nil {
		return Message{}, err
	}
	if !found {
		return Message{}, apperr.NotFound("message")
	}
	if m.ID == "" {
		m.ID = mid
	}
	m.GroupID = gid
	return m, nil
}

func (r *Repo) PutMessage(ctx context.Context, m Message) error {
	return r.tree.Set(ctx, tree.Message(m.GroupID, m.ID), m)
}

func (r *Repo) UpdateMessage(ctx context.Context, gid, mid string, fn func(m *Message) error) (Message, error) {
	out, err := Transact(ctx, r, tree.Message(gid, mid), func(cur *Message) (*Message, error) {
		if cur == nil {
			return nil, apperr.NotFound("message")
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return Message{}, err
	}
	return *out, nil
}

// ListMessages returns the group's messages ordered by createdAt, ties
// broken by id.
func (r *Repo) ListMessages(ctx context.Context, gid string) ([]Message, error) {
	raw, err := r.tree.List(ctx, tree.Messages(gid))
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for mid, value := range raw {
		var m Message
		if err := json.Unmarshal(value, &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", mid, err)
		}
		if m.ID == "" {
			m.ID = mid
		}
		m.GroupID = gid
		out = append(out, m)
	}
	SortMessages(out)
	return out, nil
}

func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Polls

func (r *Repo) GetPoll(ctx context.Context, gid, mid string) (PollState, error) {
	var p PollState
	found, err := r.tree.Get(ctx, tree.Poll(gid, mid), &p)
	if err != nil {
		return PollState{}, err
	}
	if !found {
		return PollState{}, apperr.NotFound("poll")
	}
	return p, nil
}

// ListPolls returns the poll state of every poll message in msgs.
func (r *Repo) ListPolls(ctx context.Context, gid string, msgs []Message) (map[string]PollState, error) {
	var paths []string
	for _, m := range msgs {
		if m.Type == TypePoll {
			paths = append(paths, tree.Poll(gid, m.ID))
		}
	}
	raw, err := r.tree.GetMany(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PollState, len(raw))
	for path, value := range raw {
		var p PollState
		if err := json.Unmarshal(value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		msgPath, _ := tree.Parent(path)
		_, mid := tree.Parent(msgPath)
		out[mid] = p
	}
	return out, nil
}

// Typing

func (r *Repo) ListTyping(ctx context.Context, gid string) (map[string]string, error) {
	raw, err := r.tree.List(ctx, tree.TypingAll(gid))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for uid, value := range raw {
		var name string
		if err := json.Unmarshal(value, &name); err != nil {
			continue
		}
		out[uid] = name
	}
	return out, nil
}

// Presence

func (r *Repo) GetPresence(ctx context.Context, uid string) (PresenceRecord, bool, error) {
	var rec PresenceRecord
	found, err := r.tree.Get(ctx, tree.Status(uid), &rec)
	return rec, found, err
}

func (r *Repo) ListPresence(ctx context.Context, uids []string) (map[string]PresenceRecord, error) {
	paths := make([]string, len(uids))
	for i, uid := range uids {
		paths[i] = tree.Status(uid)
	}
	raw, err := r.tree.GetMany(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PresenceRecord, len(raw))
	for path, value := range raw {
		var rec PresenceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			continue
		}
		_, uid := tree.Parent(path)
		out[uid] = rec
	}
	return out, nil
}

// Watermarks and stars

func (r *Repo) LastViewed(ctx context.Context, uid, gid string) (time.Time, error) {
	var at time.Time
	if _, err := r.tree.Get(ctx, tree.LastViewed(uid, gid), &at); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

func (r *Repo) StarredIn(ctx context.Context, uid, gid string) (map[string]bool, error) {
	raw, err := r.tree.List(ctx, tree.StarredIn(uid, gid))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(raw))
	for mid, value := range raw {
		var on bool
		if json.Unmarshal(value, &on) == nil && on {
			out[mid] = true
		}
	}
	return out, nil
}

// Requests

func (r *Repo) GetGroupRequest(ctx context.Context, rid string) (GroupRequest, error) {
	var req GroupRequest
	found, err := r.tree.Get(ctx, tree.GroupRequest(rid), &req)
	if err != nil {
		return GroupRequest{}, err
	}
	if !found {
		return GroupRequest{}, apperr.NotFound("group request")
	}
	return req, nil
}

func (r *Repo) ListGroupRequests(ctx context.Context) ([]GroupRequest, error) {
	return listSorted[GroupRequest](ctx, r, tree.GroupRequests(), func(a, b GroupRequest) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (r *Repo) GetResetRequest(ctx context.Context, rid string) (ResetRequest, error) {
	var req ResetRequest
	found, err := r.tree.Get(ctx, tree.ResetRequest(rid), &req)
	if err != nil {
		return ResetRequest{}, err
	}
	if !found {
		return ResetRequest{}, apperr.NotFound("reset request")
	}
	return req, nil
}

func (r *Repo) ListResetRequests(ctx context.Context) ([]ResetRequest, error) {
	return listSorted[ResetRequest](ctx, r, tree.ResetRequests(), func(a, b ResetRequest) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func listSorted[T any](ctx context.Context, r *Repo, parent string, less func(a, b T) bool) ([]T, error) {
	raw, err := r.tree.List(ctx, parent)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for key, value := range raw {
		var item T
		if err := json.Unmarshal(value, &item); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", parent, key, err)
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}
