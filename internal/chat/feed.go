package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
)

type ChangeKind string

const (
	ChangeGroup     ChangeKind = "group"
	ChangeMessage   ChangeKind = "message"
	ChangePoll      ChangeKind = "poll"
	ChangeTyping    ChangeKind = "typing"
	ChangePresence  ChangeKind = "presence"
	ChangePrincipal ChangeKind = "principal"
	ChangeStarred   ChangeKind = "starred"
	ChangeWatermark ChangeKind = "watermark"
)

// Change is a store notification classified by the entity it touched.
// UserID is set for typing, presence, principal, starred and watermark
// changes.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Path    string     `json:"path"`
	Op      tree.Op    `json:"op"`
	GroupID string     `json:"groupId,omitempty"`
	UserID  string     `json:"userId,omitempty"`
}

// Classify maps a raw tree event onto a Change. Paths outside the chat
// layout are reported as not ok.
func Classify(ev tree.Event) (Change, bool) {
	parts := strings.Split(ev.Path, "/")
	c := Change{Path: ev.Path, Op: ev.Op}
	switch parts[0] {
	case "groups":
		if len(parts) < 2 {
			return Change{}, false
		}
		c.GroupID = parts[1]
		switch {
		case len(parts) == 2:
			c.Kind = ChangeGroup
		case parts[2] == "messages" && len(parts) == 4:
			c.Kind = ChangeMessage
		case parts[2] == "messages" && len(parts) == 5 && parts[4] == "poll":
			c.Kind = ChangePoll
		case parts[2] == "typing" && len(parts) == 4:
			c.Kind = ChangeTyping
			c.UserID = parts[3]
		default:
			return Change{}, false
		}
	case "status":
		if len(parts) != 2 {
			return Change{}, false
		}
		c.Kind = ChangePresence
		c.UserID = parts[1]
	case "users":
		if len(parts) < 2 {
			return Change{}, false
		}
		c.UserID = parts[1]
		switch {
		case len(parts) == 2:
			c.Kind = ChangePrincipal
		case parts[2] == "starredMessages" && len(parts) >= 4:
			c.Kind = ChangeStarred
			c.GroupID = parts[3]
		case parts[2] == "lastViewed" && len(parts) == 4:
			c.Kind = ChangeWatermark
			c.GroupID = parts[3]
		default:
			return Change{}, false
		}
	default:
		return Change{}, false
	}
	return c, true
}

// Snapshot is everything a view of one group is reduced from.
type Snapshot struct {
	Group    store.Group                     `json:"group"`
	Messages []store.Message                 `json:"messages"`
	Polls    map[string]store.PollState      `json:"polls"`
	Typing   map[string]string               `json:"typing"`
	Members  map[string]store.Principal      `json:"members"`
	Presence map[string]store.PresenceRecord `json:"presence"`
}

// LoadSnapshot reads the current state of a group from the tree.
func (s *Service) LoadSnapshot(ctx context.Context, gid string) (Snapshot, error) {
	group, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return Snapshot{}, err
	}
	msgs, err := s.repo.ListMessages(ctx, gid)
	if err != nil {
		return Snapshot{}, err
	}
	polls, err := s.repo.ListPolls(ctx, gid, msgs)
	if err != nil {
		return Snapshot{}, err
	}
	typing, err := s.repo.ListTyping(ctx, gid)
	if err != nil {
		return Snapshot{}, err
	}
	memberIDs := group.MemberIDs()
	members, err := s.repo.GetPrincipals(ctx, memberIDs)
	if err != nil {
		return Snapshot{}, err
	}
	presence, err := s.repo.ListPresence(ctx, memberIDs)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Group:    group,
		Messages: msgs,
		Polls:    polls,
		Typing:   typing,
		Members:  members,
		Presence: presence,
	}, nil
}

// Update is one batch of changes and the snapshot rebuilt after it. The first
// update of a feed carries no changes.
type Update struct {
	Changes  []Change
	Snapshot Snapshot
	Err      error
}

// FeedBatchWindow is how long a feed waits for more notifications before
// rebuilding the snapshot.
const FeedBatchWindow = 25 * time.Millisecond

// Feed streams the state of one group. It owns a single subscription and a
// goroutine; Close stops both.
type Feed struct {
	gid     string
	sub     *tree.Subscription
	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Feed subscribes to the group's subtree, presence and principal records and
// emits a snapshot now and after every batch of relevant changes.
func (s *Service) Feed(ctx context.Context, gid string) (*Feed, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.repo.Tree().Subscribe(ctx, tree.Group(gid), tree.Statuses(), tree.Users())
	if err != nil {
		cancel()
		return nil, err
	}
	f := &Feed{
		gid:     gid,
		sub:     sub,
		updates: make(chan Update, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go f.run(ctx, s)
	return f, nil
}

func (f *Feed) Updates() <-chan Update {
	return f.updates
}

func (f *Feed) Close() {
	f.once.Do(func() {
		f.cancel()
		_ = f.sub.Close()
	})
	<-f.done
}

func (f *Feed) run(ctx context.Context, s *Service) {
	defer close(f.done)
	defer close(f.updates)

	if !f.emit(ctx, s, nil) {
		return
	}
	events := f.sub.Events()
	for {
		var batch []Change
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			batch = f.collect(batch, ev)
		}

		timer := time.NewTimer(FeedBatchWindow)
	drain:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-events:
				if !ok {
					timer.Stop()
					return
				}
				batch = f.collect(batch, ev)
			case <-timer.C:
				break drain
			}
		}
		if len(batch) == 0 {
			continue
		}
		if !f.emit(ctx, s, batch) {
			return
		}
	}
}

// collect keeps the changes that can alter this group's view. Starred and
// watermark changes of other groups are dropped.
func (f *Feed) collect(batch []Change, ev tree.Event) []Change {
	c, ok := Classify(ev)
	if !ok {
		return batch
	}
	if c.GroupID != "" && c.GroupID != f.gid {
		return batch
	}
	return append(batch, c)
}

func (f *Feed) emit(ctx context.Context, s *Service, batch []Change) bool {
	snap, err := s.LoadSnapshot(ctx, f.gid)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("chat: rebuild snapshot", zap.String("group", f.gid), zap.Error(err))
	}
	select {
	case f.updates <- Update{Changes: batch, Snapshot: snap, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}
