// Package receipts tracks per-user read watermarks, unread counts and the
// delivery ticks shown on a sender's own messages.
package receipts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/logging"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
)

// MarkReadDistance is how close to the bottom (in pixels) the viewer must
// scroll for the group to count as read.
const MarkReadDistance = 200

type Delivery string

const (
	ReadByAll  Delivery = "read_all"
	ReadBySome Delivery = "read_some"
	Delivered  Delivery = "delivered"
)

// ShouldMarkRead reports whether a scroll position or an explicit jump to
// the latest message advances the watermark.
func ShouldMarkRead(distanceFromBottom float64, jumpedToLatest bool) bool {
	return jumpedToLatest || distanceFromBottom <= MarkReadDistance
}

// IsUnread reports whether m counts as unread for viewer at watermark.
func IsUnread(m store.Message, viewerID string, watermark time.Time) bool {
	return m.SenderID != viewerID && m.CreatedAt.After(watermark)
}

func UnreadCount(msgs []store.Message, viewerID string, watermark time.Time) int {
	n := 0
	for _, m := range msgs {
		if IsUnread(m, viewerID, watermark) {
			n++
		}
	}
	return n
}

// DeliveryStatus compares readBy with the current membership, sender
// excluded. It is only meaningful for the sender's own messages.
func DeliveryStatus(m store.Message, members []string) Delivery {
	others, read := 0, 0
	for _, uid := range members {
		if uid == m.SenderID {
			continue
		}
		others++
		if _, ok := m.ReadBy[uid]; ok {
			read++
		}
	}
	switch {
	case others > 0 && read == others:
		return ReadByAll
	case read > 0:
		return ReadBySome
	default:
		return Delivered
	}
}

type Tracker struct {
	repo *store.Repo
	log  *zap.Logger
}

func NewTracker(repo *store.Repo, log *zap.Logger) *Tracker {
	return &Tracker{repo: repo, log: logging.OrNop(log)}
}

// BeginSession returns the watermark to hold for the whole viewing session.
// It is the zero time when the user never read the group.
func (t *Tracker) BeginSession(ctx context.Context, uid, gid string) (time.Time, error) {
	return t.repo.LastViewed(ctx, uid, gid)
}

// MarkRead advances the watermark to now (never backwards) and stamps
// readBy on messages from others that uid had not read yet.
func (t *Tracker) MarkRead(ctx context.Context, uid, gid string, now time.Time) (time.Time, error) {
	watermark, err := store.Transact(ctx, t.repo, tree.LastViewed(uid, gid), func(cur *time.Time) (*time.Time, error) {
		if cur != nil && !now.After(*cur) {
			return nil, nil
		}
		next := now
		return &next, nil
	})
	if err != nil {
		return time.Time{}, err
	}

	msgs, err := t.repo.ListMessages(ctx, gid)
	if err != nil {
		return *watermark, err
	}
	for _, m := range msgs {
		if m.SenderID == uid || m.IsUploading {
			continue
		}
		if _, seen := m.ReadBy[uid]; seen {
			continue
		}
		_, err := t.repo.UpdateMessage(ctx, gid, m.ID, func(msg *store.Message) error {
			if msg.ReadBy == nil {
				msg.ReadBy = map[string]time.Time{}
			}
			if _, seen := msg.ReadBy[uid]; !seen {
				msg.ReadBy[uid] = now
			}
			return nil
		})
		if err != nil {
			t.log.Warn("receipts: mark message read",
				zap.String("group", gid),
				zap.String("message", m.ID),
				zap.Error(err))
		}
	}
	return *watermark, nil
}

// UnreadByGroup computes unread counts for a group list.
func (t *Tracker) UnreadByGroup(ctx context.Context, uid string, gids []string) (map[string]int, error) {
	out := make(map[string]int, len(gids))
	for _, gid := range gids {
		watermark, err := t.repo.LastViewed(ctx, uid, gid)
		if err != nil {
			return nil, err
		}
		msgs, err := t.repo.ListMessages(ctx, gid)
		if err != nil {
			return nil, err
		}
		out[gid] = UnreadCount(msgs, uid, watermark)
	}
	return out, nil
}
