package groups

import (
	"context"
	"time"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/util"
)

// MeetingResult reports whether the caller started the meeting or joined one
// already running.
type MeetingResult struct {
	Joined  bool                 `json:"joined"`
	Meeting *store.MeetingStatus `json:"meeting,omitempty"`
	Message *store.Message       `json:"message,omitempty"`
}

// StartMeeting flips meetingStatus.active in a transaction so that only the
// first initiator announces the meeting.
func (s *Service) StartMeeting(ctx context.Context, actor store.Principal, gid string) (MeetingResult, error) {
	subject := actor.Subject()
	if err := s.requireMeetingAccess(ctx, subject, gid); err != nil {
		return MeetingResult{}, err
	}

	now := s.repo.Now()
	mid := util.NewID("msg")
	var joined bool
	g, err := store.Transact(ctx, s.repo, tree.Group(gid), func(cur *store.Group) (*store.Group, error) {
		if cur == nil {
			return nil, errGroupGone()
		}
		if cur.Meeting != nil && cur.Meeting.Active {
			joined = true
			return nil, nil
		}
		joined = false
		cur.Meeting = &store.MeetingStatus{Active: true, InitiatorID: subject.ID, MessageID: mid, StartedAt: &now}
		return cur, nil
	})
	if err != nil {
		return MeetingResult{}, err
	}
	if joined {
		return MeetingResult{Joined: true, Meeting: g.Meeting}, nil
	}

	m := systemMessage(actor, gid, mid, "📹 "+actor.Name()+" started a meeting", now)
	if err := s.repo.PutMessage(ctx, m); err != nil {
		return MeetingResult{}, err
	}
	return MeetingResult{Meeting: g.Meeting, Message: &m}, nil
}

// EndMeeting clears the flag and posts the closing notice. Ending a group
// with no active meeting changes nothing.
func (s *Service) EndMeeting(ctx context.Context, actor store.Principal, gid string) (MeetingResult, error) {
	subject := actor.Subject()
	if err := s.requireMeetingAccess(ctx, subject, gid); err != nil {
		return MeetingResult{}, err
	}

	var ended bool
	_, err := store.Transact(ctx, s.repo, tree.Group(gid), func(cur *store.Group) (*store.Group, error) {
		if cur == nil {
			return nil, errGroupGone()
		}
		if cur.Meeting == nil || !cur.Meeting.Active {
			ended = false
			return nil, nil
		}
		ended = true
		cur.Meeting = nil
		return cur, nil
	})
	if err != nil || !ended {
		return MeetingResult{}, err
	}

	now := s.repo.Now()
	m := systemMessage(actor, gid, util.NewID("msg"), "📹 Meeting ended", now)
	if err := s.repo.PutMessage(ctx, m); err != nil {
		return MeetingResult{}, err
	}
	return MeetingResult{Message: &m}, nil
}

func (s *Service) requireMeetingAccess(ctx context.Context, subject rbac.Subject, gid string) error {
	group, err := s.visible(ctx, subject, gid)
	if err != nil {
		return err
	}
	caps := rbac.Resolve(subject, scope(group, subject.ID), nil)
	return rbac.Require(caps.StartMeeting, rbac.ErrRestrictedGroup)
}

func systemMessage(actor store.Principal, gid, mid, text string, at time.Time) store.Message {
	return store.Message{
		ID:         mid,
		GroupID:    gid,
		SenderID:   actor.ID,
		SenderName: actor.Name(),
		SenderRole: actor.Subject().Role,
		SenderXP:   actor.XP,
		Type:       store.TypeSystem,
		Text:       text,
		CreatedAt:  at,
	}
}

func errGroupGone() error {
	return apperr.NotFound("group")
}
