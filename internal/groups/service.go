// Package groups manages group lifecycle, membership, the restricted flag
// and the single meeting a group may hold.
package groups

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/audit"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/presence"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/util"
)

const (
	CodeEmptyName     = "EMPTY_GROUP_NAME"
	CodeRequestClosed = "REQUEST_CLOSED"
	CodeInactive      = "PRINCIPAL_NOT_ACTIVE"
	CodeNotMember     = "NOT_A_MEMBER"
)

const MaxNameLength = 80

type Service struct {
	repo     *store.Repo
	receipts *receipts.Tracker
	policy   presence.Policy
	audit    *audit.Emitter
	log      *zap.Logger
}

func NewService(repo *store.Repo, tracker *receipts.Tracker, policy presence.Policy, emitter *audit.Emitter, log *zap.Logger) *Service {
	return &Service{repo: repo, receipts: tracker, policy: policy, audit: emitter, log: logging.OrNop(log)}
}

// CreateResult holds either the new group or, for leaders, the filed request.
type CreateResult struct {
	Group   *store.Group        `json:"group,omitempty"`
	Request *store.GroupRequest `json:"request,omitempty"`
}

func (s *Service) Create(ctx context.Context, actor store.Principal, name string) (CreateResult, error) {
	name, err := cleanName(name)
	if err != nil {
		return CreateResult{}, err
	}
	subject := actor.Subject()
	caps := rbac.Resolve(subject, nil, nil)
	now := s.repo.Now()

	switch {
	case caps.CreateGroup:
		g := store.Group{
			ID:        util.NewID("grp"),
			Name:      name,
			Members:   map[string]bool{subject.ID: true},
			CreatedBy: subject.ID,
			CreatedAt: now,
		}
		if err := s.repo.PutGroup(ctx, g); err != nil {
			return CreateResult{}, err
		}
		s.log.Info("groups: created", zap.String("group", g.ID), zap.String("by", subject.ID))
		return CreateResult{Group: &g}, nil
	case caps.RequestGroup:
		req := store.GroupRequest{
			ID:          util.NewID("greq"),
			Name:        name,
			RequestedBy: subject.ID,
			Requester:   actor.Name(),
			Status:      store.RequestPending,
			CreatedAt:   now,
		}
		if err := s.repo.Tree().Set(ctx, tree.GroupRequest(req.ID), req); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{Request: &req}, nil
	default:
		return CreateResult{}, apperr.Denied("Only leaders and admins can create groups")
	}
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Invalid(CodeEmptyName, "Group name cannot be empty")
	}
	if len([]rune(name)) > MaxNameLength {
		return "", apperr.Invalid(CodeEmptyName, "Group name is too long")
	}
	return name, nil
}

// ListRequests returns every request to admin-tier principals and a leader's
// own requests to that leader.
func (s *Service) ListRequests(ctx context.Context, actor store.Principal) ([]store.GroupRequest, error) {
	subject := actor.Subject()
	caps := rbac.Resolve(subject, nil, nil)
	if !caps.ApproveRequests && !caps.RequestGroup {
		return nil, apperr.Denied("Only leaders and admins can see group requests")
	}
	all, err := s.repo.ListGroupRequests(ctx)
	if err != nil {
		return nil, err
	}
	if caps.ApproveRequests {
		return all, nil
	}
	own := make([]store.GroupRequest, 0, len(all))
	for _, req := range all {
		if req.RequestedBy == subject.ID {
			own = append(own, req)
		}
	}
	return own, nil
}

// ApproveRequest creates the requested group with the requester as its
// first member.
func (s *Service) ApproveRequest(ctx context.Context, actor store.Principal, rid string) (store.Group, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).ApproveRequests, "Only admins can approve group requests"); err != nil {
		return store.Group{}, err
	}
	gid := util.NewID("grp")
	req, err := s.review(ctx, subject.ID, rid, store.RequestApproved, gid)
	if err != nil {
		return store.Group{}, err
	}
	g := store.Group{
		ID:        gid,
		Name:      req.Name,
		Members:   map[string]bool{req.RequestedBy: true},
		CreatedBy: req.RequestedBy,
		CreatedAt: s.repo.Now(),
	}
	if err := s.repo.PutGroup(ctx, g); err != nil {
		return store.Group{}, err
	}
	return g, nil
}

func (s *Service) RejectRequest(ctx context.Context, actor store.Principal, rid string) (store.GroupRequest, error) {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).ApproveRequests, "Only admins can reject group requests"); err != nil {
		return store.GroupRequest{}, err
	}
	return s.review(ctx, subject.ID, rid, store.RequestRejected, "")
}

// review moves a pending request to its final status exactly once.
func (s *Service) review(ctx context.Context, reviewer, rid, status, gid string) (store.GroupRequest, error) {
	now := s.repo.Now()
	out, err := store.Transact(ctx, s.repo, tree.GroupRequest(rid), func(cur *store.GroupRequest) (*store.GroupRequest, error) {
		if cur == nil {
			return nil, apperr.NotFound("group request")
		}
		if cur.Status != store.RequestPending {
			return nil, apperr.Invalid(CodeRequestClosed, "This request was already "+cur.Status)
		}
		cur.Status = status
		cur.ReviewedBy = reviewer
		cur.ReviewedAt = &now
		cur.GroupID = gid
		return cur, nil
	})
	if err != nil {
		return store.GroupRequest{}, err
	}
	return *out, nil
}

func (s *Service) AddMember(ctx context.Context, actor store.Principal, gid, uid string) (store.Group, error) {
	subject := actor.Subject()
	group, err := s.visible(ctx, subject, gid)
	if err != nil {
		return store.Group{}, err
	}
	caps := rbac.Resolve(subject, scope(group, subject.ID), nil)
	if err := rbac.Require(caps.ManageMembers, "Only managers can add members"); err != nil {
		return store.Group{}, err
	}
	target, err := s.repo.GetPrincipal(ctx, uid)
	if err != nil {
		return store.Group{}, err
	}
	if target.Status != store.StatusActive {
		return store.Group{}, apperr.Invalid(CodeInactive, "Only active users can be added to groups")
	}
	return s.repo.UpdateGroup(ctx, gid, func(g *store.Group) error {
		g.Members[uid] = true
		return nil
	})
}

func (s *Service) RemoveMember(ctx context.Context, actor store.Principal, gid, uid string) (store.Group, error) {
	subject := actor.Subject()
	group, err := s.visible(ctx, subject, gid)
	if err != nil {
		return store.Group{}, err
	}
	if !group.IsMember(uid) {
		return store.Group{}, apperr.Invalid(CodeNotMember, "That user is not in this group")
	}
	target, err := s.repo.GetPrincipal(ctx, uid)
	if err != nil {
		return store.Group{}, err
	}
	if ok, reason := rbac.CanRemoveMember(subject, uid, target.Subject().Role); !ok {
		return store.Group{}, apperr.Denied(reason)
	}
	updated, err := s.repo.UpdateGroup(ctx, gid, func(g *store.Group) error {
		delete(g.Members, uid)
		return nil
	})
	if err != nil {
		return store.Group{}, err
	}
	s.audit.Emit(ctx, audit.Event{
		Type:      audit.MemberRemoved,
		ActorID:   subject.ID,
		ActorRole: string(subject.Role),
		GroupID:   gid,
		TargetID:  uid,
		Attributes: map[string]string{
			"targetRole": string(target.Role),
		},
	})
	return updated, nil
}

func (s *Service) SetRestricted(ctx context.Context, actor store.Principal, gid string, restricted bool) (store.Group, error) {
	subject := actor.Subject()
	group, err := s.visible(ctx, subject, gid)
	if err != nil {
		return store.Group{}, err
	}
	caps := rbac.Resolve(subject, scope(group, subject.ID), nil)
	if err := rbac.Require(caps.ToggleRestricted, "Only managers can change who may post"); err != nil {
		return store.Group{}, err
	}
	return s.repo.UpdateGroup(ctx, gid, func(g *store.Group) error {
		g.Restricted = restricted
		return nil
	})
}

// Delete removes the group with its messages, polls and typing entries.
func (s *Service) Delete(ctx context.Context, actor store.Principal, gid string) error {
	subject := actor.Subject()
	if err := rbac.Require(rbac.Resolve(subject, nil, nil).DeleteGroup, "Only the admin can delete groups"); err != nil {
		return err
	}
	group, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return err
	}
	msgs, err := s.repo.ListMessages(ctx, gid)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteGroup(ctx, gid); err != nil {
		return err
	}
	s.audit.Emit(ctx, audit.Event{
		Type:      audit.GroupDeleted,
		ActorID:   subject.ID,
		ActorRole: string(subject.Role),
		GroupID:   gid,
		Attributes: map[string]string{
			"name":     group.Name,
			"messages": strconv.Itoa(len(msgs)),
		},
	})
	return nil
}

// Summary is one row of a principal's group list.
type Summary struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Restricted  bool                 `json:"restricted"`
	IsMember    bool                 `json:"isMember"`
	Unread      int                  `json:"unread"`
	MemberCount int                  `json:"memberCount,omitempty"`
	OnlineCount int                  `json:"onlineCount,omitempty"`
	Pinned      *store.PinnedSummary `json:"pinned,omitempty"`
	Meeting     bool                 `json:"meetingActive"`
}

// ListVisible lists the groups actor may see with unread counts. Member and
// online counts need the group-details capability.
func (s *Service) ListVisible(ctx context.Context, actor store.Principal) ([]Summary, error) {
	subject := actor.Subject()
	all, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]store.Group, 0, len(all))
	gids := make([]string, 0, len(all))
	for _, g := range all {
		if rbac.CanViewGroup(subject, g.IsMember(subject.ID)) {
			visible = append(visible, g)
			gids = append(gids, g.ID)
		}
	}
	unread, err := s.receipts.UnreadByGroup(ctx, subject.ID, gids)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(visible))
	for _, g := range visible {
		sum := Summary{
			ID:         g.ID,
			Name:       g.Name,
			Restricted: g.Restricted,
			IsMember:   g.IsMember(subject.ID),
			Unread:     unread[g.ID],
			Pinned:     g.PinnedMessage.For(subject),
			Meeting:    g.Meeting != nil && g.Meeting.Active,
		}
		if rbac.Resolve(subject, scope(g, subject.ID), nil).SeeGroupDetails {
			ids := g.MemberIDs()
			sum.MemberCount = len(ids)
			online, err := s.onlineCount(ctx, subject, ids)
			if err != nil {
				return nil, err
			}
			sum.OnlineCount = online
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) onlineCount(ctx context.Context, viewer rbac.Subject, ids []string) (int, error) {
	members, err := s.repo.GetPrincipals(ctx, ids)
	if err != nil {
		return 0, err
	}
	records, err := s.repo.ListPresence(ctx, ids)
	if err != nil {
		return 0, err
	}
	list := make([]store.Principal, 0, len(members))
	for _, p := range members {
		list = append(list, p)
	}
	return s.policy.OnlineCount(viewer, list, records), nil
}

func (s *Service) visible(ctx context.Context, subject rbac.Subject, gid string) (store.Group, error) {
	group, err := s.repo.GetGroup(ctx, gid)
	if err != nil {
		return store.Group{}, err
	}
	if !rbac.CanViewGroup(subject, group.IsMember(subject.ID)) {
		return store.Group{}, apperr.Denied("You are not a member of this group")
	}
	return group, nil
}

func scope(g store.Group, uid string) *rbac.GroupScope {
	return &rbac.GroupScope{IsMember: g.IsMember(uid), Restricted: g.Restricted}
}
