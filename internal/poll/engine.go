package poll

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/audit"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/xp"
)

type Engine struct {
	repo   *store.Repo
	ledger *xp.Ledger
	audit  *audit.Emitter
	log    *zap.Logger
}

func NewEngine(repo *store.Repo, ledger *xp.Ledger, emitter *audit.Emitter, log *zap.Logger) *Engine {
	return &Engine{repo: repo, ledger: ledger, audit: emitter, log: logging.OrNop(log)}
}

// VoteResult is the committed poll state and what the vote did.
type VoteResult struct {
	Outcome Outcome         `json:"outcome"`
	State   store.PollState `json:"-"`
	XPDelta int             `json:"xpDelta"`
}

// Vote records actor's vote as an optimistic transaction on the poll node.
// The XP grant for a first vote is a separate write after the vote commits.
func (e *Engine) Vote(ctx context.Context, actor store.Principal, gid, mid string, optionID int) (VoteResult, error) {
	subject := actor.Subject()
	if _, _, err := e.loadVisible(ctx, subject, gid, mid); err != nil {
		return VoteResult{}, err
	}

	var outcome Outcome
	state, err := store.Transact(ctx, e.repo, tree.Poll(gid, mid), func(cur *store.PollState) (*store.PollState, error) {
		if cur == nil {
			return nil, apperr.NotFound("poll")
		}
		o, err := Vote(cur, subject.ID, optionID)
		if err != nil {
			return nil, err
		}
		outcome = o
		if o == Unchanged {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		return VoteResult{}, err
	}

	result := VoteResult{Outcome: outcome, State: *state}
	if outcome.FirstVote() {
		result.XPDelta = voteXP(*state, optionID)
		e.ledger.Grant(ctx, subject.ID, result.XPDelta, xp.SourceVote)
	}
	return result, nil
}

func voteXP(state store.PollState, optionID int) int {
	if !state.IsQuiz {
		return xp.VoteNonQuiz
	}
	if state.CorrectOptionID != nil && *state.CorrectOptionID == optionID {
		return xp.QuizCorrect
	}
	return xp.QuizWrong
}

// Reveal is allowed to the poll creator and admin-tier principals and is
// idempotent.
func (e *Engine) Reveal(ctx context.Context, actor store.Principal, gid, mid string) (store.PollState, error) {
	subject := actor.Subject()
	_, msg, err := e.loadVisible(ctx, subject, gid, mid)
	if err != nil {
		return store.PollState{}, err
	}
	current, err := e.repo.GetPoll(ctx, gid, mid)
	if err != nil {
		return store.PollState{}, err
	}
	caps := rbac.Resolve(subject, nil, &rbac.MessageScope{
		SenderID:      msg.SenderID,
		SenderRole:    msg.SenderRole,
		Type:          msg.Type,
		PollCreatorID: current.CreatorID,
	})
	if err := rbac.Require(caps.RevealPoll, "Only the poll creator or an admin can reveal the answer"); err != nil {
		return store.PollState{}, err
	}

	var changed bool
	state, err := store.Transact(ctx, e.repo, tree.Poll(gid, mid), func(cur *store.PollState) (*store.PollState, error) {
		if cur == nil {
			return nil, apperr.NotFound("poll")
		}
		c, err := Reveal(cur)
		if err != nil {
			return nil, err
		}
		changed = c
		if !c {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		return store.PollState{}, err
	}

	if changed {
		e.audit.Emit(ctx, audit.Event{
			Type:      audit.PollRevealed,
			ActorID:   subject.ID,
			ActorRole: string(subject.Role),
			GroupID:   gid,
			TargetID:  mid,
			Attributes: map[string]string{
				"votes": strconv.Itoa(len(state.Votes)),
			},
		})
	}
	return *state, nil
}

// Report is visible to the poll creator and to managers.
func (e *Engine) Report(ctx context.Context, actor store.Principal, gid, mid string) (Report, error) {
	subject := actor.Subject()
	if _, _, err := e.loadVisible(ctx, subject, gid, mid); err != nil {
		return Report{}, err
	}
	state, err := e.repo.GetPoll(ctx, gid, mid)
	if err != nil {
		return Report{}, err
	}
	caps := rbac.Resolve(subject, nil, &rbac.MessageScope{Type: store.TypePoll, PollCreatorID: state.CreatorID})
	if err := rbac.Require(caps.SeePollReport, "Only the poll creator or a leader can see the report"); err != nil {
		return Report{}, err
	}
	return BuildReport(state)
}

func (e *Engine) loadVisible(ctx context.Context, s rbac.Subject, gid, mid string) (store.Group, store.Message, error) {
	group, err := e.repo.GetGroup(ctx, gid)
	if err != nil {
		return store.Group{}, store.Message{}, err
	}
	if !rbac.CanViewGroup(s, group.IsMember(s.ID)) {
		return store.Group{}, store.Message{}, apperr.Denied("You are not a member of this group")
	}
	msg, err := e.repo.GetMessage(ctx, gid, mid)
	if err != nil {
		return store.Group{}, store.Message{}, err
	}
	if msg.Type != store.TypePoll {
		return store.Group{}, store.Message{}, apperr.Invalid(CodeInvalidPoll, "This message is not a poll.")
	}
	if msg.IsDeleted {
		return store.Group{}, store.Message{}, apperr.NotFound("poll")
	}
	return group, msg, nil
}
