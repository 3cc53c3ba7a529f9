package poll

import "raterhub/api/internal/store"

type OptionView struct {
	ID         int    `json:"id"`
	Text       string `json:"text"`
	VoteCount  *int   `json:"voteCount,omitempty"`
	Percentage *int   `json:"percentage,omitempty"`
	IsCorrect  bool   `json:"isCorrect,omitempty"`
	IsMine     bool   `json:"isMine,omitempty"`
	IsWrong    bool   `json:"isWrong,omitempty"`
}

// View is a poll as one viewer sees it. Tallies appear once the viewer has
// voted (or may read the report); the correct answer only after reveal.
type View struct {
	Question        string       `json:"question"`
	IsQuiz          bool         `json:"isQuiz"`
	AllowVoteChange bool         `json:"allowVoteChange"`
	IsRevealed      bool         `json:"isRevealed"`
	TotalVotes      int          `json:"totalVotes"`
	MyVote          *int         `json:"myVote,omitempty"`
	Options         []OptionView `json:"options"`
	CanVote         bool         `json:"canVote"`
	CanReveal       bool         `json:"canReveal"`
	Report          *Report      `json:"report,omitempty"`
}

func BuildView(state store.PollState, viewerID string, canReveal, canSeeReport bool) View {
	v := View{
		Question:        state.Question,
		IsQuiz:          state.IsQuiz,
		AllowVoteChange: state.AllowVoteChange,
		IsRevealed:      state.IsRevealed,
		TotalVotes:      len(state.Votes),
		Options:         make([]OptionView, len(state.Options)),
	}

	mine, voted := state.Votes[viewerID]
	if voted {
		choice := mine
		v.MyVote = &choice
	}
	closed := state.IsQuiz && state.IsRevealed
	v.CanVote = !closed && (!voted || state.AllowVoteChange)
	v.CanReveal = canReveal && state.IsQuiz && !state.IsRevealed

	showTallies := voted || canSeeReport
	total := 0
	for _, opt := range state.Options {
		total += opt.VoteCount
	}
	for i, opt := range state.Options {
		ov := OptionView{ID: opt.ID, Text: opt.Text, IsMine: voted && opt.ID == mine}
		if showTallies {
			count := opt.VoteCount
			pct := 0
			if total > 0 {
				pct = (count*100 + total/2) / total
			}
			ov.VoteCount = &count
			ov.Percentage = &pct
		}
		if state.IsRevealed && state.CorrectOptionID != nil {
			ov.IsCorrect = opt.ID == *state.CorrectOptionID
			ov.IsWrong = ov.IsMine && !ov.IsCorrect
		}
		v.Options[i] = ov
	}

	if canSeeReport && state.IsRevealed {
		if report, err := BuildReport(state); err == nil {
			v.Report = &report
		}
	}
	return v
}
