// Package poll implements polls and quizzes attached to chat messages. The
// state transitions are pure functions over store.PollState; Engine runs them
// inside optimistic transactions against the poll node.
package poll

import (
	"fmt"
	"sort"
	"strings"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/store"
)

const (
	MinOptions = 2
	MaxOptions = 5
)

// Error codes.
const (
	CodeInvalidPoll       = "INVALID_POLL"
	CodeInvalidOption     = "INVALID_OPTION"
	CodeVoteChangeBlocked = "VOTE_CHANGE_NOT_ALLOWED"
	CodePollClosed        = "POLL_CLOSED"
	CodeNotQuiz           = "NOT_A_QUIZ"
	CodeNotRevealed       = "NOT_REVEALED"
)

type CreateInput struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	IsQuiz   bool     `json:"isQuiz"`
	// CorrectOption indexes Options as submitted, blanks included.
	CorrectOption   *int `json:"correctOption,omitempty"`
	AllowVoteChange bool `json:"allowVoteChange"`
}

// New validates in and builds the initial state. Blank options are dropped
// and the rest numbered 0..n-1.
func New(in CreateInput, creatorID string) (store.PollState, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return store.PollState{}, apperr.Invalid(CodeInvalidPoll, "Please enter a question.")
	}

	var (
		options []store.PollOption
		correct *int
	)
	for i, text := range in.Options {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		id := len(options)
		if in.CorrectOption != nil && *in.CorrectOption == i {
			correct = &id
		}
		options = append(options, store.PollOption{ID: id, Text: text})
	}
	if len(options) < MinOptions {
		return store.PollState{}, apperr.Invalid(CodeInvalidPoll, "Please provide at least 2 options.")
	}
	if len(options) > MaxOptions {
		return store.PollState{}, apperr.Invalid(CodeInvalidPoll, fmt.Sprintf("A poll can have at most %d options.", MaxOptions))
	}

	state := store.PollState{
		Question:        question,
		Options:         options,
		IsQuiz:          in.IsQuiz,
		AllowVoteChange: in.AllowVoteChange,
		Votes:           map[string]int{},
		CreatorID:       creatorID,
	}
	if in.IsQuiz {
		if correct == nil {
			return store.PollState{}, apperr.Invalid(CodeInvalidPoll, "Please select the correct answer for the quiz.")
		}
		state.CorrectOptionID = correct
		state.AllowVoteChange = false
	}
	return state, nil
}

// Outcome describes what a vote did.
type Outcome string

const (
	Recorded  Outcome = "recorded"
	Unchanged Outcome = "unchanged"
	Changed   Outcome = "changed"
	Retracted Outcome = "retracted"
)

// FirstVote reports whether the outcome was the voter's first vote.
func (o Outcome) FirstVote() bool {
	return o == Recorded
}

// Vote applies a vote by uid for optionID to state. Counter changes happen
// together with the vote record so the two never diverge.
func Vote(state *store.PollState, uid string, optionID int) (Outcome, error) {
	if state.IsQuiz && state.IsRevealed {
		return "", apperr.Invalid(CodePollClosed, "The answer was already revealed.")
	}
	idx := optionIndex(state, optionID)
	if idx < 0 {
		return "", apperr.Invalid(CodeInvalidOption, "That option does not exist.")
	}
	if state.Votes == nil {
		state.Votes = map[string]int{}
	}

	prior, voted := state.Votes[uid]
	switch {
	case !voted:
		state.Options[idx].VoteCount++
		state.Votes[uid] = optionID
		return Recorded, nil
	case prior == optionID && !state.AllowVoteChange:
		return Unchanged, nil
	case prior == optionID:
		state.Options[idx].VoteCount = decrement(state.Options[idx].VoteCount)
		delete(state.Votes, uid)
		return Retracted, nil
	case !state.AllowVoteChange:
		return "", apperr.Invalid(CodeVoteChangeBlocked, "This poll does not allow changing your vote.")
	default:
		if p := optionIndex(state, prior); p >= 0 {
			state.Options[p].VoteCount = decrement(state.Options[p].VoteCount)
		}
		state.Options[idx].VoteCount++
		state.Votes[uid] = optionID
		return Changed, nil
	}
}

// Reveal marks a quiz revealed. It reports false when it already was.
func Reveal(state *store.PollState) (bool, error) {
	if !state.IsQuiz {
		return false, apperr.Invalid(CodeNotQuiz, "Only quizzes have an answer to reveal.")
	}
	if state.IsRevealed {
		return false, nil
	}
	state.IsRevealed = true
	return true, nil
}

// Report partitions the voters of a revealed quiz.
type Report struct {
	Question        string   `json:"question"`
	CorrectOptionID int      `json:"correctOptionId"`
	Correct         []string `json:"correct"`
	Wrong           []string `json:"wrong"`
	TotalVotes      int      `json:"totalVotes"`
}

func BuildReport(state store.PollState) (Report, error) {
	if !state.IsQuiz || state.CorrectOptionID == nil {
		return Report{}, apperr.Invalid(CodeNotQuiz, "Only quizzes have a report.")
	}
	if !state.IsRevealed {
		return Report{}, apperr.Invalid(CodeNotRevealed, "Reveal the answer first.")
	}
	report := Report{
		Question:        state.Question,
		CorrectOptionID: *state.CorrectOptionID,
		Correct:         []string{},
		Wrong:           []string{},
		TotalVotes:      len(state.Votes),
	}
	for uid, option := range state.Votes {
		if option == *state.CorrectOptionID {
			report.Correct = append(report.Correct, uid)
		} else {
			report.Wrong = append(report.Wrong, uid)
		}
	}
	sort.Strings(report.Correct)
	sort.Strings(report.Wrong)
	return report, nil
}

// CheckInvariant verifies the counters agree with the vote records.
func CheckInvariant(state store.PollState) error {
	sum := 0
	counts := make(map[int]int, len(state.Options))
	for _, opt := range state.Options {
		if opt.VoteCount < 0 {
			return fmt.Errorf("option %d has negative count %d", opt.ID, opt.VoteCount)
		}
		sum += opt.VoteCount
		counts[opt.ID] = 0
	}
	if sum != len(state.Votes) {
		return fmt.Errorf("vote counts sum to %d but %d votes are recorded", sum, len(state.Votes))
	}
	for uid, option := range state.Votes {
		if _, ok := counts[option]; !ok {
			return fmt.Errorf("vote by %s points at missing option %d", uid, option)
		}
		counts[option]++
	}
	for _, opt := range state.Options {
		if counts[opt.ID] != opt.VoteCount {
			return fmt.Errorf("option %d counts %d but has %d votes", opt.ID, opt.VoteCount, counts[opt.ID])
		}
	}
	return nil
}

// Reset returns a copy for forwarding: same question and options, no votes.
func Reset(state store.PollState, creatorID string) store.PollState {
	out := state
	out.Options = make([]store.PollOption, len(state.Options))
	for i, opt := range state.Options {
		out.Options[i] = store.PollOption{ID: opt.ID, Text: opt.Text}
	}
	if state.CorrectOptionID != nil {
		id := *state.CorrectOptionID
		out.CorrectOptionID = &id
	}
	out.Votes = map[string]int{}
	out.IsRevealed = false
	out.CreatorID = creatorID
	return out
}

func optionIndex(state *store.PollState, optionID int) int {
	for i, opt := range state.Options {
		if opt.ID == optionID {
			return i
		}
	}
	return -1
}

func decrement(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}
