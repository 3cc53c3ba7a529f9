// Package xp keeps the experience-point ledger of principals: atomic,
// floor-clamped grants, the message streak and cooldown rules, the
// inactivity penalty and the derived level.
package xp

import (
	"time"

	"raterhub/api/internal/rbac"
)

// Deltas applied by the engine.
const (
	SendMessage    = 1
	CreatePoll     = 2
	VoteNonQuiz    = 2
	VoiceNote      = 3
	ShareMedia     = 5
	QuizCorrect    = 10
	QuizWrong      = -1
	ReactionHigh   = 20
	ReactionLow    = 5
	ThumbsDown     = -5
	DeletedByOther = -20
	Inactivity     = -10
)

const (
	MessageCooldown  = 60 * time.Second
	StreakBase       = 10
	StreakStep       = 5
	StreakCap        = 50
	InactivityWindow = 7 * 24 * time.Hour
)

const ThumbsDownEmoji = "👎"

// Source labels a grant in logs and metrics.
type Source string

const (
	SourceMessage    Source = "message"
	SourceStreak     Source = "streak"
	SourceMedia      Source = "media"
	SourceVoice      Source = "voice"
	SourcePoll       Source = "poll"
	SourceVote       Source = "vote"
	SourceReaction   Source = "reaction"
	SourceModeration Source = "moderation"
	SourceInactivity Source = "inactivity"
)

// ReactionValue is what a reaction is worth to the message author. A thumbs
// down costs the same whoever gives it.
func ReactionValue(reactorRole rbac.Role, emoji string) int {
	if emoji == ThumbsDownEmoji {
		return ThumbsDown
	}
	if rbac.IsHighTierReactor(reactorRole) {
		return ReactionHigh
	}
	return ReactionLow
}

// Clamp applies delta to current and never goes below zero.
func Clamp(current, delta int) int {
	next := current + delta
	if next < 0 {
		return 0
	}
	return next
}

// StreakBonus is the once-per-day bonus for a streak of n days.
func StreakBonus(streak int) int {
	bonus := streak * StreakStep
	if bonus > StreakCap {
		return StreakCap
	}
	return bonus
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
