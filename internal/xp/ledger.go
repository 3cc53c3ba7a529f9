package xp

import (
	"context"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/logging"
	"raterhub/api/internal/metrics"
	"raterhub/api/internal/store"
)

// Ledger applies XP changes with optimistic transactions on users/{uid}.
type Ledger struct {
	repo *store.Repo
	log  *zap.Logger
}

func NewLedger(repo *store.Repo, log *zap.Logger) *Ledger {
	return &Ledger{repo: repo, log: logging.OrNop(log)}
}

// Add applies delta and returns the new balance. The balance never drops
// below zero.
func (l *Ledger) Add(ctx context.Context, uid string, delta int, source Source) (int, error) {
	if uid == "" || delta == 0 {
		return 0, nil
	}
	p, err := l.repo.UpdatePrincipal(ctx, uid, func(p *store.Principal) error {
		p.XP = Clamp(p.XP, delta)
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ObserveXP(string(source), delta)
	return p.XP, nil
}

// Grant is Add for side effects that must not fail the user action.
func (l *Ledger) Grant(ctx context.Context, uid string, delta int, source Source) {
	if _, err := l.Add(ctx, uid, delta, source); err != nil {
		l.log.Warn("xp: grant failed",
			zap.String("user", uid),
			zap.Int("delta", delta),
			zap.String("source", string(source)),
			zap.Error(err))
	}
}

// MessageGrant is the outcome of HandleMessageXP.
type MessageGrant struct {
	Granted  int  `json:"granted"`
	Bonus    int  `json:"bonus"`
	Streak   int  `json:"streak"`
	Cooldown bool `json:"cooldown"`
	XP       int  `json:"xp"`
}

// ApplyMessageXP mutates p for one message sent at now. Within the cooldown
// it changes nothing and reports Cooldown.
func ApplyMessageXP(p *store.Principal, now time.Time) MessageGrant {
	if p.LastXPTime != nil && now.Sub(*p.LastXPTime) < MessageCooldown {
		return MessageGrant{Cooldown: true, Streak: p.Streak, XP: p.XP}
	}

	grant := MessageGrant{Granted: StreakBase}
	today := dayKey(now)
	if p.LastStreakDay != today {
		if p.LastStreakDay == dayKey(now.AddDate(0, 0, -1)) {
			p.Streak++
		} else {
			p.Streak = 1
		}
		p.LastStreakDay = today
		grant.Bonus = StreakBonus(p.Streak)
		grant.Granted += grant.Bonus
	}

	p.XP = Clamp(p.XP, grant.Granted)
	stamp := now
	p.LastXPTime = &stamp
	grant.Streak = p.Streak
	grant.XP = p.XP
	return grant
}

// HandleMessageXP grants the base message XP plus the daily streak bonus,
// subject to a per-user cooldown.
func (l *Ledger) HandleMessageXP(ctx context.Context, uid string, now time.Time) (MessageGrant, error) {
	var grant MessageGrant
	_, err := l.repo.UpdatePrincipal(ctx, uid, func(p *store.Principal) error {
		grant = ApplyMessageXP(p, now)
		return nil
	})
	if err != nil {
		return MessageGrant{}, err
	}
	if !grant.Cooldown {
		metrics.ObserveXP(string(SourceMessage), StreakBase)
		if grant.Bonus > 0 {
			metrics.ObserveXP(string(SourceStreak), grant.Bonus)
		}
	}
	return grant, nil
}

// ApplyInactivity mutates p for a session starting at now and reports
// whether the penalty applied. A principal that was never active counts as
// active now.
func ApplyInactivity(p *store.Principal, now time.Time) bool {
	last := now
	if p.LastActive != nil {
		last = *p.LastActive
	}
	penalized := now.Sub(last) > InactivityWindow
	if penalized {
		p.XP = Clamp(p.XP, Inactivity)
	}
	stamp := now
	p.LastActive = &stamp
	return penalized
}

// CheckInactivity runs at session start and resets the activity timer.
func (l *Ledger) CheckInactivity(ctx context.Context, uid string, now time.Time) (bool, error) {
	var penalized bool
	_, err := l.repo.UpdatePrincipal(ctx, uid, func(p *store.Principal) error {
		penalized = ApplyInactivity(p, now)
		return nil
	})
	if err != nil {
		return false, err
	}
	if penalized {
		metrics.ObserveXP(string(SourceInactivity), Inactivity)
		l.log.Info("xp: inactivity penalty applied", zap.String("user", uid))
	}
	return penalized, nil
}
