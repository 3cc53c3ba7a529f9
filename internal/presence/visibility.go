package presence

import (
	"strings"
	"time"

	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
)

// View is a presence record as one viewer may see it. Known is false when
// the viewer is not allowed to know anything about the target.
type View struct {
	State    string     `json:"state,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	Known    bool       `json:"known"`
}

// Policy filters presence for viewers.
type Policy struct {
	PrimaryAdminEmail string
}

// IsPrimaryAdmin matches the admin role or the configured primary address.
func (p Policy) IsPrimaryAdmin(target store.Principal) bool {
	if target.Role == rbac.RoleAdmin {
		return true
	}
	return p.PrimaryAdminEmail != "" && strings.EqualFold(target.Email, p.PrimaryAdminEmail)
}

// Visible applies the presence rules. rec is nil when the target never
// connected.
func (p Policy) Visible(viewer rbac.Subject, target store.Principal, rec *store.PresenceRecord) View {
	self := viewer.ID == target.ID
	if !self {
		if p.IsPrimaryAdmin(target) {
			return View{}
		}
		if target.IsHidden && !rbac.IsAdminTier(viewer.Role) {
			return View{}
		}
	}
	if rec == nil {
		return View{State: store.PresenceOffline, Known: true}
	}
	v := View{State: rec.State, Known: true}
	if rec.State != store.PresenceOnline && (self || rbac.IsManager(viewer.Role)) && !rec.LastChanged.IsZero() {
		seen := rec.LastChanged
		v.LastSeen = &seen
	}
	return v
}

// OnlineCount counts the members the viewer can see online.
func (p Policy) OnlineCount(viewer rbac.Subject, members []store.Principal, records map[string]store.PresenceRecord) int {
	n := 0
	for _, m := range members {
		rec, ok := records[m.ID]
		if !ok {
			continue
		}
		if v := p.Visible(viewer, m, &rec); v.Known && v.State == store.PresenceOnline {
			n++
		}
	}
	return n
}
