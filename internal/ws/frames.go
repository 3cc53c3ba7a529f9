// Package ws is the realtime transport: one websocket per client session,
// carrying live group views and presence.
package ws

import (
	"raterhub/api/internal/chat"
	"raterhub/api/internal/presence"
)

// Client frame types.
const (
	FrameOpen   = "open"
	FrameClose  = "close"
	FrameTyping = "typing"
	FrameBlur   = "blur"
	FrameScroll = "scroll"
	FrameJump   = "jump"
	FrameView   = "view"
)

// Server frame types.
const (
	FrameViewUpdate = "view"
	FramePresence   = "presence"
	FrameError      = "error"
)

// ClientFrame is every client-to-server message. Fields not used by Type
// are ignored.
type ClientFrame struct {
	Type               string  `json:"type"`
	GroupID            string  `json:"groupId"`
	DistanceFromBottom float64 `json:"distanceFromBottom"`
	Search             string  `json:"search"`
	StarredOnly        bool    `json:"starredOnly"`
}

type viewFrame struct {
	Type string `json:"type"`
	chat.View
}

type presenceFrame struct {
	Type    string                   `json:"type"`
	GroupID string                   `json:"groupId"`
	Online  int                      `json:"online"`
	Members map[string]presence.View `json:"members"`
}

type errorFrame struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
