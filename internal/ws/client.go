package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/chat"
	"raterhub/api/internal/metrics"
	"raterhub/api/internal/presence"
	"raterhub/api/internal/rbac"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tree"
)

const (
	maxFrameBytes = 16 << 10
	writeWait     = 10 * time.Second
	sendBuffer    = 32
)

// Client is one websocket session. It owns a presence session and one feed
// per open group.
type Client struct {
	h       *Handler
	uid     string
	conn    *websocket.Conn
	session *presence.Session
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	principal store.Principal
	groups    map[string]*groupSession

	once sync.Once
}

type groupSession struct {
	gid    string
	feed   *chat.Feed
	typing *presence.Debouncer

	mu          sync.Mutex
	snap        chat.Snapshot
	ready       bool
	watermark   time.Time
	readMark    time.Time
	search      string
	starredOnly bool
	atBottom    bool
}

func newClient(h *Handler, conn *websocket.Conn, p store.Principal, session *presence.Session) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		h:         h,
		uid:       p.ID,
		conn:      conn,
		session:   session,
		send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		principal: p,
		groups:    make(map[string]*groupSession),
	}
}

func (c *Client) run() {
	go c.writeLoop()
	c.readLoop()
	c.cleanup()
}

func (c *Client) shutdown() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *Client) readLoop() {
	pongWait := 3 * c.h.opts.Heartbeat
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.h.log.Debug("ws: read", zap.String("user", c.uid), zap.Error(err))
				metrics.IncWSEvent("error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("", "BAD_FRAME", "Frame is not valid JSON")
			continue
		}
		c.dispatch(f)
	}
}

// writeLoop is the only writer of the socket. Its ticker doubles as the
// liveness heartbeat.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.h.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.session.Heartbeat(c.ctx); err != nil && c.ctx.Err() == nil {
				c.h.log.Warn("ws: heartbeat", zap.String("conn", c.session.ID()), zap.Error(err))
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// cleanup runs once the reader exits. Closing the presence session fires
// the registered offline and typing writes.
func (c *Client) cleanup() {
	c.once.Do(func() {
		c.cancel()

		c.mu.Lock()
		open := make([]*groupSession, 0, len(c.groups))
		for _, gs := range c.groups {
			open = append(open, gs)
		}
		c.groups = map[string]*groupSession{}
		c.mu.Unlock()
		for _, gs := range open {
			gs.typing.Stop()
			gs.feed.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.session.Close(ctx); err != nil {
			c.h.log.Warn("ws: close presence session", zap.String("conn", c.session.ID()), zap.Error(err))
		}
		c.h.hub.remove(c)
		_ = c.conn.Close()
		metrics.IncWSEvent("disconnect")
		c.h.log.Info("ws: disconnected", zap.String("user", c.uid), zap.String("conn", c.session.ID()))
	})
}

func (c *Client) dispatch(f ClientFrame) {
	metrics.IncWSEvent("frame_" + f.Type)
	if f.GroupID == "" {
		c.sendError("", "GROUP_REQUIRED", "groupId is required")
		return
	}
	if f.Type == FrameOpen {
		c.open(f.GroupID)
		return
	}

	gs := c.group(f.GroupID)
	if gs == nil {
		c.sendError(f.GroupID, "GROUP_NOT_OPEN", "Open the group first")
		return
	}
	switch f.Type {
	case FrameClose:
		c.closeGroup(f.GroupID)
	case FrameTyping:
		gs.typing.Keystroke(c.ctx)
	case FrameBlur:
		gs.typing.Blur(c.ctx)
	case FrameScroll:
		gs.mu.Lock()
		gs.atBottom = receipts.ShouldMarkRead(f.DistanceFromBottom, false)
		mark := gs.atBottom
		gs.mu.Unlock()
		if mark {
			c.markRead(gs)
		}
	case FrameJump:
		gs.mu.Lock()
		gs.atBottom = true
		gs.mu.Unlock()
		c.markRead(gs)
	case FrameView:
		gs.mu.Lock()
		gs.search = f.Search
		gs.starredOnly = f.StarredOnly
		gs.mu.Unlock()
		c.render(gs)
	default:
		c.sendError(f.GroupID, "UNKNOWN_FRAME", "Unknown frame type "+f.Type)
	}
}

func (c *Client) group(gid string) *groupSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[gid]
}

func (c *Client) viewer() store.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Client) open(gid string) {
	if gs := c.group(gid); gs != nil {
		c.render(gs)
		return
	}
	viewer := c.viewer()
	group, err := c.h.repo.GetGroup(c.ctx, gid)
	if err != nil {
		c.sendErr(gid, err)
		return
	}
	if !rbac.CanViewGroup(viewer.Subject(), group.IsMember(viewer.ID)) {
		c.sendErr(gid, apperr.Denied("You are not a member of this group"))
		return
	}
	watermark, err := c.h.receipts.BeginSession(c.ctx, viewer.ID, gid)
	if err != nil {
		c.sendErr(gid, err)
		return
	}
	feed, err := c.h.chat.Feed(c.ctx, gid)
	if err != nil {
		c.sendErr(gid, err)
		return
	}
	gs := &groupSession{
		gid:       gid,
		feed:      feed,
		typing:    presence.NewDebouncer(c.session, gid, presence.TypingIdle),
		watermark: watermark,
		readMark:  watermark,
	}

	c.mu.Lock()
	if _, dup := c.groups[gid]; dup || c.ctx.Err() != nil {
		c.mu.Unlock()
		feed.Close()
		return
	}
	c.groups[gid] = gs
	c.mu.Unlock()
	go c.follow(gs)
}

func (c *Client) closeGroup(gid string) {
	c.mu.Lock()
	gs, ok := c.groups[gid]
	delete(c.groups, gid)
	c.mu.Unlock()
	if !ok {
		return
	}
	gs.typing.Blur(c.ctx)
	gs.typing.Stop()
	gs.feed.Close()
}

// follow renders every snapshot the feed produces until the feed closes.
func (c *Client) follow(gs *groupSession) {
	for upd := range gs.feed.Updates() {
		if upd.Err != nil {
			if apperr.Is(upd.Err, apperr.KindNotFound) {
				c.sendErr(gs.gid, upd.Err)
				go c.closeGroup(gs.gid)
				return
			}
			continue
		}

		viewer := c.viewer()
		if fresh, ok := upd.Snapshot.Members[viewer.ID]; ok {
			c.mu.Lock()
			c.principal = fresh
			c.mu.Unlock()
			viewer = fresh
		}
		if !rbac.CanViewGroup(viewer.Subject(), upd.Snapshot.Group.IsMember(viewer.ID)) {
			c.sendErr(gs.gid, apperr.Denied("You are no longer a member of this group"))
			go c.closeGroup(gs.gid)
			return
		}

		fromOthers := false
		for _, ch := range upd.Changes {
			if ch.Kind == chat.ChangeTyping && ch.UserID == viewer.ID && ch.Op == tree.OpDelete {
				gs.typing.Stop()
			}
			if ch.Kind == chat.ChangeMessage && ch.Op == tree.OpSet {
				fromOthers = true
			}
		}

		gs.mu.Lock()
		gs.snap = upd.Snapshot
		gs.ready = true
		mark := fromOthers && gs.atBottom &&
			receipts.UnreadCount(upd.Snapshot.Messages, viewer.ID, gs.readMark) > 0
		gs.mu.Unlock()

		if mark {
			c.markRead(gs)
			continue
		}
		c.render(gs)
	}
}

func (c *Client) markRead(gs *groupSession) {
	viewer := c.viewer()
	mark, err := c.h.receipts.MarkRead(c.ctx, viewer.ID, gs.gid, c.h.repo.Now())
	if err != nil {
		if c.ctx.Err() == nil {
			c.sendErr(gs.gid, err)
		}
		return
	}
	gs.mu.Lock()
	gs.readMark = mark
	gs.mu.Unlock()
	c.render(gs)
}

func (c *Client) render(gs *groupSession) {
	viewer := c.viewer()
	starred, err := c.h.repo.StarredIn(c.ctx, viewer.ID, gs.gid)
	if err != nil && c.ctx.Err() == nil {
		c.h.log.Warn("ws: load starred", zap.String("group", gs.gid), zap.Error(err))
	}

	gs.mu.Lock()
	if !gs.ready {
		gs.mu.Unlock()
		return
	}
	snap := gs.snap
	opts := chat.ViewOptions{
		Watermark:   gs.watermark,
		ReadMark:    gs.readMark,
		Search:      gs.search,
		StarredOnly: gs.starredOnly,
		Starred:     starred,
	}
	gs.mu.Unlock()

	c.write(viewFrame{Type: FrameViewUpdate, View: chat.BuildView(snap, viewer, opts)})
	c.write(c.presenceOf(snap, viewer))
}

func (c *Client) presenceOf(snap chat.Snapshot, viewer store.Principal) presenceFrame {
	subject := viewer.Subject()
	policy := c.h.opts.Presence
	members := make([]store.Principal, 0, len(snap.Members))
	views := make(map[string]presence.View, len(snap.Members))
	for uid, m := range snap.Members {
		members = append(members, m)
		var rec *store.PresenceRecord
		if r, ok := snap.Presence[uid]; ok {
			rec = &r
		}
		if v := policy.Visible(subject, m, rec); v.Known {
			views[uid] = v
		}
	}
	return presenceFrame{
		Type:    FramePresence,
		GroupID: snap.Group.ID,
		Online:  policy.OnlineCount(subject, members, snap.Presence),
		Members: views,
	}
}

func (c *Client) sendErr(gid string, err error) {
	code := apperr.CodeOf(err)
	msg := "Something went wrong"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	} else {
		code = "INTERNAL"
		c.h.log.Warn("ws: frame failed", zap.String("group", gid), zap.Error(err))
	}
	c.sendError(gid, code, msg)
}

func (c *Client) sendError(gid, code, message string) {
	c.write(errorFrame{Type: FrameError, GroupID: gid, Code: code, Message: message})
}

// write queues a frame. A client that cannot keep up is disconnected
// rather than blocking its feeds.
func (c *Client) write(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.h.log.Error("ws: encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	case <-c.ctx.Done():
	default:
		c.h.log.Warn("ws: send buffer full, dropping client", zap.String("user", c.uid))
		c.shutdown()
	}
}
