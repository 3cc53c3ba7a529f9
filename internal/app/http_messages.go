package app

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"raterhub/api/internal/apperr"
	"raterhub/api/internal/chat"
	"raterhub/api/internal/export"
	"raterhub/api/internal/poll"
	"raterhub/api/internal/store"
)

func (s *HTTPServer) handleView(c *gin.Context) {
	starred, _ := strconv.ParseBool(c.Query("starred"))
	view, err := s.service.View(c.Request.Context(), actor(c), c.Param("gid"), ViewOptions{
		Search:      c.Query("search"),
		StarredOnly: starred,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (s *HTTPServer) handleSend(c *gin.Context) {
	var body chat.SendInput
	if !bindBody(c, &body) {
		return
	}
	m, err := s.service.chat.Send(c.Request.Context(), actor(c), c.Param("gid"), body)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if body.EditTarget != "" {
		status = http.StatusOK
	}
	s.writeItem(c, status, m)
}

func (s *HTTPServer) handleEdit(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if !bindBody(c, &body) {
		return
	}
	m, err := s.service.chat.Edit(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"), body.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeItem(c, http.StatusOK, m)
}

func (s *HTTPServer) handleDelete(c *gin.Context) {
	m, err := s.service.chat.Delete(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeItem(c, http.StatusOK, m)
}

func (s *HTTPServer) handleReact(c *gin.Context) {
	var body struct {
		Emoji string `json:"emoji"`
	}
	if !bindBody(c, &body) {
		return
	}
	res, err := s.service.chat.React(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"), body.Emoji)
	if err != nil {
		s.fail(c, err)
		return
	}
	items, err := s.service.Items(c.Request.Context(), actor(c), c.Param("gid"), res.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"outcome": res.Outcome, "message": items[0], "xpDelta": res.XPDelta})
}

// writeItem answers a message mutation with the caller's view of m, never
// the stored record.
func (s *HTTPServer) writeItem(c *gin.Context, status int, m store.Message) {
	items, err := s.service.Items(c.Request.Context(), actor(c), c.Param("gid"), m)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, status, gin.H{"message": items[0]})
}

func (s *HTTPServer) handleStar(c *gin.Context) {
	starred, err := s.service.chat.Star(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"starred": starred})
}

func (s *HTTPServer) handlePin(c *gin.Context) {
	g, err := s.service.chat.Pin(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"pinned": g.PinnedMessage.For(actor(c).Subject())})
}

func (s *HTTPServer) handleUnpin(c *gin.Context) {
	if _, err := s.service.chat.Unpin(c.Request.Context(), actor(c), c.Param("gid")); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"pinned": nil})
}

func (s *HTTPServer) handleForward(c *gin.Context) {
	var body struct {
		GroupIDs []string `json:"groupIds"`
	}
	if !bindBody(c, &body) {
		return
	}
	msgs, err := s.service.chat.Forward(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"), body.GroupIDs)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]chat.Item, 0, len(msgs))
	for _, m := range msgs {
		items, err := s.service.Items(c.Request.Context(), actor(c), m.GroupID, m)
		if err != nil {
			s.fail(c, err)
			return
		}
		out = append(out, items...)
	}
	writeJSON(c, http.StatusCreated, gin.H{"messages": out})
}

func (s *HTTPServer) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "multipart field file is required", nil)
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()

	m, err := s.service.chat.Upload(c.Request.Context(), actor(c), c.Param("gid"), chat.UploadInput{
		FileName: fh.Filename,
		Type:     c.PostForm("type"),
		Caption:  c.PostForm("caption"),
		ReplyTo:  c.PostForm("replyTo"),
		Body:     f,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeItem(c, http.StatusCreated, m)
}

func (s *HTTPServer) handleMarkRead(c *gin.Context) {
	var body struct {
		DistanceFromBottom float64 `json:"distanceFromBottom"`
		Jumped             bool    `json:"jumped"`
	}
	if !bindBody(c, &body) {
		return
	}
	mark, advanced, err := s.service.MarkRead(c.Request.Context(), actor(c), c.Param("gid"), body.DistanceFromBottom, body.Jumped)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"lastViewed": mark, "advanced": advanced})
}

func (s *HTTPServer) handleCreatePoll(c *gin.Context) {
	var body poll.CreateInput
	if !bindBody(c, &body) {
		return
	}
	m, err := s.service.chat.CreatePoll(c.Request.Context(), actor(c), c.Param("gid"), body)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeItem(c, http.StatusCreated, m)
}

func (s *HTTPServer) handleVote(c *gin.Context) {
	var body struct {
		OptionID *int `json:"optionId"`
	}
	if !bindBody(c, &body) {
		return
	}
	if body.OptionID == nil {
		s.fail(c, apperr.Invalid(poll.CodeInvalidPoll, "optionId is required"))
		return
	}
	res, err := s.service.polls.Vote(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"), *body.OptionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (s *HTTPServer) handleReveal(c *gin.Context) {
	p := actor(c)
	state, err := s.service.polls.Reveal(c.Request.Context(), p, c.Param("gid"), c.Param("mid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"poll": poll.BuildView(state, p.ID, false, true)})
}

func (s *HTTPServer) handleReport(c *gin.Context) {
	report, err := s.service.polls.Report(c.Request.Context(), actor(c), c.Param("gid"), c.Param("mid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

func (s *HTTPServer) handleSearch(c *gin.Context) {
	res, err := s.service.Search(c.Request.Context(), actor(c), c.Query("q"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (s *HTTPServer) handleExport(c *gin.Context) {
	format, ok := export.ParseFormat(c.Query("format"))
	if !ok {
		s.fail(c, apperr.Invalid(export.CodeUnsupportedFormat, "format must be pdf, docx or html"))
		return
	}
	res, err := s.service.Export(c.Request.Context(), actor(c), c.Param("gid"), format)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	c.Data(http.StatusOK, res.MimeType, res.Data)
}
