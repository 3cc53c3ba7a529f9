package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *HTTPServer) handleListGroups(c *gin.Context) {
	list, err := s.service.groups.ListVisible(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"groups": list})
}

func (s *HTTPServer) handleCreateGroup(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if !bindBody(c, &body) {
		return
	}
	res, err := s.service.groups.Create(c.Request.Context(), actor(c), body.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Group == nil {
		status = http.StatusAccepted
	}
	writeJSON(c, status, res)
}

func (s *HTTPServer) handleDeleteGroup(c *gin.Context) {
	if err := s.service.groups.Delete(c.Request.Context(), actor(c), c.Param("gid")); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleSetRestricted(c *gin.Context) {
	var body struct {
		Restricted bool `json:"restricted"`
	}
	if !bindBody(c, &body) {
		return
	}
	g, err := s.service.groups.SetRestricted(c.Request.Context(), actor(c), c.Param("gid"), body.Restricted)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"group": g})
}

func (s *HTTPServer) handleAddMember(c *gin.Context) {
	var body struct {
		UserID string `json:"userId"`
	}
	if !bindBody(c, &body) {
		return
	}
	g, err := s.service.groups.AddMember(c.Request.Context(), actor(c), c.Param("gid"), body.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"group": g})
}

func (s *HTTPServer) handleRemoveMember(c *gin.Context) {
	g, err := s.service.groups.RemoveMember(c.Request.Context(), actor(c), c.Param("gid"), c.Param("uid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"group": g})
}

func (s *HTTPServer) handleListGroupRequests(c *gin.Context) {
	reqs, err := s.service.groups.ListRequests(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": reqs})
}

func (s *HTTPServer) handleApproveGroupRequest(c *gin.Context) {
	g, err := s.service.groups.ApproveRequest(c.Request.Context(), actor(c), c.Param("rid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"group": g})
}

func (s *HTTPServer) handleRejectGroupRequest(c *gin.Context) {
	req, err := s.service.groups.RejectRequest(c.Request.Context(), actor(c), c.Param("rid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"request": req})
}

func (s *HTTPServer) handleStartMeeting(c *gin.Context) {
	res, err := s.service.groups.StartMeeting(c.Request.Context(), actor(c), c.Param("gid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (s *HTTPServer) handleEndMeeting(c *gin.Context) {
	res, err := s.service.groups.EndMeeting(c.Request.Context(), actor(c), c.Param("gid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
