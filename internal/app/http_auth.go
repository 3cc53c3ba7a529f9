package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"raterhub/api/internal/authpw"
	"raterhub/api/internal/store"
	"raterhub/api/internal/xp"
)

func sessionPayload(session Session) gin.H {
	p := session.Principal
	return gin.H{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       p.ID,
		"userName":     p.Name(),
		"role":         p.Subject().Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleSignUp(c *gin.Context) {
	var body authpw.SignUpRequest
	if !bindBody(c, &body) {
		return
	}
	p, err := s.service.auth.SignUp(c.Request.Context(), body)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{
		"userId":  p.ID,
		"status":  p.Status,
		"message": "Account created. An admin must approve it before you can sign in.",
	})
}

func (s *HTTPServer) handleSignIn(c *gin.Context) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !bindBody(c, &body) {
		return
	}
	session, err := s.service.SignIn(c.Request.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleRefresh(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !bindBody(c, &body) {
		return
	}
	session, err := s.service.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !bindBody(c, &body) {
		return
	}
	_ = s.service.Logout(c.Request.Context(), body.RefreshToken)
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleRequestReset(c *gin.Context) {
	var body struct {
		Email string `json:"email"`
	}
	if !bindBody(c, &body) {
		return
	}
	if _, err := s.service.auth.RequestPasswordReset(c.Request.Context(), body.Email); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{
		"message": "Your request was sent to an admin. You will receive a reset link once it is approved.",
	})
}

func (s *HTTPServer) handleResetPassword(c *gin.Context) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !bindBody(c, &body) {
		return
	}
	if err := s.service.auth.ResetPassword(c.Request.Context(), body.Token, body.NewPassword); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "Password reset successfully"})
}

func (s *HTTPServer) handleMe(c *gin.Context) {
	p := actor(c)
	writeJSON(c, http.StatusOK, gin.H{
		"userId":   p.ID,
		"userName": p.Name(),
		"email":    p.Email,
		"role":     p.Subject().Role,
		"status":   p.Status,
		"xp":       p.XP,
		"isHidden": p.IsHidden,
	})
}

func (s *HTTPServer) handleLevel(c *gin.Context) {
	p := actor(c)
	writeJSON(c, http.StatusOK, gin.H{"xp": p.XP, "level": xp.LevelFor(p.XP)})
}

func (s *HTTPServer) handleChangePassword(c *gin.Context) {
	var body struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if !bindBody(c, &body) {
		return
	}
	if err := s.service.auth.ChangePassword(c.Request.Context(), actor(c).ID, body.OldPassword, body.NewPassword); err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"message": "Password changed"})
}

func (s *HTTPServer) handleSetHidden(c *gin.Context) {
	var body struct {
		Hidden bool `json:"hidden"`
	}
	if !bindBody(c, &body) {
		return
	}
	p, err := s.service.presence.SetHidden(c.Request.Context(), actor(c).ID, body.Hidden)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"isHidden": p.IsHidden})
}

func (s *HTTPServer) handleListUsers(c *gin.Context) {
	users, err := s.service.ListUsers(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"users": users})
}

func (s *HTTPServer) handleSetStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
	}
	if !bindBody(c, &body) {
		return
	}
	p, err := s.service.SetStatus(c.Request.Context(), actor(c), c.Param("uid"), body.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"user": principalView(p)})
}

func (s *HTTPServer) handleSetRole(c *gin.Context) {
	var body struct {
		Role string `json:"role"`
	}
	if !bindBody(c, &body) {
		return
	}
	p, err := s.service.auth.SetRole(c.Request.Context(), actor(c), c.Param("uid"), body.Role)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"user": principalView(p)})
}

func (s *HTTPServer) handleListResetRequests(c *gin.Context) {
	reqs, err := s.service.auth.ListResetRequests(c.Request.Context(), actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": reqs})
}

func (s *HTTPServer) handleApproveReset(c *gin.Context) {
	res, err := s.service.auth.ApproveReset(c.Request.Context(), actor(c), c.Param("rid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func principalView(p store.Principal) UserView {
	return UserView{
		ID:          p.ID,
		DisplayName: p.Name(),
		Email:       p.Email,
		Role:        p.Subject().Role,
		Status:      p.Status,
		XP:          p.XP,
		Level:       xp.LevelFor(p.XP).Name,
		IsHidden:    p.IsHidden,
	}
}
