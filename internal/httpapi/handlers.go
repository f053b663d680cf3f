package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/webinar-backend/internal/auth"
	"github.com/example/webinar-backend/internal/store"
)

func (s *Server) handleHostLogin(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
		return
	}

	claims, err := s.google.ValidateIDToken(req.IDToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	email := strings.ToLower(claims.Email)
	role, ok := s.cfg.AllowedHosts[email]
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}
	name := claims.Name
	if name == "" {
		name = email
	}

	// The OAuth subject is the presence id; emails are display data.
	p := auth.Principal{User: claims.Sub, Name: name, Role: role}
	if err := s.presence.Login(c.Request.Context(), store.Hosts, claims.Sub); err != nil {
		s.log.ErrorContext(c.Request.Context(), "host login failed", "email", email, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	if err := s.profiles.Upsert(c.Request.Context(), auth.Profile{ID: claims.Sub, Name: name, Role: role}); err != nil {
		s.log.WarnContext(c.Request.Context(), "failed to store host profile", "email", email, "error", err)
	}

	token, err := s.tokens.Issue(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	s.log.InfoContext(c.Request.Context(), "host logged in", "email", email, "role", role)
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"user":    gin.H{"email": email, "name": name, "role": role},
		"message": "Login successful",
	})
}

func (s *Server) handleParticipantLogin(c *gin.Context) {
	var req struct {
		Phone string `json:"phone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
		return
	}

	phone, err := auth.NormalizePhone(req.Phone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please enter a valid international phone number"})
		return
	}

	name, ok := s.wl.Lookup(phone)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Phone number not authorized"})
		return
	}

	ctx := c.Request.Context()
	connected, err := s.presence.IsConnected(ctx, store.Participants, phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	if connected {
		c.JSON(http.StatusConflict, gin.H{"error": "Phone number already in use"})
		return
	}

	hasHost, err := s.presence.HasActiveHost(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	if !hasHost {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active session found"})
		return
	}

	p := auth.Principal{User: phone, Name: name, Role: auth.RoleParticipant}
	if err := s.presence.Login(ctx, store.Participants, phone); err != nil {
		s.log.ErrorContext(ctx, "participant login failed", "phone", phone, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	if err := s.profiles.Upsert(ctx, auth.Profile{ID: phone, Name: name, Role: auth.RoleParticipant}); err != nil {
		s.log.WarnContext(ctx, "failed to store participant profile", "phone", phone, "error", err)
	}

	token, err := s.tokens.Issue(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	s.log.InfoContext(ctx, "participant joined", "phone", phone, "name", name)
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"user":    gin.H{"phone": phone, "name": name, "role": auth.RoleParticipant},
		"message": "Login successful",
	})
}

// handleVerify reports token validity without failing the request: the
// client uses it to decide between resuming and re-login.
func (s *Server) handleVerify(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	p, err := s.tokens.Verify(token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}

	// A valid verify doubles as a liveness touchpoint.
	if err := s.presence.Touch(c.Request.Context(), p.UserType(), p.User); err != nil {
		s.log.WarnContext(c.Request.Context(), "verify touchpoint failed", "user", p.User, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"valid": true,
		"user":  gin.H{"user": p.User, "name": p.Name, "role": p.Role},
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	token := bearerToken(c)
	if token != "" {
		if p, err := s.tokens.Verify(token); err == nil {
			if err := s.presence.Logout(c.Request.Context(), p.UserType(), p.User); err != nil {
				s.log.ErrorContext(c.Request.Context(), "logout failed", "user", p.User, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (s *Server) handleCount(c *gin.Context) {
	ut := store.Participants
	if t := c.Query("type"); t != "" {
		ut = store.UserType(t)
		if ut != store.Hosts && ut != store.Participants {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
			return
		}
	}
	n, err := s.presence.ActiveCount(c.Request.Context(), ut)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read count"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) handleStatus(c *gin.Context) {
	active, err := s.presence.HasActiveHost(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

// handleSessionConfig hands clients the heartbeat schedule so intervals
// can be tuned server-side without a frontend deploy.
func (s *Server) handleSessionConfig(c *gin.Context) {
	hb := s.cfg.Heartbeat
	c.JSON(http.StatusOK, gin.H{
		"heartbeat": gin.H{
			"activeIntervalMs":     hb.ActiveInterval.Milliseconds(),
			"idleIntervalMs":       hb.IdleInterval.Milliseconds(),
			"backgroundIntervalMs": hb.BackgroundInterval.Milliseconds(),
			"jitterRangeMs":        hb.JitterRange.Milliseconds(),
		},
	})
}

// clientSources are the only sources a logged-in client may claim on the
// state endpoint. Everything else belongs to the server's own machinery.
var clientSources = map[store.Source]bool{
	store.SourceVisibility: true,
	store.SourceConnection: true,
}

func (s *Server) handleUpdateState(c *gin.Context) {
	p, _ := getPrincipal(c)
	var req struct {
		State  string `json:"state" binding:"required"`
		Source string `json:"source" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
		return
	}

	state := store.State(req.State)
	source := store.Source(req.Source)
	if !state.Valid() || !clientSources[source] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
		return
	}

	if err := s.presence.UpdateState(c.Request.Context(), p.UserType(), p.User, state, source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "State update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleBeacon accepts the browser's final sendBeacon on unload. It always
// answers 200: the page is gone, and a retry storm from a failing client
// helps no one.
func (s *Server) handleBeacon(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
		State  string `json:"state"`
		Source string `json:"source"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	state := store.State(req.State)
	if state != store.StateClosing && state != store.StateOffline {
		state = store.StateClosing
	}
	if store.Source(req.Source) != store.SourceBeacon {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if err := s.presence.UpdateStateByUserID(c.Request.Context(), req.UserID, state, store.SourceBeacon); err != nil {
		s.log.ErrorContext(c.Request.Context(), "beacon update failed", "userId", req.UserID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	p, _ := getPrincipal(c)
	if err := s.presence.Heartbeat(c.Request.Context(), p.UserType(), p.User); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Heartbeat failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleEndSession(c *gin.Context) {
	if err := s.presence.EndSession(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session ended successfully"})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	p, _ := getPrincipal(c)
	var req struct {
		Message string `json:"message" binding:"required"`
		To      string `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
		return
	}

	if _, err := s.chat.Send(c.Request.Context(), p, req.Message, req.To, time.Now().UnixMilli()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message sent successfully"})
}

func (s *Server) handleHistory(c *gin.Context) {
	p, _ := getPrincipal(c)
	var before int64
	if v := c.Query("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input provided"})
			return
		}
		before = n
	}

	page, err := s.chat.History(c.Request.Context(), p, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleParticipants(c *gin.Context) {
	ctx := c.Request.Context()

	type entry struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role,omitempty"`
	}
	out := map[string][]entry{"participants": {}, "hosts": {}}

	for _, ut := range store.UserTypes {
		ids, err := s.presence.ConnectedUsers(ctx, ut)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load participants"})
			return
		}
		profiles, err := s.profiles.List(ctx, ids)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load participants"})
			return
		}
		for _, id := range ids {
			e := entry{ID: id, Name: id}
			if prof, ok := profiles[id]; ok {
				e.Name = prof.Name
				if ut == store.Hosts {
					e.Role = prof.Role
				}
			}
			out[string(ut)] = append(out[string(ut)], e)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStreamConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"videoId": s.cfg.VideoID})
}
