package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"trend-core/pkg/db"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	st := s.Engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"meta":           s.Meta,
		"session_id":     st.SessionID,
		"started_at":     st.StartedAt,
		"halted":         st.Halted,
		"bars_processed": st.BarsProcessed,
		"kill_switch":    st.KillSwitch.State,
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "BROKER_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getTrailing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"states": s.Engine.TrailingStates()})
}

func (s *Server) getKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.KillSwitch())
}

// tripKillSwitch latches the kill switch. Liquidation runs on the session's
// next cycle.
func (s *Server) tripKillSwitch(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual trip"
	}
	reason += " by " + CurrentUserID(c)

	if !s.Engine.TripKillSwitch(reason) {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "ALREADY_TRIGGERED",
			"error": "kill switch already triggered",
		})
		return
	}
	s.log.Warn().Str("reason", reason).Msg("kill switch tripped via api")
	c.JSON(http.StatusAccepted, s.Engine.KillSwitch())
}

func (s *Server) getPositionHistory(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := s.DB.ListPositions(c.Request.Context(), c.Query("session"), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows})
}

func (s *Server) getStopHistory(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}
	ticket, err := strconv.ParseInt(c.Query("ticket"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_TICKET",
			"error": "ticket query parameter must be an integer",
		})
		return
	}
	rows, err := s.DB.ListStopUpdates(c.Request.Context(), s.sessionParam(c), ticket)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": rows})
}

func (s *Server) getKillSwitchHistory(c *gin.Context) {
	if !s.requireDB(c) {
		return
	}
	ctx := c.Request.Context()
	sessionID := s.sessionParam(c)
	if _, err := s.DB.GetSession(ctx, sessionID); errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "SESSION_NOT_FOUND",
			"error": "unknown session",
		})
		return
	} else if err != nil {
		internalError(c, err)
		return
	}
	rows, err := s.DB.ListKillSwitchEvents(ctx, sessionID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

// sessionParam defaults to the running session.
func (s *Server) sessionParam(c *gin.Context) string {
	if id := c.Query("session"); id != "" {
		return id
	}
	return s.Engine.Status().SessionID
}

func (s *Server) requireDB(c *gin.Context) bool {
	if s.DB != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"code":  "NO_DATABASE",
		"error": "history is not persisted",
	})
	return false
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "INTERNAL_ERROR",
		"error": err.Error(),
	})
}
