package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetBreakerStatus(c *gin.Context) {
	status, err := s.breaker.Status(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"provider":      s.cfg.Provider.Name,
		"state":         string(status.State),
		"failure_count": status.FailureCount,
		"success_count": status.SuccessCount,
		"open_reason":   string(status.OpenReason),
		"retry_after":   status.RetryAfter.String(),
	}})
}

func (s *Server) ResetBreaker(c *gin.Context) {
	if err := s.breaker.Reset(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("breaker reset by operator")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
