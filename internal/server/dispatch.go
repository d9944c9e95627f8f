package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	"github.com/gin-gonic/gin"
)

type scheduleDispatchRequest struct {
	SourceType   string     `json:"source_type" binding:"required"`
	SourceID     string     `json:"source_id" binding:"required"`
	TaxID        string     `json:"tax_id"`
	Country      string     `json:"country"`
	DispatchAt   *time.Time `json:"dispatch_at"`
	SkipDelivery bool       `json:"skip_delivery"`
}

func (s *Server) ScheduleDispatch(c *gin.Context) {
	var req scheduleDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	record, err := s.dispatchSvc.ScheduleDispatch(c.Request.Context(), dispatchdomain.ScheduleDispatchRequest{
		SourceType:   req.SourceType,
		SourceID:     req.SourceID,
		TaxID:        req.TaxID,
		Country:      req.Country,
		DispatchAt:   req.DispatchAt,
		SkipDelivery: req.SkipDelivery,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": record})
}

func (s *Server) GetDispatchStatus(c *gin.Context) {
	sourceType := strings.TrimSpace(c.Param("source_type"))
	sourceID := strings.TrimSpace(c.Param("source_id"))

	record, err := s.dispatchSvc.Status(c.Request.Context(), sourceType, sourceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) DispatchNow(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := snowflake.ParseString(id); err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	if err := s.dispatchSvc.Dispatch(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ListActivity(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	entries, err := s.repo.ListActivity(c.Request.Context(), int64(id))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) CountByState(c *gin.Context) {
	counts, err := s.dispatchSvc.CountByState(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": counts})
}

func (s *Server) RunDispatchBatch(c *gin.Context) {
	override := queryBool(c, "override")
	result, err := s.dispatchSvc.DispatchDue(c.Request.Context(), queryInt(c, "limit", 0), override)
	// A partial batch still committed work; report it instead of a 500.
	if err != nil && result.Outcome != dispatchdomain.OutcomePartial {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batchResponse(result)})
}

func (s *Server) RunPollBatch(c *gin.Context) {
	force := queryBool(c, "force")
	override := queryBool(c, "override")
	result, err := s.dispatchSvc.PollDue(c.Request.Context(), queryInt(c, "limit", 0), force, override)
	if err != nil && result.Outcome != dispatchdomain.OutcomePartial {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batchResponse(result)})
}

func batchResponse(result dispatchdomain.BatchResult) gin.H {
	outcome := "ok"
	switch result.Outcome {
	case dispatchdomain.OutcomePartial:
		outcome = "partial"
	case dispatchdomain.OutcomeSkipped:
		outcome = "skipped"
	}
	return gin.H{
		"outcome":   outcome,
		"processed": len(result.Processed),
		"failed":    result.Failed,
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func queryBool(c *gin.Context, key string) bool {
	switch strings.ToLower(strings.TrimSpace(c.Query(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
