package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/service"
)

type jobRequest struct {
	JobID string `json:"job_id" form:"job_id"`
}

type jobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.CheckHealth(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStart(c *gin.Context) {
	var params service.StartParams
	if err := c.ShouldBindJSON(&params); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	job, err := s.jobs.StartSync(c.Request.Context(), c.GetString(userIDKey), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) handleCancel(c *gin.Context) {
	jobID, ok := bindJobID(c)
	if !ok {
		return
	}

	job, err := s.jobs.CancelSync(c.Request.Context(), c.GetString(userIDKey), jobID)
	if err != nil {
		if errors.Is(err, service.ErrNotCancelable) && job != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "not cancelable",
				"job_id": job.ID,
				"status": job.Status,
			})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) handleStatus(c *gin.Context) {
	jobID, ok := bindJobID(c)
	if !ok {
		return
	}

	view, err := s.jobs.GetStatus(c.Request.Context(), c.GetString(userIDKey), jobID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	views, err := s.jobs.ListJobs(c.Request.Context(), c.GetString(userIDKey), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *Server) handleListEvents(c *gin.Context) {
	jobID, ok := bindJobID(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	events, err := s.jobs.ListEvents(c.Request.Context(), c.GetString(userIDKey), jobID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{
			"id":         e.ID,
			"event_type": e.EventType,
			"payload":    e.Payload,
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "events": out})
}

// bindJobID reads job_id from the query string on GET and from the JSON body otherwise
func bindJobID(c *gin.Context) (string, bool) {
	var req jobRequest
	var err error
	if c.Request.Method == http.MethodGet {
		err = c.ShouldBindQuery(&req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorBody("invalid request"))
		return "", false
	}
	if req.JobID == "" {
		c.JSON(http.StatusBadRequest, errorBody("job_id is required"))
		return "", false
	}
	return req.JobID, true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
		return 0, false
	}
	return limit, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidParams):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, service.ErrReauthRequired):
		c.JSON(http.StatusPreconditionFailed, errorBody("reauthorization required"))
	case errors.Is(err, service.ErrJobNotFound):
		c.JSON(http.StatusNotFound, errorBody("job not found"))
	case errors.Is(err, service.ErrNotCancelable):
		c.JSON(http.StatusConflict, errorBody("not cancelable"))
	default:
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", c.GetString(userIDKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}
