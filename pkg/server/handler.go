package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

type Handler struct {
	Service *Service
	MCP     http.Handler
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s, MCP: NewMCPHandler(NewMCPServer(s))}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// streamable HTTP uses POST for calls, GET for the event stream and
	// DELETE to end a session
	r.Any("/mcp", gin.WrapH(h.MCP))

	api := r.Group("/api")
	{
		api.POST("/research", h.createJob)
		api.GET("/research", h.listJobs)
		api.GET("/research/:id", h.getJob)
		api.GET("/research/:id/logs", h.getJobLogs)
		api.GET("/research/:id/learnings", h.getJobLearnings)
		api.GET("/learnings", h.searchLearnings)
	}
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, research.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.Service.CreateJob(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Service.ListJobs(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		abortWithError(c, err)
		return
	}
	// Return empty list instead of null
	if jobs == nil {
		jobs = []database.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.Service.GetJob(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	logs, err := h.Service.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if logs == nil {
		logs = []database.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) getJobLearnings(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	h.respondLearnings(c, id)
}

func (h *Handler) searchLearnings(c *gin.Context) {
	if c.Query("q") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	h.respondLearnings(c, uuid.Nil)
}

func (h *Handler) respondLearnings(c *gin.Context, jobID uuid.UUID) {
	matches, err := h.Service.SearchLearnings(c.Request.Context(), jobID, c.Query("q"), queryInt(c, "top_k", 10))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, learningOutputs(matches))
}

func learningOutputs(matches []vectorstore.Match) []LearningOutput {
	out := make([]LearningOutput, 0, len(matches))
	for _, m := range matches {
		l := LearningOutput{Text: m.Content, Score: m.Score}
		if v, ok := m.Metadata[vectorstore.KeyJobID].(string); ok {
			l.JobID = v
		}
		if v, ok := m.Metadata[vectorstore.KeyQuery].(string); ok {
			l.Query = v
		}
		switch v := m.Metadata[vectorstore.KeySources].(type) {
		case []string:
			l.Sources = v
		case []any:
			for _, s := range v {
				if str, ok := s.(string); ok {
					l.Sources = append(l.Sources, str)
				}
			}
		}
		out = append(out, l)
	}
	return out
}
