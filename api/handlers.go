package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xutingl/skyplane/pkg/models"
	"github.com/xutingl/skyplane/pkg/planner"
)

// SubmitJob handles POST /api/jobs
// @Summary Submit a transfer job
// @Description Plan and start a new bulk transfer
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body models.JobRequest true "Transfer request"
// @Success 200 {object} models.JobStatus
// @Failure 400 {object} gin.H
// @Failure 422 {object} gin.H
// @Router /api/jobs [post]
func (s *Server) SubmitJob(c *gin.Context) {
	var req models.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := s.svc.Submit(c.Request.Context(), req)
	if err != nil {
		var infeasible *planner.InfeasibleError
		if errors.As(err, &infeasible) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":            err.Error(),
				"infeasible_pairs": infeasible.Pairs,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := s.svc.Status(jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetJobStatus handles GET /api/jobs/:jobID
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} models.JobStatus
// @Failure 404 {object} gin.H
// @Router /api/jobs/{jobID} [get]
func (s *Server) GetJobStatus(c *gin.Context) {
	status, err := s.svc.Status(c.Param("jobID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetJobPlan handles GET /api/jobs/:jobID/plan
// @Summary Get the plan artifact for a job
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} planner.Plan
// @Failure 404 {object} gin.H
// @Router /api/jobs/{jobID}/plan [get]
func (s *Server) GetJobPlan(c *gin.Context) {
	plan, err := s.svc.Plan(c.Param("jobID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, plan)
}

// GetJobResult handles GET /api/jobs/:jobID/result
// @Summary Get the final result of a finished job
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} models.JobResult
// @Failure 404 {object} gin.H
// @Router /api/jobs/{jobID}/result [get]
func (s *Server) GetJobResult(c *gin.Context) {
	result, err := s.svc.Result(c.Param("jobID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListJobs handles GET /api/jobs
// @Summary List all jobs
// @Tags jobs
// @Produce json
// @Success 200 {array} models.JobStatus
// @Router /api/jobs [get]
func (s *Server) ListJobs(c *gin.Context) {
	jobs, err := s.svc.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// CancelJob handles DELETE /api/jobs/:jobID
// @Summary Cancel a running job
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} gin.H
// @Failure 400 {object} gin.H
// @Router /api/jobs/{jobID} [delete]
func (s *Server) CancelJob(c *gin.Context) {
	if err := s.svc.Cancel(c.Param("jobID")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "message": "Job cancelled successfully"})
}

// HealthCheck handles GET /health
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} gin.H
// @Router /health [get]
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now(),
	})
}
