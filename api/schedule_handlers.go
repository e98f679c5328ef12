package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xutingl/skyplane/pkg/models"
)

// CreateScheduleRequest is the body for POST /api/schedules.
type CreateScheduleRequest struct {
	Name     string            `json:"name" binding:"required"`
	CronExpr string            `json:"cron_expr" binding:"required"`
	Request  models.JobRequest `json:"request" binding:"required"`
}

// CreateSchedule handles POST /api/schedules
// @Summary Create a recurring transfer schedule
// @Tags schedules
// @Accept json
// @Produce json
// @Param request body CreateScheduleRequest true "Schedule definition"
// @Success 200 {object} scheduler.Schedule
// @Failure 400 {object} gin.H
// @Router /api/schedules [post]
func (s *Server) CreateSchedule(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := s.scheduler.Add(req.Name, req.CronExpr, req.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sched)
}

// ListSchedules handles GET /api/schedules
func (s *Server) ListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.List())
}

// GetSchedule handles GET /api/schedules/:id
func (s *Server) GetSchedule(c *gin.Context) {
	sched, ok := s.scheduler.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	c.JSON(http.StatusOK, sched)
}

// DeleteSchedule handles DELETE /api/schedules/:id
func (s *Server) DeleteSchedule(c *gin.Context) {
	if err := s.scheduler.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// EnableSchedule handles POST /api/schedules/:id/enable
func (s *Server) EnableSchedule(c *gin.Context) {
	if err := s.scheduler.SetEnabled(c.Param("id"), true); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// DisableSchedule handles POST /api/schedules/:id/disable
func (s *Server) DisableSchedule(c *gin.Context) {
	if err := s.scheduler.SetEnabled(c.Param("id"), false); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// RunScheduleNow handles POST /api/schedules/:id/run
func (s *Server) RunScheduleNow(c *gin.Context) {
	jobID, err := s.scheduler.RunNow(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}
