package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/scheduler"
	"github.com/xutingl/skyplane/pkg/service"
)

// Server bundles the HTTP surface: job submission, schedules, and the
// websocket control channel for remote gateways.
type Server struct {
	svc       *service.Service
	scheduler *scheduler.Scheduler
	hub       *control.Hub
}

// NewServer creates the API server. hub may be nil when gateways run
// in-process.
func NewServer(svc *service.Service, sched *scheduler.Scheduler, hub *control.Hub) *Server {
	return &Server{svc: svc, scheduler: sched, hub: hub}
}

// SetupRouter creates and configures the Gin router
func (s *Server) SetupRouter() *gin.Engine {
	router := gin.Default()

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"} // Configure appropriately in production
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(config))

	// Health check
	router.GET("/health", s.HealthCheck)

	// Remote gateways connect here
	if s.hub != nil {
		router.GET("/ws/gateway", gin.WrapF(s.hub.HandleUpgrade))
	}

	// API routes
	api := router.Group("/api")
	{
		api.POST("/jobs", s.SubmitJob)
		api.GET("/jobs", s.ListJobs)
		api.GET("/jobs/:jobID", s.GetJobStatus)
		api.GET("/jobs/:jobID/plan", s.GetJobPlan)
		api.GET("/jobs/:jobID/result", s.GetJobResult)
		api.DELETE("/jobs/:jobID", s.CancelJob)

		// Scheduled transfers
		api.POST("/schedules", s.CreateSchedule)
		api.GET("/schedules", s.ListSchedules)
		api.GET("/schedules/:id", s.GetSchedule)
		api.DELETE("/schedules/:id", s.DeleteSchedule)
		api.POST("/schedules/:id/enable", s.EnableSchedule)
		api.POST("/schedules/:id/disable", s.DisableSchedule)
		api.POST("/schedules/:id/run", s.RunScheduleNow)
	}

	return router
}
