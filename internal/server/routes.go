package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mantonx/mediarelay/internal/server/handlers"
)

// setupRoutes registers every endpoint.
//
//	/healthz                    - dependency checks
//	/metrics                    - prometheus exposition
//	/api/v1/jobs                - submit and list jobs
//	/api/v1/jobs/:id            - inspect or cancel a job
//	/api/v1/jobs/:id/progress   - websocket progress stream
//	/api/v1/probe               - inspect a local file
//	/api/v1/estimate            - predict a rendition size
func setupRoutes(r *gin.Engine, deps Deps) {
	r.GET("/healthz", handlers.NewHealthHandler(deps.Health).Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		if deps.Jobs != nil {
			jobs := handlers.NewJobHandler(deps.Jobs)
			v1.POST("/jobs", jobs.SubmitJob)
			v1.GET("/jobs", jobs.ListJobs)
			v1.GET("/jobs/:id", jobs.GetJob)
			v1.DELETE("/jobs/:id", jobs.CancelJob)
			v1.GET("/jobs/:id/progress", jobs.StreamProgress)
		}

		if deps.Media != nil {
			v1.POST("/probe", deps.Media.Probe)
			v1.POST("/estimate", deps.Media.Estimate)
		}
	}
}
