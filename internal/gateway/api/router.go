package api

import (
	"time"

	"github.com/gin-gonic/gin"

	gwsigning "github.com/ctrlplane/gateway/internal/gateway/signing"
	"github.com/ctrlplane/gateway/internal/platform/logger"
)

// SetupRouter builds the gateway's full Gin engine: ambient middleware,
// unauthenticated health checks, the UI surface, and the signed agent
// connect-back surface (verified by verifier).
func SetupRouter(h *Handler, verifier *gwsigning.Verifier, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(), RateLimit(60, 10*time.Second))

	router.GET("/health", healthCheck)
	router.GET("/healthz", healthCheck)

	api := router.Group("/api")
	{
		runsGroup := api.Group("/runs")
		{
			runsGroup.POST("", h.CreateRun)
			runsGroup.GET("", h.ListRuns)
			runsGroup.GET("/:id", h.GetRun)
			runsGroup.GET("/:id/events", h.GetRunEvents)
			runsGroup.GET("/:id/state", h.GetRunState)
			runsGroup.GET("/:id/artifacts", h.ListArtifacts)
			runsGroup.GET("/:id/stream", h.StreamRun)
			runsGroup.POST("/:id/command", h.EnqueueCommand)
			runsGroup.POST("/:id/input", h.SendInput)
			runsGroup.POST("/:id/escape", h.Escape)
			runsGroup.POST("/:id/stop", h.Stop)
			runsGroup.POST("/:id/halt", h.Halt)
			runsGroup.POST("/:id/restart", h.Restart)
			runsGroup.DELETE("/:id", h.DeleteRun)

			// Agent connect-back: signed; every route but claim is also run-scoped.
			runsGroup.POST("/claim", verifier.Middleware(false), h.ClaimRun)
			runsGroup.GET("/:id/commands", verifier.Middleware(true), h.PollCommands)
			runsGroup.POST("/:id/commands/:cmdId/ack", verifier.Middleware(true), h.AckCommand)
			runsGroup.POST("/:id/state", verifier.Middleware(true), h.PutRunState)
			runsGroup.POST("/:id/artifacts", verifier.Middleware(true), h.UploadArtifact)
		}

		api.GET("/stream", h.StreamAll)
		api.GET("/clients", h.ListAgents)

		clients := api.Group("/clients")
		{
			clients.POST("/register", verifier.Middleware(false), h.RegisterAgent)
			clients.POST("/heartbeat", verifier.Middleware(false), h.HeartbeatAgent)
		}

		ingest := api.Group("/ingest")
		{
			ingest.POST("/event", verifier.Middleware(true), h.ingestEventDispatch)
		}
	}

	return router
}

// ingestEventDispatch reads the run id the signed envelope scoped this
// request to and delegates to IngestEvent, which expects :id as a route
// param; /api/ingest/event is scoped via the X-Run-Id header instead of a
// path segment, so we copy it into gin's param list before dispatching.
func (h *Handler) ingestEventDispatch(c *gin.Context) {
	runID := c.GetString("run_id")
	c.Params = append(c.Params, gin.Param{Key: "id", Value: runID})
	h.IngestEvent(c)
}

func healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
