package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/gateway/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamRun handles WS /api/runs/:id/stream — a UI subscriber scoped to one
// run's topic.
func (h *Handler) StreamRun(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "validation.failed", "message": "run id is required"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := hub.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(hub.RunTopic(runID))

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles WS /api/stream — a UI subscriber that can dynamically
// subscribe/unsubscribe to any run topic plus the global "all" topic.
func (h *Handler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := hub.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(hub.AllTopic())

	go client.WritePump()
	go client.ReadPump()
}
