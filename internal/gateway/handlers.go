package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kandev/orchestratord/internal/common/logger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections into job status-stream websockets.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler wires a gin-facing handler to an already-running Hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log}
}

// StreamJob upgrades GET /jobs/:id/stream and subscribes the new client to
// state-change events for that job id.
func (h *Handler) StreamJob(c *gin.Context) {
	jobID := c.Param("id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(jobID)

	go client.WritePump(ws)
	go client.ReadPump(ws)
}

// RegisterRoutes wires the stream endpoint onto an existing router group.
func RegisterRoutes(rg *gin.RouterGroup, h *Handler) {
	rg.GET("/jobs/:id/stream", h.StreamJob)
}
