package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/model"
	"github.com/session-hub/backend/internal/sse"
)

// ChatHandler serves the push-only chat: an event stream to read and a
// POST endpoint to write.
type ChatHandler struct {
	chats        *hub.Manager
	stream       sse.Options
	maxBodyBytes int64
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(chats *hub.Manager, stream sse.Options, maxBodyBytes int64) *ChatHandler {
	return &ChatHandler{
		chats:        chats,
		stream:       stream,
		maxBodyBytes: maxBodyBytes,
	}
}

// Events handles GET /api/chat - streams history, then every new message.
func (h *ChatHandler) Events(c *gin.Context) {
	identity := model.NewIdentity(c.Query("username"))

	sub, err := sse.Open(c.Request.Context(), h.chats, GlobalRoom, identity, h.stream)
	if err != nil {
		sendHubError(c, err)
		return
	}
	sub.Pump(c)
}

// Post handles POST /api/chat - accepts one message.
func (h *ChatHandler) Post(c *gin.Context) {
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}
	payload, err := c.GetRawData()
	if err != nil {
		sendHubError(c, err)
		return
	}

	err = h.chats.Do(GlobalRoom, func(room *hub.Hub) error {
		_, err := room.Submit(c.Request.Context(), payload)
		return err
	})
	if err != nil {
		sendHubError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// RegisterRoutes registers the chat routes on a Gin router group.
func (h *ChatHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/chat", h.Events)
	rg.POST("/chat", h.Post)
}
