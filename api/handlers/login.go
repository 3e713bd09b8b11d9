package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/model"
	"github.com/session-hub/backend/internal/sse"
)

// LoginHandler serves one notification channel per login hash. The browser
// listens on the stream while the bot webhook posts the outcome.
type LoginHandler struct {
	logins       *hub.Manager
	stream       sse.Options
	maxBodyBytes int64
}

// NewLoginHandler creates a new LoginHandler.
func NewLoginHandler(logins *hub.Manager, stream sse.Options, maxBodyBytes int64) *LoginHandler {
	return &LoginHandler{
		logins:       logins,
		stream:       stream,
		maxBodyBytes: maxBodyBytes,
	}
}

// Events handles GET /api/auth/events/:hash - waits for the login outcome.
func (h *LoginHandler) Events(c *gin.Context) {
	hash := c.Param("hash")
	if hash == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Hash parameter is required")
		return
	}

	sub, err := sse.Open(c.Request.Context(), h.logins, hash, model.NewIdentity(""), h.stream)
	if err != nil {
		sendHubError(c, err)
		return
	}
	sub.Pump(c)
}

// Notify handles POST /api/auth/events/:hash/notify - pushes the outcome to
// every listener of hash.
func (h *LoginHandler) Notify(c *gin.Context) {
	hash := c.Param("hash")
	if hash == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Hash parameter is required")
		return
	}

	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}
	payload, err := c.GetRawData()
	if err != nil {
		sendHubError(c, err)
		return
	}

	err = h.logins.Do(hash, func(channel *hub.Hub) error {
		_, err := channel.Submit(c.Request.Context(), payload)
		return err
	})
	if err != nil {
		sendHubError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// RegisterRoutes registers the login notification routes on a Gin router group.
func (h *LoginHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/auth/events/:hash", h.Events)
	rg.POST("/auth/events/:hash/notify", h.Notify)
}
