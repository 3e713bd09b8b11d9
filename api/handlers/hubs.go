package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/model"
)

// HubResponse describes the live state of one hub instance.
type HubResponse struct {
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	Live      bool          `json:"live"`
	Sessions  int           `json:"sessions"`
	History   []model.Event `json:"history"`
}

// HubsHandler exposes read-only hub state for operators.
type HubsHandler struct {
	managers map[string]*hub.Manager
}

// NewHubsHandler creates a HubsHandler over the given managers, keyed by namespace.
func NewHubsHandler(managers ...*hub.Manager) *HubsHandler {
	byNamespace := make(map[string]*hub.Manager, len(managers))
	for _, m := range managers {
		byNamespace[m.Namespace()] = m
	}
	return &HubsHandler{managers: byNamespace}
}

// Get handles GET /api/hubs/:namespace/:name. It never instantiates a hub.
func (h *HubsHandler) Get(c *gin.Context) {
	namespace := c.Param("namespace")
	m, ok := h.managers[namespace]
	if !ok {
		sendError(c, http.StatusNotFound, "NAMESPACE_NOT_FOUND", "Namespace "+namespace+" not found")
		return
	}

	name := c.Param("name")
	resp := HubResponse{Namespace: namespace, Name: name, History: []model.Event{}}
	if instance, live := m.Get(name); live {
		resp.Live = true
		resp.Sessions = instance.SessionCount()
		if history := instance.History(); history != nil {
			resp.History = history
		}
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers the hub inspection routes on a Gin router group.
func (h *HubsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/hubs/:namespace/:name", h.Get)
}
