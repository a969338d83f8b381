package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

type MachineHandler struct {
	Store *store.Store
	// endpoint ownership checks reuse the endpoint handler's lookup
	Endpoints *EndpointHandler
}

type registerMachineBody struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ForwardURL string `json:"forwardUrl"`
}

// Register creates or updates a machine record. The machine-side identity
// resolver calls this with an existing id to reuse a record, or with no id to
// mint a new one.
func (h *MachineHandler) Register(c *gin.Context) {
	ep, ok := h.Endpoints.authorizedEndpoint(c)
	if !ok {
		return
	}

	var body registerMachineBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	m, created, err := h.Store.UpsertMachine(ep.ID, body.ID, body.Name, body.ForwardURL, time.Now().UnixMilli())
	if err != nil {
		if errors.Is(err, store.ErrWrongEndpoint) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"machine": machineJSON(m)})
}

func (h *MachineHandler) List(c *gin.Context) {
	ep, ok := h.Endpoints.authorizedEndpoint(c)
	if !ok {
		return
	}

	machines := h.Store.ListMachines(ep.ID)
	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, machineJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}

func machineJSON(m model.Machine) gin.H {
	return gin.H{
		"id":         m.ID,
		"name":       m.Name,
		"forwardUrl": m.ForwardURL,
		"online":     m.Online,
		"lastSeenAt": m.LastSeenAt,
		"createdAt":  m.CreatedAt,
		"updatedAt":  m.UpdatedAt,
	}
}
