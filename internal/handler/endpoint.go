package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hookrelay/internal/middleware"
	"hookrelay/internal/model"
	"hookrelay/internal/relay"
	"hookrelay/internal/store"
)

type EndpointHandler struct {
	Hub   *relay.Hub
	Store *store.Store
}

type createEndpointBody struct {
	Slug          string `json:"slug"`
	SigningSecret string `json:"signingSecret"`
}

func (h *EndpointHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createEndpointBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ep, err := h.Store.CreateEndpoint(userID, body.Slug, body.SigningSecret, time.Now().UnixMilli())
	if err != nil {
		if errors.Is(err, store.ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "Slug already taken"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"endpoint": endpointJSON(ep)})
}

func (h *EndpointHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	endpoints := h.Store.ListEndpoints(userID)
	resp := make([]gin.H, 0, len(endpoints))
	for _, ep := range endpoints {
		resp = append(resp, endpointJSON(ep))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": resp})
}

// Events lists an endpoint's captured webhook events, oldest first, after an
// optional sequence cursor.
func (h *EndpointHandler) Events(c *gin.Context) {
	ep, ok := h.authorizedEndpoint(c)
	if !ok {
		return
	}

	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	events := h.Store.ListEvents(ep.ID, after, limit)
	resp := make([]gin.H, 0, len(events))
	for _, ev := range events {
		resp = append(resp, gin.H{
			"id":          ev.ID,
			"seq":         ev.Seq,
			"method":      ev.Method,
			"headers":     ev.Headers,
			"body":        ev.Body,
			"query":       ev.Query,
			"sourceIp":    ev.SourceIP,
			"contentType": ev.ContentType,
			"createdAt":   ev.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": resp})
}

// Deliveries lists the delivery outcomes recorded for one event.
func (h *EndpointHandler) Deliveries(c *gin.Context) {
	ep, ok := h.authorizedEndpoint(c)
	if !ok {
		return
	}

	ev, ok := h.Store.GetEvent(c.Param("eventID"))
	if !ok || ev.EndpointID != ep.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	}

	deliveries := h.Store.ListDeliveries(ev.ID)
	resp := make([]gin.H, 0, len(deliveries))
	for _, d := range deliveries {
		resp = append(resp, gin.H{
			"id":             d.ID,
			"eventId":        d.EventID,
			"machineId":      d.MachineID,
			"status":         string(d.Status),
			"responseStatus": d.ResponseStatus,
			"responseBody":   d.ResponseBody,
			"error":          d.Error,
			"duration":       d.DurationMs,
			"createdAt":      d.CreatedAt,
			"updatedAt":      d.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": resp})
}

// Presence answers the live identity query from the relay actor, without
// opening a socket.
func (h *EndpointHandler) Presence(c *gin.Context) {
	ep, ok := h.authorizedEndpoint(c)
	if !ok {
		return
	}

	machines := h.Hub.Machines(ep.ID)
	if machines == nil {
		machines = []relay.MachineInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"machines": machines})
}

func (h *EndpointHandler) authorizedEndpoint(c *gin.Context) (model.Endpoint, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return model.Endpoint{}, false
	}

	ep, ok := h.Store.GetEndpoint(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
		return model.Endpoint{}, false
	}
	if ep.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return model.Endpoint{}, false
	}
	return ep, true
}

func endpointJSON(ep model.Endpoint) gin.H {
	return gin.H{
		"id":        ep.ID,
		"slug":      ep.Slug,
		"createdAt": ep.CreatedAt,
		"updatedAt": ep.UpdatedAt,
	}
}
