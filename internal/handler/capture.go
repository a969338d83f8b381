package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hookrelay/internal/auth"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/relay"
	"hookrelay/internal/store"
)

const maxCaptureBody = 1024 * 1024

// CaptureHandler receives webhooks on the public URL, stores them and fans
// them out to the endpoint's connected machines.
type CaptureHandler struct {
	Hub   *relay.Hub
	Store *store.Store
	Log   *zap.Logger
}

func (h *CaptureHandler) Receive(c *gin.Context) {
	ep, ok := h.Store.GetEndpointBySlug(c.Param("slug"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCaptureBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(body) > maxCaptureBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}

	if ep.SigningSecret != "" {
		if err := auth.VerifyPayloadSignature(ep.SigningSecret, body, c.GetHeader("X-Hook-Signature")); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	query := make(map[string]string)
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	now := time.Now().UnixMilli()
	ev := h.Store.InsertEvent(model.WebhookEvent{
		ID:          uuid.NewString(),
		EndpointID:  ep.ID,
		Method:      c.Request.Method,
		Headers:     headers,
		Body:        string(body),
		Query:       query,
		SourceIP:    c.ClientIP(),
		ContentType: c.ContentType(),
		CreatedAt:   now,
	})
	metrics.EventsCaptured.Inc()

	// One pending delivery per machine connected right now. A machine that
	// connects between this step and the broadcast sees nothing for this
	// event; that window is documented behavior.
	machines := h.Hub.Machines(ep.ID)
	deliveries := make(map[string]string, len(machines))
	for _, m := range machines {
		d := h.Store.CreateDelivery(ev.ID, m.ID, now)
		deliveries[m.ID] = d.ID
	}

	attempted := h.Hub.Broadcast(ep.ID, relay.EventPayload{
		EventID:     ev.ID,
		Method:      ev.Method,
		Headers:     ev.Headers,
		Body:        ev.Body,
		Query:       ev.Query,
		ContentType: ev.ContentType,
		SourceIP:    ev.SourceIP,
		CreatedAt:   ev.CreatedAt,
	}, deliveries)

	h.Log.Info("event captured",
		zap.String("endpoint", ep.ID),
		zap.String("eventId", ev.ID),
		zap.Int("machines", attempted),
	)
	c.JSON(http.StatusOK, gin.H{"eventId": ev.ID, "delivered": attempted})
}
