package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hookrelay/internal/auth"
	"hookrelay/internal/model"
	"hookrelay/internal/relay"
	"hookrelay/internal/store"
)

type WebSocketHandler struct {
	Hub         *relay.Hub
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Log         *zap.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// Serve upgrades the connection and attaches it to the endpoint's relay
// actor. Query parameters: token, endpoint, role (machine|viewer), and for
// machines machineId plus an optional machineName override.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	endpointID := c.Query("endpoint")
	ep, ok := h.Store.GetEndpoint(endpointID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
		return
	}
	if ep.UserID != claims.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	var meta relay.Meta
	switch relay.Role(c.Query("role")) {
	case relay.RoleMachine:
		machineID := c.Query("machineId")
		m, ok := h.Store.GetMachine(endpointID, machineID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown machine"})
			return
		}
		name := c.Query("machineName")
		if name == "" {
			name = m.Name
		} else if name != m.Name {
			// the stored record follows the override, so the machine list and
			// presence broadcasts agree on the name
			if _, _, err := h.Store.UpsertMachine(endpointID, m.ID, name, "", time.Now().UnixMilli()); err != nil {
				h.Log.Warn("machine rename failed",
					zap.String("machineId", m.ID),
					zap.Error(err),
				)
			}
		}
		meta = relay.Meta{Role: relay.RoleMachine, MachineID: m.ID, MachineName: name}
	case relay.RoleViewer:
		meta = relay.Meta{Role: relay.RoleViewer, UserID: claims.UserID}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := relay.NewConn(&wsWriter{conn: ws})
	actor := h.Hub.Join(endpointID, conn, meta)
	if meta.Role == relay.RoleMachine {
		h.Store.SetMachineOnline(meta.MachineID, true, time.Now().UnixMilli())
	}

	defer func() {
		// close and error can both land here; Leave reports the removal
		// only once, so the offline flip runs once as well
		removed, wasRegistered := h.Hub.Leave(endpointID, conn)
		if wasRegistered && removed.Role == relay.RoleMachine {
			h.Store.SetMachineOnline(removed.MachineID, false, time.Now().UnixMilli())
		}
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		// malformed payloads are dropped; a stale or partial report must not
		// tear down an otherwise healthy socket
		var rep relay.DeliveryReport
		if err := json.Unmarshal(data, &rep); err != nil {
			continue
		}
		if rep.Type != relay.TypeDeliveryReport {
			continue
		}
		if rep.Status != string(model.DeliveryDelivered) && rep.Status != string(model.DeliveryFailed) {
			continue
		}
		if meta.Role != relay.RoleMachine {
			continue
		}

		actor.Report(conn, rep)

		// durable write is independent of the live relay; it may fail or
		// race the relay without affecting it
		now := time.Now().UnixMilli()
		if err := h.Store.UpdateDeliveryResult(rep.DeliveryID, model.DeliveryStatus(rep.Status), rep.ResponseStatus, rep.ResponseBody, rep.Error, rep.Duration, now); err != nil {
			h.Log.Warn("delivery status write failed",
				zap.String("deliveryId", rep.DeliveryID),
				zap.String("eventId", rep.EventID),
				zap.Error(err),
			)
		}
	}
}
